package matching

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Solver errors. ErrInfeasible means the search space was exhausted without a
// feasible point; ErrBudgetExceeded means the budget ran out before any
// feasible point was found. A timeout with an incumbent is not an error: the
// best solution found so far is returned with TimedOut set.
var (
	ErrInfeasible     = errors.New("no feasible assignment exists")
	ErrBudgetExceeded = errors.New("solve budget exhausted before a feasible assignment was found")
)

// ConstraintKind tags the typed constraint forms the solver accepts.
type ConstraintKind int

const (
	// ConstraintExactly requires the weighted sum of the listed variables to
	// equal Bound.
	ConstraintExactly ConstraintKind = iota
	// ConstraintAtMost requires the weighted sum to stay at or below Bound.
	ConstraintAtMost
)

// Constraint is a linear restriction over binary variables. Coeffs are
// optional; nil means every listed variable weighs 1. All coefficients must
// be positive.
type Constraint struct {
	Kind   ConstraintKind
	Vars   []int
	Coeffs []int
	Bound  int
}

// Problem is a 0/1 maximization: pick variable values in {0,1} maximizing the
// utility sum subject to the typed constraints. Constraints are data, never
// evaluated text.
type Problem struct {
	Utilities   []int
	Constraints []Constraint
}

// Solution holds the best assignment found. Optimal is true when the search
// completed; TimedOut is true when the budget expired and the incumbent is
// only best-found-so-far.
type Solution struct {
	Values    []bool
	Objective int
	Optimal   bool
	TimedOut  bool
}

type solverState struct {
	problem   Problem
	order     []int
	varCons   [][]int
	varCoeffs [][]int

	sums      []int
	remaining []int
	values    []bool

	best      []bool
	bestObj   int
	haveBest  bool
	deadline  time.Time
	ctx       context.Context
	nodes     int
	timedOut  bool
	cancelled bool
}

// Solve runs an exact depth-first branch-and-bound over the problem. The
// branching order is fixed (descending utility, index ascending on ties) so
// identical inputs explore identical trees and return identical solutions.
func Solve(ctx context.Context, p Problem, budget time.Duration) (Solution, error) {
	n := len(p.Utilities)
	if n == 0 {
		return Solution{Values: nil, Objective: 0, Optimal: true}, nil
	}
	for ci := range p.Constraints {
		c := &p.Constraints[ci]
		if c.Coeffs == nil {
			continue
		}
		if len(c.Coeffs) != len(c.Vars) {
			return Solution{}, errors.New("constraint coefficient arity mismatch")
		}
	}

	s := &solverState{
		problem:   p,
		sums:      make([]int, len(p.Constraints)),
		remaining: make([]int, len(p.Constraints)),
		values:    make([]bool, n),
		ctx:       ctx,
	}
	if budget > 0 {
		s.deadline = time.Now().Add(budget)
	}

	s.order = make([]int, n)
	for i := range s.order {
		s.order[i] = i
	}
	sort.SliceStable(s.order, func(a, b int) bool {
		ua, ub := p.Utilities[s.order[a]], p.Utilities[s.order[b]]
		if ua != ub {
			return ua > ub
		}
		return s.order[a] < s.order[b]
	})

	s.varCons = make([][]int, n)
	s.varCoeffs = make([][]int, n)
	for ci, c := range p.Constraints {
		for vi, v := range c.Vars {
			coeff := 1
			if c.Coeffs != nil {
				coeff = c.Coeffs[vi]
			}
			s.varCons[v] = append(s.varCons[v], ci)
			s.varCoeffs[v] = append(s.varCoeffs[v], coeff)
			s.remaining[ci] += coeff
		}
	}

	// Reject constraints that can never be met before descending.
	for ci, c := range p.Constraints {
		if c.Kind == ConstraintExactly && s.remaining[ci] < c.Bound {
			return Solution{}, ErrInfeasible
		}
		if c.Bound < 0 {
			return Solution{}, ErrInfeasible
		}
	}

	s.descend(0, 0)

	if s.cancelled {
		if s.haveBest {
			return s.solution(false), ctx.Err()
		}
		return Solution{}, ctx.Err()
	}
	if !s.haveBest {
		if s.timedOut {
			return Solution{}, ErrBudgetExceeded
		}
		return Solution{}, ErrInfeasible
	}
	return s.solution(!s.timedOut), nil
}

func (s *solverState) solution(optimal bool) Solution {
	values := make([]bool, len(s.best))
	copy(values, s.best)
	return Solution{Values: values, Objective: s.bestObj, Optimal: optimal, TimedOut: s.timedOut}
}

func (s *solverState) expired() bool {
	if s.timedOut || s.cancelled {
		return true
	}
	s.nodes++
	if s.nodes%256 == 0 {
		select {
		case <-s.ctx.Done():
			s.cancelled = true
			return true
		default:
		}
		if !s.deadline.IsZero() && time.Now().After(s.deadline) {
			s.timedOut = true
			return true
		}
	}
	return false
}

func (s *solverState) descend(depth, objective int) {
	if s.expired() {
		return
	}
	if depth == len(s.order) {
		for ci, c := range s.problem.Constraints {
			if c.Kind == ConstraintExactly && s.sums[ci] != c.Bound {
				return
			}
		}
		if !s.haveBest || objective > s.bestObj {
			s.haveBest = true
			s.bestObj = objective
			s.best = append(s.best[:0], s.values...)
		}
		return
	}

	// Optimistic bound: every undecided variable taken at full utility.
	bound := objective
	for _, v := range s.order[depth:] {
		if u := s.problem.Utilities[v]; u > 0 {
			bound += u
		}
	}
	if s.haveBest && bound <= s.bestObj {
		return
	}

	v := s.order[depth]

	// Try taking the variable first: utilities are positive so the greedy
	// branch tends to produce a strong incumbent early.
	if s.tryAssign(v, true) {
		s.descend(depth+1, objective+s.problem.Utilities[v])
		s.unassign(v, true)
	}
	if s.tryAssign(v, false) {
		s.descend(depth+1, objective)
		s.unassign(v, false)
	}
}

// tryAssign applies a tentative value and reports whether every touched
// constraint remains satisfiable. On false nothing is left applied.
func (s *solverState) tryAssign(v int, value bool) bool {
	for i, ci := range s.varCons[v] {
		coeff := s.varCoeffs[v][i]
		c := s.problem.Constraints[ci]
		sum := s.sums[ci]
		remaining := s.remaining[ci] - coeff
		if value {
			sum += coeff
		}
		if sum > c.Bound {
			s.rollback(v, value, i)
			return false
		}
		if c.Kind == ConstraintExactly && sum+remaining < c.Bound {
			s.rollback(v, value, i)
			return false
		}
		s.sums[ci] = sum
		s.remaining[ci] = remaining
	}
	s.values[v] = value
	return true
}

func (s *solverState) rollback(v int, value bool, applied int) {
	for i := 0; i < applied; i++ {
		ci := s.varCons[v][i]
		coeff := s.varCoeffs[v][i]
		if value {
			s.sums[ci] -= coeff
		}
		s.remaining[ci] += coeff
	}
}

func (s *solverState) unassign(v int, value bool) {
	for i, ci := range s.varCons[v] {
		coeff := s.varCoeffs[v][i]
		if value {
			s.sums[ci] -= coeff
		}
		s.remaining[ci] += coeff
	}
}
