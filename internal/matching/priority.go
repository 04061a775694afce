package matching

// DefaultRank is assumed for any (student, course) or (student, section) pair
// without an explicit preference record.
const DefaultRank = 3

// DefaultRankCap is the utility cap used when the configuration does not
// override it: utility(1)=9 down to utility(10 and beyond)=1.
const DefaultRankCap = 10

// Utility converts a preference rank into a desirability score. It is
// monotonically non-increasing in rank and floored at 1 so every accepted
// assignment still contributes to the objective.
func Utility(rank, cap int) int {
	if cap <= 1 {
		cap = DefaultRankCap
	}
	if rank < 1 {
		rank = 1
	}
	u := cap - rank
	if u < 1 {
		return 1
	}
	return u
}

// proposer identifies a student competing for a seat, carrying the priority
// the resource uses to compare contenders.
type proposer struct {
	studentID string
	priority  int
}

// outranks reports whether a beats b for a contested seat. Higher priority
// wins; ties fall back to ascending student id so repeated runs on identical
// input produce identical output.
func (a proposer) outranks(b proposer) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.studentID < b.studentID
}
