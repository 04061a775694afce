// Command strategy_compare runs both allocation strategies over the same
// generated dataset and reports how far the heuristic falls short of the
// optimizing solver. Exits non-zero when deferred acceptance beats the
// solver, which would indicate a solver regression.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/acadplan/allocation-api/internal/matching"
)

func main() {
	var (
		seed      int64
		students  int
		electives int
		budget    time.Duration
	)

	flag.Int64Var(&seed, "seed", 1, "dataset generation seed")
	flag.IntVar(&students, "students", 48, "number of students")
	flag.IntVar(&electives, "electives", 8, "number of elective courses")
	flag.DurationVar(&budget, "budget", 30*time.Second, "solver time budget")
	flag.Parse()

	data := matching.BuildFixture(matching.FixtureParams{
		Seed:      seed,
		Students:  students,
		Electives: electives,
	})

	optimizing, err := run(data, matching.StrategyOptimizing, budget)
	if err != nil {
		fmt.Fprintf(os.Stderr, "optimizing run failed: %v\n", err)
		os.Exit(1)
	}
	deferred, err := run(data, matching.StrategyDeferredAcceptance, budget)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deferred-acceptance run failed: %v\n", err)
		os.Exit(1)
	}

	printReport(optimizing, deferred)

	optTotal := optimizing.CourseStats.TotalUtility + optimizing.SectionStats.TotalUtility
	daTotal := deferred.CourseStats.TotalUtility + deferred.SectionStats.TotalUtility
	if daTotal > optTotal {
		fmt.Fprintf(os.Stderr, "deferred acceptance outperformed the solver (%d > %d)\n", daTotal, optTotal)
		os.Exit(1)
	}
}

func run(data *matching.Dataset, strategy matching.Strategy, budget time.Duration) (*matching.Result, error) {
	engine := matching.NewEngine(matching.Config{
		Strategy:     strategy,
		SolverBudget: budget,
	}, zap.NewNop())
	return engine.Run(context.Background(), data)
}

func printReport(optimizing, deferred *matching.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "metric\toptimizing\tdeferred-acceptance")
	fmt.Fprintf(w, "course utility\t%d\t%d\n",
		optimizing.CourseStats.TotalUtility, deferred.CourseStats.TotalUtility)
	fmt.Fprintf(w, "section utility\t%d\t%d\n",
		optimizing.SectionStats.TotalUtility, deferred.SectionStats.TotalUtility)
	fmt.Fprintf(w, "enrollments\t%d\t%d\n",
		len(optimizing.Enrollments), len(deferred.Enrollments))
	fmt.Fprintf(w, "section assignments\t%d\t%d\n",
		len(optimizing.Assignments), len(deferred.Assignments))
	fmt.Fprintf(w, "unresolved issues\t%d\t%d\n",
		len(optimizing.Unresolved), len(deferred.Unresolved))
	fmt.Fprintf(w, "solve time ms\t%d\t%d\n",
		optimizing.CourseStats.SolveTimeMs+optimizing.SectionStats.SolveTimeMs,
		deferred.CourseStats.SolveTimeMs+deferred.SectionStats.SolveTimeMs)
	w.Flush()
}
