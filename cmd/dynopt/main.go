package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/dof"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/problem"
	"github.com/mkessel/dynopt/internal/satcheck"
	"github.com/mkessel/dynopt/internal/solution"
	"github.com/mkessel/dynopt/internal/solve"
	"github.com/spf13/cobra"
)

var (
	dbPath     string
	solverName string
	backend    string
	mode       string
	dt         float64
	horizon    float64
	budget     time.Duration
	reform     string
	bigM       float64
	paramsFile string
	outFile    string
	noSave     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dynopt",
		Short: "hybrid dynamics optimization lab",
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "dynopt.db", "run database path")

	runCmd := &cobra.Command{
		Use:   "run [problem.yaml]",
		Short: "solve a problem and record the trajectory",
		Args:  cobra.ExactArgs(1),
		RunE:  runProblem,
	}
	runCmd.Flags().StringVar(&solverName, "solver", "", "solver backend")
	runCmd.Flags().StringVar(&backend, "backend", "", "backend class (continuous, mixed-integer)")
	runCmd.Flags().StringVar(&mode, "mode", "", "solve mode (monolithic, timewise)")
	runCmd.Flags().Float64Var(&dt, "dt", 0, "grid step")
	runCmd.Flags().Float64Var(&horizon, "horizon", 0, "time horizon")
	runCmd.Flags().DurationVar(&budget, "budget", 0, "solver time budget")
	runCmd.Flags().StringVar(&reform, "reform", "", "disjunction reformulation (hull, bigm)")
	runCmd.Flags().Float64Var(&bigM, "big-m", 0, "big-M constant")
	runCmd.Flags().StringVar(&paramsFile, "params", "", "live parameter file, re-read per timewise step")
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "skip recording the run")

	analyzeCmd := &cobra.Command{
		Use:   "analyze [problem.yaml]",
		Short: "degrees-of-freedom and logic rule analysis",
		Args:  cobra.ExactArgs(1),
		RunE:  analyzeProblem,
	}
	analyzeCmd.Flags().Float64Var(&dt, "dt", 0, "grid step")
	analyzeCmd.Flags().Float64Var(&horizon, "horizon", 0, "time horizon")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list recorded runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot a recorded trajectory",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "export a recorded run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRun,
	}
	exportCmd.Flags().StringVar(&outFile, "out", "", "output path (default stdout)")

	exportCSVCmd := &cobra.Command{
		Use:   "export-csv [run_id]",
		Short: "export a recorded trajectory as CSV",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRunCSV,
	}

	solversCmd := &cobra.Command{
		Use:   "solvers",
		Short: "list registered solver backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range solve.Names() {
				fmt.Println(name)
			}
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, analyzeCmd, listCmd, plotCmd, exportCmd, exportCSVCmd, solversCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadSystem(cmd *cobra.Command, path string) (*problem.System, error) {
	doc, err := problem.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("solver") {
		doc.Settings.Solver = solverName
	}
	if cmd.Flags().Changed("backend") {
		doc.Settings.Backend = backend
	}
	if cmd.Flags().Changed("mode") {
		doc.Settings.Mode = mode
	}
	if cmd.Flags().Changed("dt") {
		doc.Settings.Dt = dt
	}
	if cmd.Flags().Changed("horizon") {
		doc.Settings.Horizon = horizon
	}
	if cmd.Flags().Changed("budget") {
		doc.Settings.TimeBudget = budget
	}
	if cmd.Flags().Changed("reform") {
		doc.Settings.Reform = reform
	}
	if cmd.Flags().Changed("big-m") {
		doc.Settings.BigM = bigM
	}

	return problem.Compile(doc)
}

func runProblem(cmd *cobra.Command, args []string) error {
	sys, err := loadSystem(cmd, args[0])
	if err != nil {
		return err
	}

	b, err := solve.Select(sys.Settings)
	if err != nil {
		return err
	}

	var src problem.Source
	if paramsFile != "" {
		src = problem.FileSource{Path: paramsFile, Fallback: problem.FromSystem(sys).P}
	}

	orc, err := solve.New(sys, b, src)
	if err != nil {
		return err
	}

	solveMode, _ := sys.Settings.SolveMode()
	fmt.Printf("solving with %s (%s)...\n", b.Name(), solveMode)
	start := time.Now()
	out, runErr := orc.Run(context.Background())
	elapsed := time.Since(start)

	status := "solved"
	if runErr != nil {
		var serr *minlp.StepSolveError
		if !errors.As(runErr, &serr) || out == nil || out.Record == nil || out.Record.Len() == 0 {
			return runErr
		}
		// A failed step still leaves the earlier samples worth keeping.
		status = serr.Status.String()
		fmt.Printf("step %d failed (%s): %s\n", serr.Index, serr.Status, serr.Reason)
		fmt.Printf("keeping %d samples solved before the failure\n", out.Record.Len())
	}

	printAdvisories(out.DoF, out.RuleWarnings)

	fmt.Printf("completed in %v\n", elapsed)
	fmt.Printf("samples: %d\n", out.Record.Len())
	if out.Objective != 0 {
		fmt.Printf("objective: %.6f\n", out.Objective)
	}

	if noSave {
		return nil
	}

	st, err := solution.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.SaveRun(solution.RunMeta{
		Description: sys.Description,
		Mode:        out.Mode.String(),
		Solver:      b.Name(),
		Status:      status,
		Objective:   out.Objective,
	}, out.Record)
	if err != nil {
		return err
	}
	fmt.Printf("run id: %s\n", id)
	return runErr
}

func printAdvisories(report dof.Report, warnings []satcheck.Warning) {
	for _, w := range report.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, w := range warnings {
		fmt.Printf("warning: %s\n", w)
	}
}

func analyzeProblem(cmd *cobra.Command, args []string) error {
	sys, err := loadSystem(cmd, args[0])
	if err != nil {
		return err
	}

	g, err := discretize.NewGrid(sys.Settings.Dt, sys.Settings.Horizon)
	if err != nil {
		return err
	}

	report := dof.Analyze(sys, g)
	fmt.Printf("grid points: %d\n", g.Len())
	fmt.Printf("free variables: %d\n", report.FreeVariables)
	fmt.Printf("equalities: %d\n", report.Equalities)
	fmt.Printf("delta: %+d (%s)\n", report.Delta, report.Class)
	for _, w := range report.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	ruleWarnings := satcheck.Check(sys)
	if len(sys.Rules) > 0 && len(ruleWarnings) == 0 {
		fmt.Println("logic rules: exhaustive and non-overlapping")
	}
	for _, w := range ruleWarnings {
		fmt.Printf("warning: %s\n", w)
	}
	return nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st, err := solution.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDESCRIPTION\tMODE\tSOLVER\tSTATUS\tOBJECTIVE\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.4f\t%s\n",
			run.ID[:8],
			run.Description,
			run.Mode,
			run.Solver,
			run.Status,
			run.Objective,
			run.Created.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	st, err := solution.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	meta, rec, err := st.LoadRun(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("run: %s\n", meta.ID)
	if meta.Description != "" {
		fmt.Printf("description: %s\n", meta.Description)
	}
	fmt.Printf("samples: %d\n\n", rec.Len())

	for _, name := range rec.Symbols() {
		data, err := rec.Series(name)
		if err != nil {
			return err
		}
		graph := asciigraph.Plot(data,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(fmt.Sprintf("%s vs time", name)),
		)
		fmt.Println(graph)
		fmt.Println()
	}
	return nil
}

func exportRun(cmd *cobra.Command, args []string) error {
	st, err := solution.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	meta, rec, err := st.LoadRun(args[0])
	if err != nil {
		return err
	}

	if outFile != "" {
		if err := solution.ExportJSONFile(outFile, meta, rec); err != nil {
			return err
		}
		fmt.Printf("exported to %s\n", outFile)
		return nil
	}
	return solution.ExportJSON(os.Stdout, meta, rec)
}

func exportRunCSV(cmd *cobra.Command, args []string) error {
	st, err := solution.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	_, rec, err := st.LoadRun(args[0])
	if err != nil {
		return err
	}
	return solution.ExportCSV(os.Stdout, rec)
}
