package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ivrobust/app"
	"ivrobust/domain/inference"
	"ivrobust/internal/inversion"
	"ivrobust/internal/simulate"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ivrobust",
		Short: "Weak-instrument-robust inference on simulated IV designs",
	}

	rootCmd.AddCommand(
		newReportCmd(),
		newInvertCmd(),
		newTestCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type dgpFlags struct {
	n        int
	k        int
	beta     float64
	strength float64
	rho      float64
	clusters int
	seed     int64
}

func (f *dgpFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.n, "n", 500, "Observations")
	cmd.Flags().IntVar(&f.k, "k", 5, "Instruments")
	cmd.Flags().Float64Var(&f.beta, "beta", 1.0, "True structural coefficient")
	cmd.Flags().Float64Var(&f.strength, "strength", 2.0, "Instrument strength")
	cmd.Flags().Float64Var(&f.rho, "rho", 0.5, "Endogeneity correlation")
	cmd.Flags().IntVar(&f.clusters, "clusters", 0, "Equal-size clusters (0 disables)")
	cmd.Flags().Int64Var(&f.seed, "seed", 42, "Random seed for the draw")
}

func (f *dgpFlags) service() (*app.InferenceService, error) {
	sample := simulate.Generate(simulate.Config{
		N:        f.n,
		K:        f.k,
		Beta:     f.beta,
		Strength: f.strength,
		Rho:      f.rho,
		Clusters: f.clusters,
		Seed:     f.seed,
	})
	data, err := sample.Data()
	if err != nil {
		return nil, fmt.Errorf("sample construction failed: %w", err)
	}
	return app.NewInferenceService(data), nil
}

func covSpecFromFlags(kind string, hacLags int) (inference.CovSpec, error) {
	switch inference.CovKind(kind) {
	case inference.CovCluster:
		return inference.ClusterCovSpec(), nil
	case inference.CovHAC:
		return inference.HACCovSpec(inference.KernelBartlett, hacLags), nil
	case inference.CovUnadjusted, inference.CovHC0, inference.CovHC1,
		inference.CovHC2, inference.CovHC3:
		return inference.CovSpec{Kind: inference.CovKind(kind), DFAdjust: true}, nil
	default:
		return inference.CovSpec{}, fmt.Errorf("unknown covariance kind %q", kind)
	}
}

func newReportCmd() *cobra.Command {
	var flags dgpFlags
	var alpha float64
	var cov string
	var hacLags int
	var verbose bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run the full workflow: estimation, diagnostics, tests, confidence sets",
		Long: `Generate a simulated IV design and run the full inference workflow.

Example: ivrobust report --n 500 --k 5 --strength 0.5 --alpha 0.05 --cov HC1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := flags.service()
			if err != nil {
				return err
			}
			svc.SetVerbose(verbose)
			spec, err := covSpecFromFlags(cov, hacLags)
			if err != nil {
				return err
			}
			report, err := svc.Run(cmd.Context(), app.ReportRequest{Alpha: alpha, CovSpec: spec})
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	flags.register(cmd)
	cmd.Flags().Float64Var(&alpha, "alpha", 0.05, "Significance level")
	cmd.Flags().StringVar(&cov, "cov", "HC1", "Covariance kind: unadjusted, HC0-HC3, cluster, HAC")
	cmd.Flags().IntVar(&hacLags, "hac-lags", -1, "HAC lag count (-1 selects automatically)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Log progress")

	return cmd
}

func newInvertCmd() *cobra.Command {
	var flags dgpFlags
	var method string
	var alpha float64
	var cov string
	var hacLags int
	var lo, hi float64

	cmd := &cobra.Command{
		Use:   "invert",
		Short: "Build one confidence set by test inversion",
		Long: `Invert a robust test over a grid of candidate values.

Example: ivrobust invert --method CLR --strength 0.5 --alpha 0.1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := flags.service()
			if err != nil {
				return err
			}
			spec, err := covSpecFromFlags(cov, hacLags)
			if err != nil {
				return err
			}
			req := app.InversionRequest{
				Method:  inference.Method(method),
				Alpha:   alpha,
				CovSpec: spec,
			}
			if lo < hi {
				req.Domain = &inversion.GridSpec{Lo: lo, Hi: hi}
			}
			cs, err := svc.Invert(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("%s %d%% confidence set: %s\n", cs.Method, int((1-cs.Alpha)*100), cs.Set)
			cs.Grid = nil // keep the JSON readable
			return printJSON(cs)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&method, "method", "AR", "Test family: AR, LM, or CLR")
	cmd.Flags().Float64Var(&alpha, "alpha", 0.05, "Significance level")
	cmd.Flags().StringVar(&cov, "cov", "HC1", "Covariance kind: unadjusted, HC0-HC3, cluster, HAC")
	cmd.Flags().IntVar(&hacLags, "hac-lags", -1, "HAC lag count (-1 selects automatically)")
	cmd.Flags().Float64Var(&lo, "lo", 0, "Search domain lower bound (defaults to an estimate-centered domain)")
	cmd.Flags().Float64Var(&hi, "hi", 0, "Search domain upper bound")

	return cmd
}

func newTestCmd() *cobra.Command {
	var flags dgpFlags
	var method string
	var beta0 float64
	var cov string
	var hacLags int

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate one robust test at a single null value",
		Long: `Test H0: beta = beta0 with the requested method.

Example: ivrobust test --method LM --beta0 0 --strength 0.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := flags.service()
			if err != nil {
				return err
			}
			spec, err := covSpecFromFlags(cov, hacLags)
			if err != nil {
				return err
			}
			res, err := svc.EvaluateTest(app.TestRequest{
				Method:  inference.Method(method),
				Beta0:   beta0,
				CovSpec: spec,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&method, "method", "AR", "Test family: AR, LM, or CLR")
	cmd.Flags().Float64Var(&beta0, "beta0", 0, "Null value to test")
	cmd.Flags().StringVar(&cov, "cov", "HC1", "Covariance kind: unadjusted, HC0-HC3, cluster, HAC")
	cmd.Flags().IntVar(&hacLags, "hac-lags", -1, "HAC lag count (-1 selects automatically)")

	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
