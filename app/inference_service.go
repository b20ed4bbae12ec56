// Package app wires the statistic evaluators, the inversion engine, and
// the point estimators into caller-facing workflows.
package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
	"ivrobust/internal/diagnostics"
	"ivrobust/internal/estimators"
	"ivrobust/internal/inversion"
	"ivrobust/internal/weakiv"
	"ivrobust/ports"
)

// domainHalfWidth is how many point-estimate standard errors the default
// search domain extends on each side of the center.
const domainHalfWidth = 8.0

// InferenceService runs weak-identification-robust tests and confidence
// set inversions over a fixed dataset.
type InferenceService struct {
	data    *ivdata.Data
	verbose bool
}

// NewInferenceService creates a service bound to one dataset.
func NewInferenceService(data *ivdata.Data) *InferenceService {
	return &InferenceService{data: data}
}

// SetVerbose enables progress logging through the standard logger.
func (s *InferenceService) SetVerbose(v bool) { s.verbose = v }

func (s *InferenceService) logf(format string, args ...interface{}) {
	if s.verbose {
		log.Printf(format, args...)
	}
}

// PointEstimate fits TSLS under the given covariance specification. Its
// standard error is not robust to weak identification; robust conclusions
// come from the test and inversion paths.
func (s *InferenceService) PointEstimate(spec inference.CovSpec) (*estimators.Result, error) {
	return estimators.TSLS(s.data, spec)
}

// TestRequest asks for one statistic evaluated at one null value.
type TestRequest struct {
	Method  inference.Method
	Beta0   float64
	CovSpec inference.CovSpec
	CLRSims int // > 0 overrides the simulated conditional draw count
	CLRSeed int64
}

// EvaluateTest tests H0: beta = Beta0 with the requested method.
func (s *InferenceService) EvaluateTest(req TestRequest) (inference.TestResult, error) {
	eval, err := s.evaluator(req.Method, req.CovSpec, req.CLRSims, req.CLRSeed)
	if err != nil {
		return inference.TestResult{}, err
	}
	res := eval.Evaluate(req.Beta0)
	s.logf("%s test at beta0=%g: stat=%.4f p=%.4f", req.Method, req.Beta0, res.Statistic, res.PValue)
	return res, nil
}

// InversionRequest asks for a confidence set by test inversion. A nil
// Domain seeds the search from the TSLS point estimate.
type InversionRequest struct {
	Method  inference.Method
	Alpha   float64
	CovSpec inference.CovSpec
	Domain  *inversion.GridSpec
	Options *inversion.Options
	CLRSims int
	CLRSeed int64
}

// Invert builds the level 1-Alpha confidence set for beta.
func (s *InferenceService) Invert(ctx context.Context, req InversionRequest) (inference.ConfidenceSet, error) {
	eval, err := s.evaluator(req.Method, req.CovSpec, req.CLRSims, req.CLRSeed)
	if err != nil {
		return inference.ConfidenceSet{}, err
	}

	grid, seedWarnings := s.searchDomain(req.Domain, req.CovSpec)
	opts := inversion.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	s.logf("%s inversion at alpha=%g over [%g, %g]", req.Method, req.Alpha, grid.Lo, grid.Hi)
	cs, err := inversion.Invert(ctx, eval, req.Alpha, grid, opts)
	if err != nil {
		return inference.ConfidenceSet{}, fmt.Errorf("confidence set inversion failed: %w", err)
	}
	cs.Warnings = append(seedWarnings, cs.Warnings...)
	s.logf("%s confidence set: %s (state %s)", req.Method, cs.Set.String(), cs.FinalState)
	return cs, nil
}

// searchDomain resolves the initial grid, seeding from the TSLS estimate
// when the caller gave no domain. When the TSLS standard error is not
// finite the half width falls back to the outcome/regressor scale ratio.
func (s *InferenceService) searchDomain(hint *inversion.GridSpec, spec inference.CovSpec) (inversion.GridSpec, []core.Warning) {
	if hint != nil {
		return *hint, nil
	}
	var warnings []core.Warning

	center, scale := 0.0, 1.0
	est, err := estimators.TSLS(s.data, spec)
	switch {
	case err == nil && !math.IsNaN(est.Beta) && !math.IsNaN(est.StdErr) && est.StdErr > 0:
		center, scale = est.Beta, est.StdErr
	case err == nil && !math.IsNaN(est.Beta):
		center = est.Beta
		scale = diagnostics.ScaleHint(s.data)
		warnings = append(warnings, core.Warning{
			Category: core.WarnSearch,
			Message:  "point-estimate standard error unavailable, search domain sized from data scale",
		})
	default:
		scale = diagnostics.ScaleHint(s.data)
		warnings = append(warnings, core.Warning{
			Category: core.WarnSearch,
			Message:  "point estimation failed, search domain centered at zero",
		})
	}

	return inversion.GridSpec{
		Lo: center - domainHalfWidth*scale,
		Hi: center + domainHalfWidth*scale,
	}, warnings
}

func (s *InferenceService) evaluator(method inference.Method, spec inference.CovSpec, sims int, seed int64) (ports.StatisticEvaluator, error) {
	switch method {
	case inference.MethodAR:
		eval, err := weakiv.NewAR(s.data, spec)
		if err != nil {
			return nil, err
		}
		return eval, nil
	case inference.MethodLM:
		eval, err := weakiv.NewLM(s.data, spec)
		if err != nil {
			return nil, err
		}
		return eval, nil
	case inference.MethodCLR:
		var opts []weakiv.CLROption
		if sims > 0 {
			opts = append(opts, weakiv.WithCLRSims(sims))
		}
		if seed != 0 {
			opts = append(opts, weakiv.WithCLRSeed(seed))
		}
		eval, err := weakiv.NewCLR(s.data, spec, opts...)
		if err != nil {
			return nil, err
		}
		return eval, nil
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownMethod, method)
	}
}

// ReportRequest configures the unified workflow.
type ReportRequest struct {
	Beta0    *float64 // null to test; nil defaults to the TSLS estimate
	Alpha    float64
	Methods  []inference.Method // nil runs AR, LM, and CLR
	CovSpec  inference.CovSpec
	Domain   *inversion.GridSpec
	Options  *inversion.Options
	SkipSets bool // tests and diagnostics only
}

// Report bundles the outcome of the unified workflow.
type Report struct {
	PointEstimate  *estimators.Result                          `json:"point_estimate,omitempty"`
	FirstStage     diagnostics.FirstStage                      `json:"first_stage"`
	EffectiveF     *diagnostics.EffectiveFResult               `json:"effective_f,omitempty"`
	Tests          map[inference.Method]inference.TestResult   `json:"tests"`
	ConfidenceSets map[inference.Method]inference.ConfidenceSet `json:"confidence_sets,omitempty"`
	Recommended    inference.Method                            `json:"recommended"`
	Warnings       []core.Warning                              `json:"warnings,omitempty"`
	RuntimeMs      int64                                       `json:"runtime_ms"`
}

// Run executes the full workflow: point estimation, instrument strength
// diagnostics, robust tests at the null, and confidence set inversion for
// each requested method. CLR is recommended whenever more than one
// instrument is available since it is efficient under strong
// identification and retains size under weak identification.
func (s *InferenceService) Run(ctx context.Context, req ReportRequest) (*Report, error) {
	start := time.Now()
	if req.Alpha == 0 {
		req.Alpha = 0.05
	}
	methods := req.Methods
	if len(methods) == 0 {
		methods = inference.Methods()
	}

	report := &Report{
		Tests:       make(map[inference.Method]inference.TestResult, len(methods)),
		Recommended: inference.MethodCLR,
	}
	if s.data.K() == 1 {
		report.Recommended = inference.MethodAR
	}

	report.FirstStage = diagnostics.FirstStageDiagnostics(s.data)
	report.Warnings = append(report.Warnings, report.FirstStage.Warnings...)
	if eff, err := diagnostics.EffectiveF(s.data, req.CovSpec); err == nil {
		report.EffectiveF = &eff
	}

	beta0 := 0.0
	est, err := estimators.TSLS(s.data, req.CovSpec)
	if err == nil {
		report.PointEstimate = est
		beta0 = est.Beta
	}
	if req.Beta0 != nil {
		beta0 = *req.Beta0
	} else if err != nil || math.IsNaN(beta0) {
		beta0 = 0
		report.Warnings = append(report.Warnings, core.Warning{
			Category: core.WarnSearch,
			Message:  "no point estimate available, testing beta0 = 0",
		})
	}

	for _, m := range methods {
		res, err := s.EvaluateTest(TestRequest{Method: m, Beta0: beta0, CovSpec: req.CovSpec})
		if err != nil {
			return nil, fmt.Errorf("%s test failed: %w", m, err)
		}
		report.Tests[m] = res
	}

	if !req.SkipSets {
		report.ConfidenceSets = make(map[inference.Method]inference.ConfidenceSet, len(methods))
		for _, m := range methods {
			cs, err := s.Invert(ctx, InversionRequest{
				Method:  m,
				Alpha:   req.Alpha,
				CovSpec: req.CovSpec,
				Domain:  req.Domain,
				Options: req.Options,
			})
			if err != nil {
				return nil, fmt.Errorf("%s inversion failed: %w", m, err)
			}
			report.ConfidenceSets[m] = cs
		}
	}

	report.RuntimeMs = time.Since(start).Milliseconds()
	return report, nil
}
