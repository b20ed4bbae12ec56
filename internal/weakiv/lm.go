package weakiv

import (
	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
)

// LMEvaluator computes the Lagrange-multiplier (score) test. The statistic
// has one degree of freedom regardless of instrument count.
type LMEvaluator struct {
	design *Design
	spec   inference.CovSpec
}

// NewLM builds an LM evaluator for the data under the given covariance
// specification.
func NewLM(data *ivdata.Data, spec inference.CovSpec) (*LMEvaluator, error) {
	if err := validateSpec(data, spec); err != nil {
		return nil, err
	}
	return &LMEvaluator{design: DesignFor(data), spec: spec}, nil
}

// Method returns the test family identifier.
func (e *LMEvaluator) Method() inference.Method { return inference.MethodLM }

// CriticalValue returns the chi-squared rejection threshold at level alpha
// with one degree of freedom.
func (e *LMEvaluator) CriticalValue(alpha float64) float64 {
	return ChiSquaredQuantile(1-alpha, 1)
}

// Evaluate tests H0: beta = beta0. Reference distribution: chi-squared
// with one degree of freedom.
func (e *LMEvaluator) Evaluate(beta0 float64) inference.TestResult {
	rec := e.design.baselineWarnings()
	num := e.design.baselineNumerics()

	stat, specOut := lmStatistic(e.design, beta0, e.spec, rec, num)

	return inference.TestResult{
		Method:       inference.MethodLM,
		Beta0:        beta0,
		Statistic:    stat,
		DF:           1,
		PValue:       chiSquaredPValue(stat, 1),
		PValueMethod: "chi2",
		CovSpec:      specOut,
		Warnings:     rec.Warnings(),
		Numerics:     num,
		Repro:        inference.NewRepro("lm_test", 0),
	}
}
