package weakiv

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
)

// validateSpec checks covariance configuration against the model data.
// Configuration problems are the only fatal errors in the core, and they
// are caught here, before any evaluation runs.
func validateSpec(data *ivdata.Data, spec inference.CovSpec) error {
	return spec.Validate(data.HasClusters())
}

// chiSquaredPValue is the upper-tail chi-squared p-value.
func chiSquaredPValue(stat float64, df int) float64 {
	if math.IsNaN(stat) || df <= 0 {
		return math.NaN()
	}
	dist := distuv.ChiSquared{K: float64(df)}
	p := 1 - dist.CDF(stat)
	if p < 0 {
		p = 0
	}
	return p
}

// ChiSquaredQuantile is the chi-squared quantile, exposed for critical
// values in inversion and reporting.
func ChiSquaredQuantile(p float64, df int) float64 {
	dist := distuv.ChiSquared{K: float64(df)}
	return dist.Quantile(p)
}

// AREvaluator computes the Anderson-Rubin test. AR requires no relevance
// assumption: it remains correctly sized even when the instruments are
// unrelated to the endogenous regressor.
type AREvaluator struct {
	design *Design
	spec   inference.CovSpec
}

// NewAR builds an AR evaluator for the data under the given covariance
// specification.
func NewAR(data *ivdata.Data, spec inference.CovSpec) (*AREvaluator, error) {
	if err := validateSpec(data, spec); err != nil {
		return nil, err
	}
	return &AREvaluator{design: DesignFor(data), spec: spec}, nil
}

// Method returns the test family identifier.
func (e *AREvaluator) Method() inference.Method { return inference.MethodAR }

// Design exposes the cached residualized design.
func (e *AREvaluator) Design() *Design { return e.design }

// CriticalValue returns the chi-squared rejection threshold at level alpha,
// with degrees of freedom equal to the number of instruments.
func (e *AREvaluator) CriticalValue(alpha float64) float64 {
	return ChiSquaredQuantile(1-alpha, e.design.K())
}

// Evaluate tests H0: beta = beta0. Reference distribution: chi-squared
// with df equal to the number of instruments.
func (e *AREvaluator) Evaluate(beta0 float64) inference.TestResult {
	rec := e.design.baselineWarnings()
	num := e.design.baselineNumerics()

	stat, specOut := arStatistic(e.design, beta0, e.spec, rec, num)
	df := e.design.K()

	return inference.TestResult{
		Method:       inference.MethodAR,
		Beta0:        beta0,
		Statistic:    stat,
		DF:           df,
		PValue:       chiSquaredPValue(stat, df),
		PValueMethod: "chi2",
		CovSpec:      specOut,
		Warnings:     rec.Warnings(),
		Numerics:     num,
		Repro:        inference.NewRepro("ar_test", 0),
	}
}
