// Package ports defines the interfaces between the inference core and its
// collaborators: statistic evaluators consumed by the inversion engine and
// point estimators used to seed search domains.
package ports

import (
	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
)

// StatisticEvaluator computes a weak-identification-robust test at a
// candidate parameter value. Implementations must be pure with respect to
// beta0 and safe for concurrent use.
type StatisticEvaluator interface {
	Method() inference.Method
	// Evaluate tests H0: beta = beta0 and returns the statistic, its
	// reference distribution parameters, and a p-value. Numerical
	// degeneracy is reported through the result's warning list.
	Evaluate(beta0 float64) inference.TestResult
}

// PointEstimate is a conventional point estimate with its standard error,
// used only to seed inversion search ranges.
type PointEstimate struct {
	Beta   float64
	StdErr float64
}

// PointEstimator fits a conventional (non-robust to weak identification)
// IV estimator.
type PointEstimator interface {
	Fit(data *ivdata.Data, spec inference.CovSpec) (PointEstimate, error)
}
