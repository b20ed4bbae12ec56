// Package inference defines the value objects exchanged between the
// statistic evaluators, the inversion engine, and callers: covariance
// specifications, test results, and confidence sets.
package inference

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"ivrobust/domain/core"
	"ivrobust/domain/intervals"
)

// Method identifies a weak-identification-robust test family.
type Method string

const (
	MethodAR  Method = "AR"
	MethodLM  Method = "LM"
	MethodCLR Method = "CLR"
)

// Methods lists all supported test families in canonical order.
func Methods() []Method {
	return []Method{MethodAR, MethodLM, MethodCLR}
}

// CovKind selects a covariance regime for the moment vector.
type CovKind string

const (
	CovUnadjusted CovKind = "unadjusted"
	CovHC0        CovKind = "HC0"
	CovHC1        CovKind = "HC1"
	CovHC2        CovKind = "HC2"
	CovHC3        CovKind = "HC3"
	CovCluster    CovKind = "cluster"
	CovHAC        CovKind = "HAC"
)

// HACKernel names a kernel weight function for HAC estimation.
type HACKernel string

const (
	KernelBartlett HACKernel = "bartlett"
	KernelParzen   HACKernel = "parzen"
	KernelQS       HACKernel = "qs"
)

// CovSpec is a tagged covariance configuration. It carries the parameters
// each regime needs and records, after estimation, what the engine saw.
type CovSpec struct {
	Kind      CovKind   `json:"kind"`
	DFAdjust  bool      `json:"df_adjust"`
	HACLags   int       `json:"hac_lags,omitempty"`   // < 0 selects automatic bandwidth
	HACKernel HACKernel `json:"hac_kernel,omitempty"` // defaults to bartlett

	// Filled in by the covariance engine.
	NumClusters int `json:"num_clusters,omitempty"`
	UsedLags    int `json:"used_lags,omitempty"`
}

// DefaultCovSpec returns the HC1 heteroskedasticity-consistent default.
func DefaultCovSpec() CovSpec {
	return CovSpec{Kind: CovHC1, DFAdjust: true}
}

// ClusterCovSpec returns a one-way cluster-robust specification.
func ClusterCovSpec() CovSpec {
	return CovSpec{Kind: CovCluster, DFAdjust: true}
}

// HACCovSpec returns a HAC specification with the given kernel and lag
// count. Pass lags < 0 for the automatic Newey-West bandwidth rule.
func HACCovSpec(kernel HACKernel, lags int) CovSpec {
	return CovSpec{Kind: CovHAC, DFAdjust: true, HACKernel: kernel, HACLags: lags}
}

// Validate checks that the specification is internally consistent and that
// the model data carries the metadata the regime needs.
func (s CovSpec) Validate(hasClusters bool) error {
	switch s.Kind {
	case CovUnadjusted, CovHC0, CovHC1, CovHC2, CovHC3:
	case CovCluster:
		if !hasClusters {
			return core.ErrMissingClusters
		}
	case CovHAC:
		switch s.HACKernel {
		case KernelBartlett, KernelParzen, KernelQS, "":
		default:
			return core.ErrUnknownKernel
		}
	default:
		return core.ErrUnknownCovKind
	}
	return nil
}

// Numerics tracks conditioning diagnostics and fallbacks accumulated while
// producing a result.
type Numerics struct {
	ConditionNumbers  map[string]float64 `json:"condition_numbers,omitempty"`
	Ranks             map[string]int     `json:"ranks,omitempty"`
	MinSingularValues map[string]float64 `json:"min_singular_values,omitempty"`
	UsedPinv          bool               `json:"used_pinv"`
	Notes             []string           `json:"notes,omitempty"`
}

// NewNumerics returns an empty diagnostics accumulator.
func NewNumerics() *Numerics {
	return &Numerics{
		ConditionNumbers:  make(map[string]float64),
		Ranks:             make(map[string]int),
		MinSingularValues: make(map[string]float64),
	}
}

// Merge folds another accumulator into this one.
func (n *Numerics) Merge(other *Numerics) {
	if n == nil || other == nil {
		return
	}
	for k, v := range other.ConditionNumbers {
		n.ConditionNumbers[k] = v
	}
	for k, v := range other.Ranks {
		n.Ranks[k] = v
	}
	for k, v := range other.MinSingularValues {
		n.MinSingularValues[k] = v
	}
	n.UsedPinv = n.UsedPinv || other.UsedPinv
	n.Notes = append(n.Notes, other.Notes...)
}

// Repro carries reproducibility metadata for a single engine invocation.
type Repro struct {
	RunID     string    `json:"run_id"`
	Seed      int64     `json:"seed,omitempty"`
	Config    string    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRepro stamps a fresh run identity for the named operation.
func NewRepro(config string, seed int64) Repro {
	return Repro{
		RunID:     uuid.NewString(),
		Seed:      seed,
		Config:    config,
		CreatedAt: time.Now().UTC(),
	}
}

// TestResult is the outcome of evaluating one statistic at one candidate
// parameter value. Immutable once produced.
type TestResult struct {
	Method       Method         `json:"method"`
	Beta0        float64        `json:"beta0"`
	Statistic    float64        `json:"statistic"`
	DF           int            `json:"df"`
	PValue       float64        `json:"p_value"`
	PValueMethod string         `json:"p_value_method"` // "chi2" or "simulated_conditional"
	RankStat     float64        `json:"rank_stat,omitempty"`
	CovSpec      CovSpec        `json:"cov_spec"`
	Warnings     []core.Warning `json:"warnings,omitempty"`
	Numerics     *Numerics      `json:"numerics,omitempty"`
	Repro        Repro          `json:"repro"`
}

// Degenerate reports whether a pseudo-inverse or rank fallback was needed.
func (r TestResult) Degenerate() bool {
	return r.Numerics != nil && r.Numerics.UsedPinv
}

// nanNull maps an undefined value to a nil pointer so it encodes as JSON
// null; encoding/json rejects NaN.
func nanNull(x float64) *float64 {
	if math.IsNaN(x) {
		return nil
	}
	return &x
}

// MarshalJSON encodes undefined statistics and p-values as null.
func (r TestResult) MarshalJSON() ([]byte, error) {
	rank := nanNull(r.RankStat)
	if rank != nil && *rank == 0 {
		rank = nil
	}
	type alias TestResult
	return json.Marshal(struct {
		alias
		Statistic *float64 `json:"statistic"`
		PValue    *float64 `json:"p_value"`
		RankStat  *float64 `json:"rank_stat,omitempty"`
	}{alias(r), nanNull(r.Statistic), nanNull(r.PValue), rank})
}

// GridPoint is one evaluated candidate value in a confidence-set inversion,
// retained for downstream visualization.
type GridPoint struct {
	Beta      float64 `json:"beta"`
	Statistic float64 `json:"statistic"`
	PValue    float64 `json:"p_value"`
	Accepted  bool    `json:"accepted"`
	Singular  bool    `json:"singular,omitempty"`
}

// MarshalJSON encodes undefined statistics and p-values as null.
func (p GridPoint) MarshalJSON() ([]byte, error) {
	type alias GridPoint
	return json.Marshal(struct {
		alias
		Statistic *float64 `json:"statistic"`
		PValue    *float64 `json:"p_value"`
	}{alias(p), nanNull(p.Statistic), nanNull(p.PValue)})
}

// ApproxEndpoint records a boundary whose refinement did not converge to
// the requested tolerance.
type ApproxEndpoint struct {
	Value       float64 `json:"value"`
	AchievedTol float64 `json:"achieved_tol"`
}

// ConfidenceSet is the inversion engine's output for one (method, alpha,
// covariance spec) triple. Immutable once produced.
type ConfidenceSet struct {
	Method          Method           `json:"method"`
	Alpha           float64          `json:"alpha"`
	Set             intervals.Set    `json:"set"`
	CriticalValue   float64          `json:"critical_value,omitempty"`
	Grid            []GridPoint      `json:"grid,omitempty"`
	Expansions      int              `json:"expansions"`
	FinalState      string           `json:"final_state"`
	ApproxEndpoints []ApproxEndpoint `json:"approx_endpoints,omitempty"`
	CovSpec         CovSpec          `json:"cov_spec"`
	Warnings        []core.Warning   `json:"warnings,omitempty"`
	Repro           Repro            `json:"repro"`
}

// Covers reports whether the confidence set contains beta.
func (c ConfidenceSet) Covers(beta float64) bool {
	return c.Set.Contains(beta)
}

// Width returns the total length of the set, +Inf when unbounded.
func (c ConfidenceSet) Width() float64 {
	if c.Set.IsUnbounded() {
		return math.Inf(1)
	}
	return c.Set.TotalLength()
}
