// Package ivdata holds the validated, immutable model-data bundle for a
// linear instrumental-variable model with a single endogenous regressor.
package ivdata

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/core"
)

// Data bundles outcome, endogenous regressor, excluded instruments and
// optional controls, weights, cluster labels and time index. All arrays are
// validated eagerly at construction and never mutated afterwards; slices
// and matrices returned by accessors are read-only views.
type Data struct {
	y        []float64
	d        []float64
	z        *mat.Dense // n x k excluded instruments
	x        *mat.Dense // n x q included exogenous controls, q >= 0
	weights  []float64
	clusters *ClusterSpec
	time     []float64
	warnings []core.Warning

	derivedOnce sync.Once
	derived     any
}

// Derived returns per-dataset derived state, building it on the first call
// and reusing it afterwards. Caching on the instance means the state is
// released together with the data instead of accumulating in a
// process-wide registry. Safe for concurrent use.
func (dt *Data) Derived(build func() any) any {
	dt.derivedOnce.Do(func() { dt.derived = build() })
	return dt.derived
}

type config struct {
	x         *mat.Dense
	intercept bool
	weights   []float64
	clusters  []int
	time      []float64
}

// Option configures optional pieces of the model data.
type Option func(*config)

// WithControls attaches a matrix of included exogenous controls (n x q).
func WithControls(x *mat.Dense) Option {
	return func(c *config) { c.x = x }
}

// WithIntercept prepends a constant column to the controls.
func WithIntercept() Option {
	return func(c *config) { c.intercept = true }
}

// WithWeights attaches strictly positive per-observation weights.
func WithWeights(w []float64) Option {
	return func(c *config) { c.weights = w }
}

// WithClusters attaches one-way cluster labels.
func WithClusters(labels []int) Option {
	return func(c *config) { c.clusters = labels }
}

// WithTime attaches a time index for serial-correlation-robust covariance.
// Rows must already be sorted by this index.
func WithTime(t []float64) Option {
	return func(c *config) { c.time = t }
}

// New validates and constructs an immutable Data bundle. y and d must have
// the same length n, z must be n x k with k >= 1, and every array must be
// finite. Rank-deficient controls produce a data warning, not an error.
func New(y, d []float64, z *mat.Dense, opts ...Option) (*Data, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	n := len(y)
	if n == 0 {
		return nil, core.ErrNoObservations
	}
	if len(d) != n {
		return nil, core.NewDimensionError("endogenous regressor", n, len(d))
	}
	if z == nil {
		return nil, core.ErrNoInstruments
	}
	zr, zc := z.Dims()
	if zc < 1 {
		return nil, core.ErrNoInstruments
	}
	if zr != n {
		return nil, core.NewDimensionError("instruments", n, zr)
	}

	if err := checkFiniteVec(y, "outcome"); err != nil {
		return nil, err
	}
	if err := checkFiniteVec(d, "endogenous regressor"); err != nil {
		return nil, err
	}
	if err := checkFiniteMat(z, "instruments"); err != nil {
		return nil, err
	}

	x := cfg.x
	if x != nil {
		xr, _ := x.Dims()
		if xr != n {
			return nil, core.NewDimensionError("controls", n, xr)
		}
		if err := checkFiniteMat(x, "controls"); err != nil {
			return nil, err
		}
	}
	if cfg.intercept {
		x = prependIntercept(x, n)
	}

	var warnings []core.Warning
	if x != nil {
		if _, q := x.Dims(); q > 0 && matrixRank(x) < q {
			warnings = append(warnings, core.Warning{
				Category: core.WarnData,
				Message:  "controls are rank deficient; residualization may be unstable",
			})
		}
	}

	if cfg.weights != nil {
		if len(cfg.weights) != n {
			return nil, core.NewDimensionError("weights", n, len(cfg.weights))
		}
		for i, w := range cfg.weights {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return nil, core.NewNonFiniteError("weights", i)
			}
			if w <= 0 {
				return nil, fmt.Errorf("%w: row %d", core.ErrBadWeights, i)
			}
		}
	}

	var clusters *ClusterSpec
	if cfg.clusters != nil {
		if len(cfg.clusters) != n {
			return nil, core.NewDimensionError("clusters", n, len(cfg.clusters))
		}
		clusters = NewClusterSpec(cfg.clusters)
	}

	if cfg.time != nil {
		if len(cfg.time) != n {
			return nil, core.NewDimensionError("time", n, len(cfg.time))
		}
		if err := checkFiniteVec(cfg.time, "time"); err != nil {
			return nil, err
		}
	}

	return &Data{
		y:        copyVec(y),
		d:        copyVec(d),
		z:        mat.DenseCopyOf(z),
		x:        copyMat(x),
		weights:  copyVec(cfg.weights),
		clusters: clusters,
		time:     copyVec(cfg.time),
		warnings: warnings,
	}, nil
}

// N returns the number of observations.
func (dt *Data) N() int { return len(dt.y) }

// K returns the number of excluded instruments.
func (dt *Data) K() int {
	_, k := dt.z.Dims()
	return k
}

// Q returns the number of included exogenous controls.
func (dt *Data) Q() int {
	if dt.x == nil {
		return 0
	}
	_, q := dt.x.Dims()
	return q
}

// Y returns the outcome vector. Read-only.
func (dt *Data) Y() []float64 { return dt.y }

// D returns the endogenous regressor vector. Read-only.
func (dt *Data) D() []float64 { return dt.d }

// Z returns the instrument matrix. Read-only.
func (dt *Data) Z() *mat.Dense { return dt.z }

// X returns the control matrix, nil when there are no controls. Read-only.
func (dt *Data) X() *mat.Dense { return dt.x }

// Weights returns the observation weights, nil when unweighted. Read-only.
func (dt *Data) Weights() []float64 { return dt.weights }

// Clusters returns the cluster specification, nil when absent.
func (dt *Data) Clusters() *ClusterSpec { return dt.clusters }

// HasClusters reports whether cluster labels are present.
func (dt *Data) HasClusters() bool { return dt.clusters != nil }

// Time returns the time index, nil when absent. Read-only.
func (dt *Data) Time() []float64 { return dt.time }

// Warnings returns validation warnings recorded at construction.
func (dt *Data) Warnings() []core.Warning { return dt.warnings }

func checkFiniteVec(v []float64, name string) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return core.NewNonFiniteError(name, i)
		}
	}
	return nil
}

func checkFiniteMat(m *mat.Dense, name string) error {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return core.NewNonFiniteError(name, i)
			}
		}
	}
	return nil
}

func prependIntercept(x *mat.Dense, n int) *mat.Dense {
	q := 0
	if x != nil {
		_, q = x.Dims()
	}
	out := mat.NewDense(n, q+1, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, 1.0)
		for j := 0; j < q; j++ {
			out.Set(i, j+1, x.At(i, j))
		}
	}
	return out
}

func matrixRank(m *mat.Dense) int {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDNone) {
		return 0
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0
	}
	r, c := m.Dims()
	tol := values[0] * float64(max(r, c)) * 2.220446049250313e-16
	rank := 0
	for _, s := range values {
		if s > tol {
			rank++
		}
	}
	return rank
}

func copyVec(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func copyMat(m *mat.Dense) *mat.Dense {
	if m == nil {
		return nil
	}
	return mat.DenseCopyOf(m)
}
