// Package covariance converts per-observation moment contributions into a
// variance estimate of the aggregated moment vector under a selectable
// regime: unadjusted, HC0-HC3, one-way cluster, or HAC.
package covariance

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
	"ivrobust/internal/linalg"
)

// FewClustersThreshold is the cluster count below which cluster-robust
// asymptotics are considered unreliable.
const FewClustersThreshold = 20

// MomentCovariance estimates the covariance of g = Z'e/sqrt(n) from the
// residualized instrument matrix z (n x k) and residual vector e. The
// returned spec echoes the input with engine-observed fields (cluster
// count, HAC lags actually used) filled in. Only configuration problems
// return an error; numerical degeneracy is recorded on rec.
func MomentCovariance(z *mat.Dense, resid []float64, spec inference.CovSpec, clusters *ivdata.ClusterSpec, rec *core.WarningRecord) (*mat.SymDense, inference.CovSpec, error) {
	n, k := z.Dims()
	if len(resid) != n {
		return nil, spec, core.NewDimensionError("residuals", n, len(resid))
	}
	if n <= k {
		return nil, spec, core.ErrInsufficientSample
	}

	var omega *mat.SymDense
	var err error
	switch spec.Kind {
	case inference.CovUnadjusted:
		omega = unadjusted(z, resid, spec.DFAdjust)
	case inference.CovHC0, inference.CovHC1, inference.CovHC2, inference.CovHC3:
		omega = heteroskedastic(z, resid, spec.Kind, spec.DFAdjust, rec)
	case inference.CovCluster:
		if clusters == nil {
			return nil, spec, core.ErrMissingClusters
		}
		omega, spec, err = clusterRobust(z, resid, spec, clusters, rec)
		if err != nil {
			return nil, spec, err
		}
	case inference.CovHAC:
		omega, spec = hac(z, resid, spec, rec)
	default:
		return nil, spec, core.ErrUnknownCovKind
	}

	checkRankAndPSD(omega, k, rec)
	return omega, spec, nil
}

// unadjusted computes sigma^2 * Z'Z / n under homoskedasticity.
func unadjusted(z *mat.Dense, resid []float64, dfAdjust bool) *mat.SymDense {
	n, k := z.Dims()
	ss := 0.0
	for _, e := range resid {
		ss += e * e
	}
	denom := float64(n)
	if dfAdjust && n > k {
		denom = float64(n - k)
	}
	sigma2 := ss / denom

	var ztz mat.Dense
	ztz.Mul(z.T(), z)
	ztz.Scale(sigma2/float64(n), &ztz)
	return linalg.Symmetrize(&ztz)
}

// heteroskedastic accumulates outer products of per-observation moment
// rows, with the HC1 small-sample factor or HC2/HC3 leverage rescaling.
func heteroskedastic(z *mat.Dense, resid []float64, kind inference.CovKind, dfAdjust bool, rec *core.WarningRecord) *mat.SymDense {
	n, k := z.Dims()

	scaled := append([]float64(nil), resid...)
	if kind == inference.CovHC2 || kind == inference.CovHC3 {
		lev := leverages(z, rec)
		for i := range scaled {
			h := lev[i]
			if h > 0.9999 {
				h = 0.9999
			}
			if kind == inference.CovHC2 {
				scaled[i] /= math.Sqrt(1 - h)
			} else {
				scaled[i] /= 1 - h
			}
		}
	}

	meat := mat.NewDense(k, k, nil)
	row := make([]float64, k)
	for i := 0; i < n; i++ {
		mat.Row(row, i, z)
		e := scaled[i]
		for a := 0; a < k; a++ {
			ga := row[a] * e
			for b := 0; b < k; b++ {
				meat.Set(a, b, meat.At(a, b)+ga*row[b]*e)
			}
		}
	}
	meat.Scale(1/float64(n), meat)

	if kind == inference.CovHC1 && dfAdjust {
		meat.Scale(float64(n)/float64(n-k), meat)
	}
	return linalg.Symmetrize(meat)
}

// leverages returns the diagonal of the instrument projection hat matrix.
func leverages(z *mat.Dense, rec *core.WarningRecord) []float64 {
	n, k := z.Dims()
	var ztz mat.Dense
	ztz.Mul(z.T(), z)
	inv, _ := linalg.PinvSym(linalg.Symmetrize(&ztz))

	lev := make([]float64, n)
	row := make([]float64, k)
	tmp := make([]float64, k)
	for i := 0; i < n; i++ {
		mat.Row(row, i, z)
		for a := 0; a < k; a++ {
			s := 0.0
			for b := 0; b < k; b++ {
				s += inv.At(a, b) * row[b]
			}
			tmp[a] = s
		}
		h := 0.0
		for a := 0; a < k; a++ {
			h += row[a] * tmp[a]
		}
		lev[i] = h
	}
	return lev
}

// clusterRobust aggregates moment rows within each cluster before forming
// outer products. Validity requires many clusters; the count is surfaced
// on the spec and a warning is recorded when it is small.
func clusterRobust(z *mat.Dense, resid []float64, spec inference.CovSpec, clusters *ivdata.ClusterSpec, rec *core.WarningRecord) (*mat.SymDense, inference.CovSpec, error) {
	n, k := z.Dims()
	codes := clusters.Codes()
	if len(codes) != n {
		return nil, spec, core.NewDimensionError("cluster labels", n, len(codes))
	}
	g := clusters.NumClusters()
	if g < 2 {
		return nil, spec, core.ErrTooFewClusters
	}
	spec.NumClusters = g
	if g < FewClustersThreshold {
		rec.Addf(core.WarnCluster, "only %d clusters; cluster-robust inference may be unreliable", g)
	}

	sums := make([][]float64, g)
	for i := range sums {
		sums[i] = make([]float64, k)
	}
	row := make([]float64, k)
	for i := 0; i < n; i++ {
		mat.Row(row, i, z)
		s := sums[codes[i]]
		for a := 0; a < k; a++ {
			s[a] += row[a] * resid[i]
		}
	}

	meat := mat.NewDense(k, k, nil)
	for _, s := range sums {
		for a := 0; a < k; a++ {
			for b := 0; b < k; b++ {
				meat.Set(a, b, meat.At(a, b)+s[a]*s[b])
			}
		}
	}
	meat.Scale(1/float64(n), meat)

	if spec.DFAdjust {
		meat.Scale(float64(g)/float64(g-1)*float64(n-1)/float64(n-k), meat)
	}
	return linalg.Symmetrize(meat), spec, nil
}

// hac sums kernel-weighted cross-products between observations at
// contiguous temporal lags. Rows are assumed ordered by time.
func hac(z *mat.Dense, resid []float64, spec inference.CovSpec, rec *core.WarningRecord) (*mat.SymDense, inference.CovSpec) {
	n, k := z.Dims()
	kernel := spec.HACKernel
	if kernel == "" {
		kernel = inference.KernelBartlett
	}
	lags := spec.HACLags
	if lags < 0 {
		lags = AutoLags(n)
		rec.Addf(core.WarnCovariance, "HAC bandwidth selected automatically: %d lags", lags)
	}
	if lags >= n {
		lags = n - 1
	}
	spec.HACKernel = kernel
	spec.UsedLags = lags

	moments := mat.NewDense(n, k, nil)
	row := make([]float64, k)
	for i := 0; i < n; i++ {
		mat.Row(row, i, z)
		for a := 0; a < k; a++ {
			moments.Set(i, a, row[a]*resid[i])
		}
	}

	omega := gamma(moments, 0)
	for lag := 1; lag <= lags; lag++ {
		w := KernelWeight(kernel, float64(lag)/float64(lags+1))
		if w == 0 {
			continue
		}
		gl := gamma(moments, lag)
		var glT mat.Dense
		glT.CloneFrom(gl.T())
		gl.Add(gl, &glT)
		gl.Scale(w, gl)
		omega.Add(omega, gl)
	}

	if spec.DFAdjust && n > k {
		omega.Scale(float64(n)/float64(n-k), omega)
	}
	return linalg.Symmetrize(omega), spec
}

// gamma computes the lag-l autocovariance of the moment rows, divided by n.
func gamma(moments *mat.Dense, lag int) *mat.Dense {
	n, k := moments.Dims()
	out := mat.NewDense(k, k, nil)
	gt := make([]float64, k)
	gl := make([]float64, k)
	for t := lag; t < n; t++ {
		mat.Row(gt, t, moments)
		mat.Row(gl, t-lag, moments)
		for a := 0; a < k; a++ {
			for b := 0; b < k; b++ {
				out.Set(a, b, out.At(a, b)+gt[a]*gl[b])
			}
		}
	}
	out.Scale(1/float64(n), out)
	return out
}

// checkRankAndPSD records diagnostics for rank-deficient or non-PSD
// covariance estimates. Downstream solves fall back to a pseudo-inverse.
func checkRankAndPSD(omega *mat.SymDense, k int, rec *core.WarningRecord) {
	num := linalg.MatrixDiagnostics(omega, "moment_covariance")
	if rank, ok := num.Ranks["moment_covariance"]; ok && rank < k {
		rec.Addf(core.WarnCovariance, "moment covariance is rank deficient (rank %d < %d)", rank, k)
	}
	minEig := linalg.MinEigSym(omega)
	scale := math.Max(1, mat.Norm(omega, 2))
	if minEig < -1e-10*scale {
		rec.Addf(core.WarnCovariance, "moment covariance is not positive semi-definite (min eigenvalue %.3g)", minEig)
	}
}
