package weakiv

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/internal/covariance"
	"ivrobust/internal/linalg"
)

// arStatistic computes g' Omega^{-1} g at beta0, with g the scaled moment
// vector Z'e/sqrt(n).
func arStatistic(d *Design, beta0 float64, spec inference.CovSpec, rec *core.WarningRecord, num *inference.Numerics) (float64, inference.CovSpec) {
	resid := d.NullResidual(beta0)
	g := d.MomentVector(resid)
	omega, specOut, err := covariance.MomentCovariance(d.zRes, resid, spec, d.data.Clusters(), rec)
	if err != nil {
		rec.Addf(core.WarnCovariance, "covariance estimation failed: %v", err)
		return math.NaN(), spec
	}
	stat, qfNum := linalg.QuadraticFormInv(g, omega, "AR statistic", rec)
	num.Merge(qfNum)
	return stat, specOut
}

// adjustedRegressor removes the component of the residualized endogenous
// regressor collinear with the null-implied residual, isolating the
// direction informative about beta.
func adjustedRegressor(d *Design, resid []float64) []float64 {
	n := float64(len(resid))
	see, sed := 0.0, 0.0
	for i, e := range resid {
		see += e * e
		sed += e * d.dRes[i]
	}
	see /= n
	sed /= n
	ratio := 0.0
	if see > 0 {
		ratio = sed / see
	}
	out := make([]float64, len(resid))
	for i := range out {
		out[i] = d.dRes[i] - resid[i]*ratio
	}
	return out
}

// lmStatistic computes the score statistic: the moment vector projected
// onto the instrument-regressor direction under the inverse covariance
// metric. One degree of freedom regardless of instrument count; for k = 1
// it coincides with the AR statistic.
func lmStatistic(d *Design, beta0 float64, spec inference.CovSpec, rec *core.WarningRecord, num *inference.Numerics) (float64, inference.CovSpec) {
	resid := d.NullResidual(beta0)
	g := d.MomentVector(resid)
	dAdj := adjustedRegressor(d, resid)
	gamma := d.MomentVector(dAdj) // scale cancels in the ratio below

	omega, specOut, err := covariance.MomentCovariance(d.zRes, resid, spec, d.data.Clusters(), rec)
	if err != nil {
		rec.Addf(core.WarnCovariance, "covariance estimation failed: %v", err)
		return math.NaN(), spec
	}

	solG, numG := linalg.SolveSym(omega, g, "LM score", rec)
	num.Merge(numG)
	solGamma, numGamma := linalg.SolveSym(omega, gamma, "LM direction", rec)
	num.Merge(numGamma)

	numer := mat.Dot(gamma, solG)
	denom := mat.Dot(gamma, solGamma)
	if denom <= 0 {
		rec.Add(core.WarnNumerical, "LM direction has non-positive weighted norm; statistic set to zero")
		return 0, specOut
	}
	return numer * numer / denom, specOut
}

// rankStatistic computes the concentration statistic rk: the (here scalar)
// concentration matrix of the first-stage moments under the inverse
// first-stage covariance metric.
func rankStatistic(d *Design, beta0 float64, spec inference.CovSpec, rec *core.WarningRecord, num *inference.Numerics) float64 {
	resid := d.NullResidual(beta0)
	dAdj := adjustedRegressor(d, resid)

	n := d.N()
	dAdjMat := mat.NewDense(n, 1, append([]float64(nil), dAdj...))
	coef, lsNum := linalg.LeastSquares(d.zRes, dAdjMat, "first_stage", rec)
	num.Merge(lsNum)

	var fitted mat.Dense
	fitted.Mul(d.zRes, coef)
	fsResid := make([]float64, n)
	for i := 0; i < n; i++ {
		fsResid[i] = dAdj[i] - fitted.At(i, 0)
	}

	sigma, _, err := covariance.MomentCovariance(d.zRes, fsResid, spec, d.data.Clusters(), rec)
	if err != nil {
		rec.Addf(core.WarnCovariance, "first-stage covariance estimation failed: %v", err)
		return math.NaN()
	}
	h := d.MomentVector(dAdj)
	rk, qfNum := linalg.QuadraticFormInv(h, sigma, "rank statistic", rec)
	num.Merge(qfNum)
	return rk
}

// clrCombine applies the conditional likelihood ratio combination of the
// AR, LM and rank statistics.
func clrCombine(ar, lm, rk float64) float64 {
	diff := ar - rk
	return 0.5 * (diff + math.Sqrt(diff*diff+4*lm*rk))
}
