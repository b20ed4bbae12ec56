package estimators

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
	"ivrobust/internal/linalg"
	"ivrobust/internal/weakiv"
)

// LIML computes the limited-information maximum likelihood estimate:
// the k-class estimator at kappa = 1 + lambda_min, where lambda_min is the
// smallest generalized eigenvalue of the projected versus orthogonal
// cross-product pair of [d y]. Point estimate only; no covariance.
func LIML(data *ivdata.Data) (*Result, error) {
	kappa, rec, num, err := limlKappa(data)
	if err != nil {
		return nil, err
	}
	res := kClass(data, kappa, rec, num)
	res.Method = "LIML"
	return res, nil
}

// Fuller computes the Fuller(c) modification of LIML,
// kappa_F = kappa_LIML - c/(n - k - q), which has finite moments.
func Fuller(data *ivdata.Data, c float64) (*Result, error) {
	kappa, rec, num, err := limlKappa(data)
	if err != nil {
		return nil, err
	}
	denom := data.N() - data.K() - data.Q()
	if denom <= 0 {
		rec.Add(core.WarnNumerical, "insufficient degrees of freedom for the Fuller adjustment; using LIML kappa")
	} else {
		kappa -= c / float64(denom)
	}
	res := kClass(data, kappa, rec, num)
	res.Method = "Fuller"
	return res, nil
}

func limlKappa(data *ivdata.Data) (float64, *core.WarningRecord, *inference.Numerics, error) {
	design := weakiv.DesignFor(data)
	rec := core.NewWarningRecord()
	num := inference.NewNumerics()

	n := design.N()
	z := design.ZRes()
	d := design.DRes()
	y := design.YRes()

	dy := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		dy.Set(i, 0, d[i])
		dy.Set(i, 1, y[i])
	}

	coef, lsNum := linalg.LeastSquares(z, dy, "first_stage", rec)
	num.Merge(lsNum)
	var proj mat.Dense
	proj.Mul(z, coef)
	var orth mat.Dense
	orth.Sub(dy, &proj)

	var a, b mat.Dense
	a.Mul(proj.T(), &proj)
	b.Mul(orth.T(), &orth)

	lambda := minGeneralizedEig2(&a, &b)
	if math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		rec.Add(core.WarnNumerical, "failed to compute the LIML eigenvalue; falling back to kappa = 1 (TSLS)")
		return 1.0, rec, num, nil
	}
	return 1.0 + lambda, rec, num, nil
}

// minGeneralizedEig2 solves the 2x2 generalized eigenproblem
// det(a - lambda*b) = 0 and returns the smaller root.
func minGeneralizedEig2(a, b *mat.Dense) float64 {
	// Quadratic in lambda: det(B)l^2 - (A00 B11 + A11 B00 - A01 B10 - A10 B01)l + det(A) = 0.
	detB := b.At(0, 0)*b.At(1, 1) - b.At(0, 1)*b.At(1, 0)
	detA := a.At(0, 0)*a.At(1, 1) - a.At(0, 1)*a.At(1, 0)
	mixed := a.At(0, 0)*b.At(1, 1) + a.At(1, 1)*b.At(0, 0) -
		a.At(0, 1)*b.At(1, 0) - a.At(1, 0)*b.At(0, 1)
	if detB == 0 {
		return math.NaN()
	}
	disc := mixed*mixed - 4*detB*detA
	if disc < 0 {
		disc = 0
	}
	root := math.Sqrt(disc)
	l1 := (mixed - root) / (2 * detB)
	l2 := (mixed + root) / (2 * detB)
	return math.Min(l1, l2)
}

// kClass computes the k-class estimate at the given kappa on the
// residualized design. kappa = 1 is TSLS, kappa = 0 is OLS.
func kClass(data *ivdata.Data, kappa float64, rec *core.WarningRecord, num *inference.Numerics) *Result {
	design := weakiv.DesignFor(data)
	n := design.N()
	z := design.ZRes()
	d := design.DRes()
	y := design.YRes()

	dMat := mat.NewDense(n, 1, append([]float64(nil), d...))
	pi, lsNum := linalg.LeastSquares(z, dMat, "first_stage", rec)
	num.Merge(lsNum)
	var dProj mat.Dense
	dProj.Mul(z, pi)

	numer, denom := 0.0, 0.0
	for i := 0; i < n; i++ {
		dk := kappa*dProj.At(i, 0) + (1-kappa)*d[i]
		numer += dk * y[i]
		denom += dk * d[i]
	}

	beta := math.NaN()
	var resid []float64
	if denom != 0 {
		beta = numer / denom
		resid = make([]float64, n)
		for i := 0; i < n; i++ {
			resid[i] = y[i] - beta*d[i]
		}
	} else {
		rec.Add(core.WarnNumerical, "k-class normal equations are degenerate; estimate undefined")
	}

	return &Result{
		Beta:      beta,
		StdErr:    math.NaN(), // k-class covariance intentionally not reported
		Kappa:     kappa,
		Residuals: resid,
		Warnings:  rec.Warnings(),
		Numerics:  num,
	}
}
