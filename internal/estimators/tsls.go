// Package estimators provides conventional point estimators (TSLS and the
// k-class family) whose role in the inference core is limited to seeding
// confidence-set search domains. Their standard errors are not robust to
// weak identification.
package estimators

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
	"ivrobust/internal/covariance"
	"ivrobust/internal/linalg"
	"ivrobust/internal/weakiv"
	"ivrobust/ports"
)

// Result is a point-estimation outcome.
type Result struct {
	Method    string              `json:"method"`
	Beta      float64             `json:"beta"`
	StdErr    float64             `json:"std_err"`
	Kappa     float64             `json:"kappa,omitempty"`
	Residuals []float64           `json:"-"`
	CovSpec   inference.CovSpec   `json:"cov_spec"`
	Warnings  []core.Warning      `json:"warnings,omitempty"`
	Numerics  *inference.Numerics `json:"numerics,omitempty"`
}

// TSLS computes the two-stage least squares estimate of beta with a
// sandwich standard error under the given covariance specification.
func TSLS(data *ivdata.Data, spec inference.CovSpec) (*Result, error) {
	if err := spec.Validate(data.HasClusters()); err != nil {
		return nil, err
	}
	design := weakiv.DesignFor(data)
	rec := core.NewWarningRecord()
	num := inference.NewNumerics()

	n := design.N()
	z := design.ZRes()
	d := design.DRes()
	y := design.YRes()
	_, k := z.Dims()

	// First stage: project d on Z.
	dMat := mat.NewDense(n, 1, append([]float64(nil), d...))
	pi, piNum := linalg.LeastSquares(z, dMat, "first_stage", rec)
	num.Merge(piNum)
	var dHatMat mat.Dense
	dHatMat.Mul(z, pi)

	num1, den := 0.0, 0.0
	for i := 0; i < n; i++ {
		num1 += dHatMat.At(i, 0) * y[i]
		den += dHatMat.At(i, 0) * d[i]
	}
	if den == 0 {
		rec.Add(core.WarnNumerical, "projected regressor is orthogonal to the endogenous regressor; TSLS undefined")
		return &Result{
			Method:   "TSLS",
			Beta:     math.NaN(),
			StdErr:   math.NaN(),
			CovSpec:  spec,
			Warnings: rec.Warnings(),
			Numerics: num,
		}, nil
	}
	beta := num1 / den

	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		resid[i] = y[i] - beta*d[i]
	}

	omega, specOut, err := covariance.MomentCovariance(z, resid, spec, data.Clusters(), rec)
	if err != nil {
		return nil, err
	}

	// Sandwich variance for the scalar parameter:
	// var = (g'W Omega W g) / (n * (g'W g)^2), with g = Z'd/n, W = n(Z'Z)^-.
	g := mat.NewVecDense(k, nil)
	row := make([]float64, k)
	for i := 0; i < n; i++ {
		mat.Row(row, i, z)
		for a := 0; a < k; a++ {
			g.SetVec(a, g.AtVec(a)+row[a]*d[i])
		}
	}
	g.ScaleVec(1/float64(n), g)

	var ztz mat.Dense
	ztz.Mul(z.T(), z)
	ztzInv, invNum := linalg.PinvSym(linalg.Symmetrize(&ztz))
	num.Merge(invNum)

	wg := mat.NewVecDense(k, nil)
	wg.MulVec(ztzInv, g)
	wg.ScaleVec(float64(n), wg)

	a := mat.Dot(g, wg)
	var omWg mat.VecDense
	omWg.MulVec(omega, wg)
	middle := mat.Dot(wg, &omWg)

	se := math.NaN()
	if a > 0 {
		se = math.Sqrt(middle / (float64(n) * a * a))
	} else {
		rec.Add(core.WarnNumerical, "degenerate first-stage cross-product; TSLS standard error unavailable")
	}

	return &Result{
		Method:    "TSLS",
		Beta:      beta,
		StdErr:    se,
		Residuals: resid,
		CovSpec:   specOut,
		Warnings:  rec.Warnings(),
		Numerics:  num,
	}, nil
}

// TSLSEstimator adapts TSLS to the PointEstimator port.
type TSLSEstimator struct{}

// Fit implements ports.PointEstimator.
func (TSLSEstimator) Fit(data *ivdata.Data, spec inference.CovSpec) (ports.PointEstimate, error) {
	res, err := TSLS(data, spec)
	if err != nil {
		return ports.PointEstimate{}, err
	}
	return ports.PointEstimate{Beta: res.Beta, StdErr: res.StdErr}, nil
}
