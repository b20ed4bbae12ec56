// Package diagnostics summarizes instrument strength from the core
// primitives: classical first-stage F, partial R-squared, and the
// covariance-robust effective F statistic.
package diagnostics

import (
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
	"ivrobust/internal/covariance"
	"ivrobust/internal/linalg"
	"ivrobust/internal/weakiv"
)

// FirstStage holds classical first-stage diagnostics for the single
// endogenous regressor.
type FirstStage struct {
	F         float64        `json:"f_statistic"`
	PValue    float64        `json:"p_value"`
	DFNum     int            `json:"df_num"`
	DFDenom   int            `json:"df_denom"`
	PartialR2 float64        `json:"partial_r2"`
	RankZ     int            `json:"rank_z"`
	K         int            `json:"k"`
	N         int            `json:"n"`
	Warnings  []core.Warning `json:"warnings,omitempty"`
}

// FirstStageDiagnostics computes the homoskedastic first-stage F statistic
// and partial R-squared of the instruments for the endogenous regressor,
// after partialling out controls.
func FirstStageDiagnostics(data *ivdata.Data) FirstStage {
	design := weakiv.DesignFor(data)
	rec := core.NewWarningRecord()

	n := design.N()
	k := design.K()
	q := data.Q()
	z := design.ZRes()
	d := design.DRes()

	num := linalg.MatrixDiagnostics(z, "instruments_resid")
	rankZ := num.Ranks["instruments_resid"]
	if rankZ < k {
		rec.Addf(core.WarnData, "instruments are rank deficient after partialling out controls (rank %d < %d)", rankZ, k)
	}

	dMat := mat.NewDense(n, 1, append([]float64(nil), d...))
	coef, _ := linalg.LeastSquares(z, dMat, "first_stage", rec)
	var fitted mat.Dense
	fitted.Mul(z, coef)

	ssr, sse := 0.0, 0.0
	for i := 0; i < n; i++ {
		f := fitted.At(i, 0)
		ssr += f * f
		e := d[i] - f
		sse += e * e
	}

	dfNum := k
	dfDenom := n - k - q
	fStat := math.NaN()
	pval := math.NaN()
	partialR2 := math.NaN()
	if ssr+sse > 0 {
		partialR2 = ssr / (ssr + sse)
	}
	if dfDenom > 0 && !math.IsNaN(partialR2) && partialR2 < 1 {
		fStat = (partialR2 / (1 - partialR2)) * float64(dfDenom) / float64(dfNum)
		dist := distuv.F{D1: float64(dfNum), D2: float64(dfDenom)}
		pval = 1 - dist.CDF(fStat)
	} else if dfDenom <= 0 {
		rec.Add(core.WarnData, "insufficient degrees of freedom for the first-stage F statistic")
	}

	if n > 0 && float64(k)/float64(n) > 0.2 {
		rec.Add(core.WarnData, "many instruments relative to sample size (k/n > 0.2)")
	}

	return FirstStage{
		F:         fStat,
		PValue:    pval,
		DFNum:     dfNum,
		DFDenom:   dfDenom,
		PartialR2: partialR2,
		RankZ:     rankZ,
		K:         k,
		N:         n,
		Warnings:  rec.Warnings(),
	}
}

// EffectiveFResult is the covariance-robust effective F statistic.
type EffectiveFResult struct {
	Statistic float64           `json:"statistic"`
	DFNum     int               `json:"df_num"`
	CovSpec   inference.CovSpec `json:"cov_spec"`
	Warnings  []core.Warning    `json:"warnings,omitempty"`
}

// EffectiveF computes the effective first-stage F statistic under the
// given covariance regime: the first-stage moment vector weighted by the
// inverse of its robust covariance, divided by the instrument count.
func EffectiveF(data *ivdata.Data, spec inference.CovSpec) (EffectiveFResult, error) {
	if err := spec.Validate(data.HasClusters()); err != nil {
		return EffectiveFResult{}, err
	}
	design := weakiv.DesignFor(data)
	rec := core.NewWarningRecord()

	n := design.N()
	k := design.K()
	z := design.ZRes()
	d := design.DRes()

	dMat := mat.NewDense(n, 1, append([]float64(nil), d...))
	coef, _ := linalg.LeastSquares(z, dMat, "first_stage", rec)
	var fitted mat.Dense
	fitted.Mul(z, coef)
	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		resid[i] = d[i] - fitted.At(i, 0)
	}

	sigma, specOut, err := covariance.MomentCovariance(z, resid, spec, data.Clusters(), rec)
	if err != nil {
		return EffectiveFResult{}, err
	}

	h := design.MomentVector(d)
	stat, _ := linalg.QuadraticFormInv(h, sigma, "effective F", rec)

	return EffectiveFResult{
		Statistic: stat / float64(k),
		DFNum:     k,
		CovSpec:   specOut,
		Warnings:  rec.Warnings(),
	}, nil
}

// ScaleHint returns sigma_y / sigma_d, the natural scale of beta, used to
// size search domains when no standard error is available.
func ScaleHint(data *ivdata.Data) float64 {
	sy, errY := stats.StandardDeviation(stats.Float64Data(data.Y()))
	sd, errD := stats.StandardDeviation(stats.Float64Data(data.D()))
	if errY != nil || errD != nil || sd < 1e-12 {
		return 1.0
	}
	scale := sy / sd
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return 1.0
	}
	return scale
}
