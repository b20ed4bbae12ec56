// Package weakiv implements the weak-identification-robust statistic
// evaluators (AR, LM, CLR) on a cached residualized design.
package weakiv

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
	"ivrobust/internal/linalg"
)

// Design holds the outcome, endogenous regressor and instruments with the
// linear effect of controls removed (and weights applied). It is computed
// once per Data instance and read-only afterwards, so concurrent readers
// are safe.
type Design struct {
	data     *ivdata.Data
	yRes     []float64
	dRes     []float64
	zRes     *mat.Dense
	numerics *inference.Numerics
	warnings []core.Warning
}

// DesignFor returns the residualized design for data, computing it on
// first use. The design is cached on the Data instance, so it lives
// exactly as long as the data it derives from.
func DesignFor(data *ivdata.Data) *Design {
	return data.Derived(func() any { return newDesign(data) }).(*Design)
}

func newDesign(data *ivdata.Data) *Design {
	n := data.N()
	rec := core.NewWarningRecord()
	for _, w := range data.Warnings() {
		rec.Add(w.Category, w.Message)
	}

	y := append([]float64(nil), data.Y()...)
	d := append([]float64(nil), data.D()...)
	z := mat.DenseCopyOf(data.Z())
	x := data.X()
	if x != nil {
		x = mat.DenseCopyOf(x)
	}

	// Weighted least squares becomes ordinary least squares on sqrt-weighted
	// rows.
	if w := data.Weights(); w != nil {
		_, k := z.Dims()
		for i := 0; i < n; i++ {
			s := math.Sqrt(w[i])
			y[i] *= s
			d[i] *= s
			for j := 0; j < k; j++ {
				z.Set(i, j, z.At(i, j)*s)
			}
		}
		if x != nil {
			_, q := x.Dims()
			for i := 0; i < n; i++ {
				s := math.Sqrt(w[i])
				for j := 0; j < q; j++ {
					x.Set(i, j, x.At(i, j)*s)
				}
			}
		}
	}

	numerics := inference.NewNumerics()
	yRes, numY := linalg.ResidualizeVec(y, x, "controls", rec)
	dRes, numD := linalg.ResidualizeVec(d, x, "controls", rec)
	zRes, numZ := linalg.Residualize(z, x, "controls", rec)
	numerics.Merge(numY)
	numerics.Merge(numD)
	numerics.Merge(numZ)
	numerics.Merge(linalg.MatrixDiagnostics(zRes, "instruments_resid"))

	return &Design{
		data:     data,
		yRes:     yRes,
		dRes:     dRes,
		zRes:     zRes,
		numerics: numerics,
		warnings: rec.Warnings(),
	}
}

// Data returns the underlying model data.
func (d *Design) Data() *ivdata.Data { return d.data }

// N returns the number of observations.
func (d *Design) N() int { return len(d.yRes) }

// K returns the number of instruments.
func (d *Design) K() int {
	_, k := d.zRes.Dims()
	return k
}

// YRes returns the residualized outcome. Read-only.
func (d *Design) YRes() []float64 { return d.yRes }

// DRes returns the residualized endogenous regressor. Read-only.
func (d *Design) DRes() []float64 { return d.dRes }

// ZRes returns the residualized instrument matrix. Read-only.
func (d *Design) ZRes() *mat.Dense { return d.zRes }

// NullResidual forms y - beta0*d on the residualized design.
func (d *Design) NullResidual(beta0 float64) []float64 {
	out := make([]float64, len(d.yRes))
	for i := range out {
		out[i] = d.yRes[i] - beta0*d.dRes[i]
	}
	return out
}

// MomentVector computes g = Z'e / sqrt(n) on the residualized instruments.
func (d *Design) MomentVector(resid []float64) *mat.VecDense {
	n, k := d.zRes.Dims()
	g := mat.NewVecDense(k, nil)
	row := make([]float64, k)
	for i := 0; i < n; i++ {
		mat.Row(row, i, d.zRes)
		for a := 0; a < k; a++ {
			g.SetVec(a, g.AtVec(a)+row[a]*resid[i])
		}
	}
	g.ScaleVec(1/math.Sqrt(float64(n)), g)
	return g
}

// baselineWarnings seeds a fresh record with the design-level warnings so
// every result surfaces them.
func (d *Design) baselineWarnings() *core.WarningRecord {
	rec := core.NewWarningRecord()
	for _, w := range d.warnings {
		rec.Add(w.Category, w.Message)
	}
	return rec
}

// baselineNumerics copies the design-level numerics into a fresh
// accumulator.
func (d *Design) baselineNumerics() *inference.Numerics {
	num := inference.NewNumerics()
	num.Merge(d.numerics)
	return num
}
