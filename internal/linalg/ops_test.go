package linalg

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/core"
)

func randomDense(rng *rand.Rand, r, c int) *mat.Dense {
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, rng.NormFloat64())
		}
	}
	return out
}

func TestResidualize_OrthogonalToControls(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randomDense(rng, 50, 3)
	y := randomDense(rng, 50, 2)
	rec := core.NewWarningRecord()

	resid, _ := Residualize(y, x, "controls", rec)

	// x' * resid should be zero column by column.
	var cross mat.Dense
	cross.Mul(x.T(), resid)
	r, c := cross.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.Abs(cross.At(i, j)) > 1e-8 {
				t.Errorf("residual not orthogonal to controls: cross(%d,%d) = %g", i, j, cross.At(i, j))
			}
		}
	}
}

func TestResidualize_Idempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := randomDense(rng, 40, 2)
	y := randomDense(rng, 40, 1)
	rec := core.NewWarningRecord()

	once, _ := Residualize(y, x, "controls", rec)
	twice, _ := Residualize(once, x, "controls", rec)

	for i := 0; i < 40; i++ {
		if diff := math.Abs(once.At(i, 0) - twice.At(i, 0)); diff > 1e-8 {
			t.Fatalf("residualization not idempotent at row %d: diff %g", i, diff)
		}
	}
}

func TestResidualize_NoControlsIsCopy(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	y := randomDense(rng, 10, 1)
	rec := core.NewWarningRecord()

	resid, _ := Residualize(y, nil, "controls", rec)
	for i := 0; i < 10; i++ {
		if resid.At(i, 0) != y.At(i, 0) {
			t.Fatalf("residual differs from input at row %d with no controls", i)
		}
	}
	resid.Set(0, 0, 42)
	if y.At(0, 0) == 42 {
		t.Error("residual aliases the input matrix")
	}
}

func TestLeastSquares_ExactFit(t *testing.T) {
	// b = a * [2, -1]' exactly, so the solver must recover the coefficients.
	rng := rand.New(rand.NewSource(4))
	a := randomDense(rng, 30, 2)
	truth := mat.NewDense(2, 1, []float64{2, -1})
	var b mat.Dense
	b.Mul(a, truth)
	rec := core.NewWarningRecord()

	coef, num := LeastSquares(a, &b, "design", rec)
	for i := 0; i < 2; i++ {
		if diff := math.Abs(coef.At(i, 0) - truth.At(i, 0)); diff > 1e-8 {
			t.Errorf("coef[%d] = %g, want %g", i, coef.At(i, 0), truth.At(i, 0))
		}
	}
	if num.Ranks["design"] != 2 {
		t.Errorf("rank = %d, want 2", num.Ranks["design"])
	}
}

func TestLeastSquares_RankDeficientWarns(t *testing.T) {
	// Second column duplicates the first.
	rng := rand.New(rand.NewSource(5))
	a := mat.NewDense(20, 2, nil)
	for i := 0; i < 20; i++ {
		v := rng.NormFloat64()
		a.Set(i, 0, v)
		a.Set(i, 1, v)
	}
	b := randomDense(rng, 20, 1)
	rec := core.NewWarningRecord()

	coef, num := LeastSquares(a, b, "design", rec)
	if num.Ranks["design"] != 1 {
		t.Errorf("rank = %d, want 1", num.Ranks["design"])
	}
	if !rec.HasCategory(core.WarnNumerical) {
		t.Error("expected a numerical warning for rank deficiency")
	}
	for i := 0; i < 2; i++ {
		if math.IsNaN(coef.At(i, 0)) {
			t.Error("coefficients must stay finite under rank deficiency")
		}
	}
}

func TestSolveSym_CholeskyPath(t *testing.T) {
	a := mat.NewSymDense(2, []float64{4, 1, 1, 3})
	b := mat.NewVecDense(2, []float64{1, 2})
	rec := core.NewWarningRecord()

	x, num := SolveSym(a, b, "test", rec)

	// Verify a*x = b.
	var back mat.VecDense
	back.MulVec(a, x)
	for i := 0; i < 2; i++ {
		if diff := math.Abs(back.AtVec(i) - b.AtVec(i)); diff > 1e-10 {
			t.Errorf("a*x differs from b at %d: %g", i, diff)
		}
	}
	if num.UsedPinv {
		t.Error("positive definite solve should not use the pseudo-inverse")
	}
	if rec.Len() != 0 {
		t.Errorf("unexpected warnings: %v", rec.Warnings())
	}
}

func TestSolveSym_SingularFallsBackToPinv(t *testing.T) {
	// Rank-1 matrix: outer product of (1, 1).
	a := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	b := mat.NewVecDense(2, []float64{2, 2})
	rec := core.NewWarningRecord()

	x, num := SolveSym(a, b, "test", rec)
	if !num.UsedPinv {
		t.Error("singular solve should use the pseudo-inverse")
	}
	if !rec.HasCategory(core.WarnNumerical) {
		t.Error("pseudo-inverse fallback should record a numerical warning")
	}
	// Minimum-norm solution of the consistent system is (1, 1).
	for i := 0; i < 2; i++ {
		if diff := math.Abs(x.AtVec(i) - 1); diff > 1e-10 {
			t.Errorf("x[%d] = %g, want 1", i, x.AtVec(i))
		}
	}
}

func TestQuadraticFormInv_Identity(t *testing.T) {
	a := mat.NewSymDense(3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	v := mat.NewVecDense(3, []float64{1, 2, 3})
	rec := core.NewWarningRecord()

	stat, _ := QuadraticFormInv(v, a, "test", rec)
	if diff := math.Abs(stat - 14); diff > 1e-10 {
		t.Errorf("quadratic form = %g, want 14", stat)
	}
}

func TestMinEigSym(t *testing.T) {
	a := mat.NewSymDense(2, []float64{2, 0, 0, 5})
	if got := MinEigSym(a); math.Abs(got-2) > 1e-12 {
		t.Errorf("MinEigSym = %g, want 2", got)
	}
}

func TestSymmetrize(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 4, 3})
	s := Symmetrize(a)
	if s.At(0, 1) != 3 || s.At(1, 0) != 3 {
		t.Errorf("off-diagonal = (%g, %g), want 3", s.At(0, 1), s.At(1, 0))
	}
}
