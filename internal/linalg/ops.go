// Package linalg is the numerically-stable kernel shared by all statistic
// evaluators: orthogonal residualization, guarded solves with pseudo-inverse
// fallback, and quadratic forms, each with conditioning diagnostics.
package linalg

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
)

const eps = 2.220446049250313e-16

// MatrixDiagnostics computes rank, condition number and minimum singular
// value of a matrix under the given name.
func MatrixDiagnostics(m mat.Matrix, name string) *inference.Numerics {
	num := inference.NewNumerics()
	r, c := m.Dims()
	if r == 0 || c == 0 {
		return num
	}
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDNone) {
		num.Notes = append(num.Notes, "SVD failed for "+name)
		return num
	}
	values := svd.Values(nil)
	tol := values[0] * float64(max(r, c)) * eps
	rank := 0
	for _, s := range values {
		if s > tol {
			rank++
		}
	}
	num.Ranks[name] = rank
	smin := values[len(values)-1]
	num.MinSingularValues[name] = smin
	if smin > 0 {
		num.ConditionNumbers[name] = values[0] / smin
	} else {
		num.ConditionNumbers[name] = math.Inf(1)
	}
	return num
}

// LeastSquares solves min ||a*coef - b|| by thin SVD, tolerating rank
// deficiency in a. Rank loss is recorded as a numerical warning.
func LeastSquares(a, b *mat.Dense, name string, rec *core.WarningRecord) (*mat.Dense, *inference.Numerics) {
	num := inference.NewNumerics()
	_, q := a.Dims()
	_, m := b.Dims()

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		rec.Addf(core.WarnNumerical, "SVD failed for %s; returning zero coefficients", name)
		num.Notes = append(num.Notes, "SVD failed for "+name)
		return mat.NewDense(q, m, nil), num
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	r, _ := a.Dims()
	tol := values[0] * float64(max(r, q)) * eps
	rank := 0
	for _, s := range values {
		if s > tol {
			rank++
		}
	}
	num.Ranks[name] = rank
	if len(values) > 0 {
		num.MinSingularValues[name] = values[len(values)-1]
		if values[len(values)-1] > 0 {
			num.ConditionNumbers[name] = values[0] / values[len(values)-1]
		} else {
			num.ConditionNumbers[name] = math.Inf(1)
		}
	}
	if rank < q {
		rec.Addf(core.WarnNumerical, "%s is rank deficient (rank %d < %d)", name, rank, q)
		num.Notes = append(num.Notes, name+" rank deficient")
	}

	// coef = V * S^+ * U' * b, with small singular values zeroed.
	var utb mat.Dense
	utb.Mul(u.T(), b)
	rows, _ := utb.Dims()
	for i := 0; i < rows; i++ {
		inv := 0.0
		if values[i] > tol {
			inv = 1.0 / values[i]
		}
		for j := 0; j < m; j++ {
			utb.Set(i, j, utb.At(i, j)*inv)
		}
	}
	var coef mat.Dense
	coef.Mul(&v, &utb)
	return &coef, num
}

// Residualize returns the portion of each column of y orthogonal to the
// column space of x. With no controls it returns a copy of y. The operation
// is idempotent up to floating tolerance.
func Residualize(y, x *mat.Dense, name string, rec *core.WarningRecord) (*mat.Dense, *inference.Numerics) {
	if x == nil {
		return mat.DenseCopyOf(y), inference.NewNumerics()
	}
	if _, q := x.Dims(); q == 0 {
		return mat.DenseCopyOf(y), inference.NewNumerics()
	}
	coef, num := LeastSquares(x, y, name, rec)
	var fitted mat.Dense
	fitted.Mul(x, coef)
	var resid mat.Dense
	resid.Sub(y, &fitted)
	return &resid, num
}

// ResidualizeVec residualizes a single vector against x.
func ResidualizeVec(y []float64, x *mat.Dense, name string, rec *core.WarningRecord) ([]float64, *inference.Numerics) {
	ym := mat.NewDense(len(y), 1, append([]float64(nil), y...))
	resid, num := Residualize(ym, x, name, rec)
	out := make([]float64, len(y))
	for i := range out {
		out[i] = resid.At(i, 0)
	}
	return out, num
}

// Symmetrize returns 0.5*(a + a') as a symmetric matrix, guarding against
// asymmetric floating-point round-off breaking eigen and Cholesky routines.
func Symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return out
}

// PinvSym computes the pseudo-inverse of a symmetric matrix through its
// eigendecomposition, zeroing eigenvalues below tolerance.
func PinvSym(a *mat.SymDense) (*mat.Dense, *inference.Numerics) {
	num := inference.NewNumerics()
	n, _ := a.Dims()
	var es mat.EigenSym
	if !es.Factorize(a, true) {
		num.Notes = append(num.Notes, "eigendecomposition failed in pseudo-inverse")
		return mat.NewDense(n, n, nil), num
	}
	values := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	maxAbs := 0.0
	for _, v := range values {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	tol := maxAbs * float64(n) * eps
	rank := 0

	// pinv = V * diag(1/lambda_i or 0) * V'
	scaled := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		inv := 0.0
		if math.Abs(values[j]) > tol {
			inv = 1.0 / values[j]
			rank++
		}
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vecs.At(i, j)*inv)
		}
	}
	var pinv mat.Dense
	pinv.Mul(scaled, vecs.T())

	num.Ranks["pinv"] = rank
	num.UsedPinv = true
	return &pinv, num
}

// SolveSym solves a*x = b for symmetric a, attempting Cholesky first and
// falling back to an eigenvalue pseudo-inverse when a is not positive
// definite. Fallback use is a recorded warning, never an error.
func SolveSym(a *mat.SymDense, b *mat.VecDense, context string, rec *core.WarningRecord) (*mat.VecDense, *inference.Numerics) {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		n, _ := a.Dims()
		x := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(x, b); err == nil {
			return x, inference.NewNumerics()
		}
	}
	pinv, num := PinvSym(a)
	num.Notes = append(num.Notes, "pseudo-inverse used for "+context)
	rec.Addf(core.WarnNumerical, "singular covariance, pseudo-inverse used for %s", context)
	var x mat.VecDense
	x.MulVec(pinv, b)
	return &x, num
}

// QuadraticFormInv computes v' * a^{-1} * v with degeneracy handling.
// Values driven slightly negative by round-off are clamped to zero.
func QuadraticFormInv(v *mat.VecDense, a *mat.SymDense, context string, rec *core.WarningRecord) (float64, *inference.Numerics) {
	sol, num := SolveSym(a, v, context, rec)
	stat := mat.Dot(v, sol)
	if stat < 0 && stat > -1e-9 {
		stat = 0
	}
	return stat, num
}

// MinEigSym returns the smallest eigenvalue of a symmetric matrix.
func MinEigSym(a *mat.SymDense) float64 {
	var es mat.EigenSym
	if !es.Factorize(a, false) {
		return math.NaN()
	}
	values := es.Values(nil)
	minVal := values[0]
	for _, v := range values[1:] {
		if v < minVal {
			minVal = v
		}
	}
	return minVal
}
