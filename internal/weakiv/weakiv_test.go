package weakiv

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/domain/ivdata"
	"ivrobust/internal/simulate"
)

func strongData(t *testing.T) *ivdata.Data {
	t.Helper()
	cfg := simulate.DefaultConfig()
	cfg.Strength = 10
	sample := simulate.Generate(cfg)
	data, err := sample.Data()
	if err != nil {
		t.Fatalf("sample construction failed: %v", err)
	}
	return data
}

func TestAR_SizedAtTruthPowerfulFar(t *testing.T) {
	data := strongData(t)
	eval, err := NewAR(data, inference.DefaultCovSpec())
	if err != nil {
		t.Fatalf("NewAR failed: %v", err)
	}

	atTruth := eval.Evaluate(1.0)
	if atTruth.PValue < 0.001 {
		t.Errorf("p-value at the true beta = %g, should not be near zero", atTruth.PValue)
	}
	if atTruth.DF != data.K() {
		t.Errorf("DF = %d, want %d", atTruth.DF, data.K())
	}

	far := eval.Evaluate(6.0)
	if far.PValue > 0.01 {
		t.Errorf("p-value far from the truth = %g, expected strong rejection", far.PValue)
	}
	if far.Statistic <= atTruth.Statistic {
		t.Error("statistic should grow away from the truth in a strong design")
	}
}

func TestAR_InvariantToInstrumentRescaling(t *testing.T) {
	cfg := simulate.DefaultConfig()
	sample := simulate.Generate(cfg)
	data, err := sample.Data()
	if err != nil {
		t.Fatalf("sample construction failed: %v", err)
	}

	scaled := mat.DenseCopyOf(sample.Z)
	for i := 0; i < cfg.N; i++ {
		scaled.Set(i, 0, scaled.At(i, 0)*100)
	}
	dataScaled, err := ivdata.New(sample.Y, sample.D, scaled, ivdata.WithIntercept())
	if err != nil {
		t.Fatalf("scaled data construction failed: %v", err)
	}

	spec := inference.DefaultCovSpec()
	evalA, _ := NewAR(data, spec)
	evalB, _ := NewAR(dataScaled, spec)

	for _, beta0 := range []float64{0, 0.7, 1.0, 2.5} {
		a := evalA.Evaluate(beta0).Statistic
		b := evalB.Evaluate(beta0).Statistic
		if diff := math.Abs(a - b); diff > 1e-6*math.Max(1, math.Abs(a)) {
			t.Errorf("AR at beta0=%g changed under instrument rescaling: %g vs %g", beta0, a, b)
		}
	}
}

func TestLM_EqualsARWithOneInstrument(t *testing.T) {
	cfg := simulate.DefaultConfig()
	cfg.K = 1
	sample := simulate.Generate(cfg)
	data, err := sample.Data()
	if err != nil {
		t.Fatalf("sample construction failed: %v", err)
	}

	spec := inference.DefaultCovSpec()
	ar, _ := NewAR(data, spec)
	lm, _ := NewLM(data, spec)

	for _, beta0 := range []float64{0, 0.5, 1.0, 3.0} {
		sa := ar.Evaluate(beta0).Statistic
		sl := lm.Evaluate(beta0).Statistic
		if diff := math.Abs(sa - sl); diff > 1e-8*math.Max(1, sa) {
			t.Errorf("AR and LM differ at beta0=%g with one instrument: %g vs %g", beta0, sa, sl)
		}
	}
}

func TestLM_OneDegreeOfFreedom(t *testing.T) {
	data := strongData(t)
	eval, err := NewLM(data, inference.DefaultCovSpec())
	if err != nil {
		t.Fatalf("NewLM failed: %v", err)
	}
	res := eval.Evaluate(1.0)
	if res.DF != 1 {
		t.Errorf("DF = %d, want 1", res.DF)
	}
	if res.PValue < 0.001 {
		t.Errorf("p-value at the true beta = %g, should not be near zero", res.PValue)
	}
}

func TestCLR_Deterministic(t *testing.T) {
	data := strongData(t)
	spec := inference.DefaultCovSpec()

	evalA, err := NewCLR(data, spec)
	if err != nil {
		t.Fatalf("NewCLR failed: %v", err)
	}
	evalB, _ := NewCLR(data, spec)

	for _, beta0 := range []float64{0.5, 1.0, 2.0} {
		a := evalA.Evaluate(beta0)
		b := evalB.Evaluate(beta0)
		if a.Statistic != b.Statistic || a.PValue != b.PValue {
			t.Errorf("CLR not deterministic at beta0=%g: (%g, %g) vs (%g, %g)",
				beta0, a.Statistic, a.PValue, b.Statistic, b.PValue)
		}
	}
}

func TestCLR_Bounds(t *testing.T) {
	data := strongData(t)
	eval, err := NewCLR(data, inference.DefaultCovSpec(), WithCLRSims(4000))
	if err != nil {
		t.Fatalf("NewCLR failed: %v", err)
	}

	for _, beta0 := range []float64{0, 1.0, 4.0} {
		res := eval.Evaluate(beta0)
		if res.Statistic < 0 {
			t.Errorf("CLR statistic at beta0=%g is negative: %g", beta0, res.Statistic)
		}
		if !(res.PValue > 0 && res.PValue < 1) {
			t.Errorf("CLR p-value at beta0=%g outside (0, 1): %g", beta0, res.PValue)
		}
		if res.RankStat < 0 {
			t.Errorf("rank statistic at beta0=%g is negative: %g", beta0, res.RankStat)
		}
		if res.PValueMethod != "simulated_conditional" {
			t.Errorf("p-value method = %q", res.PValueMethod)
		}
	}
}

func TestCLR_RejectsFarFromTruth(t *testing.T) {
	data := strongData(t)
	eval, err := NewCLR(data, inference.DefaultCovSpec())
	if err != nil {
		t.Fatalf("NewCLR failed: %v", err)
	}
	res := eval.Evaluate(6.0)
	if res.PValue > 0.01 {
		t.Errorf("CLR p-value far from the truth = %g, expected strong rejection", res.PValue)
	}
}

func TestAR_CollinearInstrumentsDegradeGracefully(t *testing.T) {
	cfg := simulate.DefaultConfig()
	cfg.K = 2
	sample := simulate.Generate(cfg)

	// Duplicate the first instrument column so the moment covariance is
	// singular at every beta.
	z := mat.DenseCopyOf(sample.Z)
	for i := 0; i < cfg.N; i++ {
		z.Set(i, 1, z.At(i, 0))
	}
	data, err := ivdata.New(sample.Y, sample.D, z, ivdata.WithIntercept())
	if err != nil {
		t.Fatalf("data construction failed: %v", err)
	}

	eval, err := NewAR(data, inference.CovSpec{Kind: inference.CovHC0})
	if err != nil {
		t.Fatalf("NewAR failed: %v", err)
	}
	res := eval.Evaluate(1.0)

	if math.IsNaN(res.Statistic) || math.IsInf(res.Statistic, 0) {
		t.Errorf("statistic should stay finite under collinearity, got %g", res.Statistic)
	}
	if !res.Degenerate() {
		t.Error("expected the pseudo-inverse fallback to be recorded")
	}
	found := false
	for _, w := range res.Warnings {
		if w.Category == core.WarnNumerical || w.Category == core.WarnCovariance {
			found = true
		}
	}
	if !found {
		t.Error("expected a degeneracy warning on the result")
	}
}

func TestNewAR_ClusterSpecWithoutLabels(t *testing.T) {
	data := strongData(t)
	_, err := NewAR(data, inference.ClusterCovSpec())
	if !errors.Is(err, core.ErrMissingClusters) {
		t.Errorf("got %v, want ErrMissingClusters", err)
	}
}

func TestAR_ClusterCovariance(t *testing.T) {
	cfg := simulate.DefaultConfig()
	cfg.Clusters = 25
	sample := simulate.Generate(cfg)
	data, err := sample.Data()
	if err != nil {
		t.Fatalf("sample construction failed: %v", err)
	}

	eval, err := NewAR(data, inference.ClusterCovSpec())
	if err != nil {
		t.Fatalf("NewAR failed: %v", err)
	}
	res := eval.Evaluate(1.0)
	if res.CovSpec.NumClusters != 25 {
		t.Errorf("NumClusters = %d, want 25", res.CovSpec.NumClusters)
	}
	if res.PValue < 0.001 {
		t.Errorf("p-value at the true beta = %g under clustering", res.PValue)
	}
}

func TestEvaluators_CriticalValues(t *testing.T) {
	data := strongData(t)
	spec := inference.DefaultCovSpec()

	ar, err := NewAR(data, spec)
	if err != nil {
		t.Fatalf("NewAR failed: %v", err)
	}
	lm, err := NewLM(data, spec)
	if err != nil {
		t.Fatalf("NewLM failed: %v", err)
	}

	if got, want := ar.CriticalValue(0.05), ChiSquaredQuantile(0.95, data.K()); math.Abs(got-want) > 1e-10 {
		t.Errorf("AR critical value = %g, want %g", got, want)
	}
	// chi2(1) upper 5% point.
	if got := lm.CriticalValue(0.05); math.Abs(got-3.841458820694124) > 1e-6 {
		t.Errorf("LM critical value = %g, want 3.8415", got)
	}
}

func TestDesignFor_CachedPerInstance(t *testing.T) {
	a := strongData(t)
	b := strongData(t)

	if DesignFor(a) != DesignFor(a) {
		t.Error("repeated lookups on one dataset should return the same design")
	}
	if DesignFor(a) == DesignFor(b) {
		t.Error("distinct datasets should not share a design")
	}
}
