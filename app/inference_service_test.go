package app

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/internal/inversion"
	"ivrobust/internal/simulate"
)

func serviceFor(t *testing.T, cfg simulate.Config) *InferenceService {
	t.Helper()
	sample := simulate.Generate(cfg)
	data, err := sample.Data()
	require.NoError(t, err, "sample construction failed")
	return NewInferenceService(data)
}

func strongConfig() simulate.Config {
	cfg := simulate.DefaultConfig()
	cfg.Strength = 10
	return cfg
}

func TestEvaluateTest_AllMethods(t *testing.T) {
	svc := serviceFor(t, strongConfig())

	for _, m := range inference.Methods() {
		res, err := svc.EvaluateTest(TestRequest{Method: m, Beta0: 1.0, CovSpec: inference.DefaultCovSpec()})
		require.NoError(t, err, "%s failed", m)
		assert.Equal(t, m, res.Method)
		assert.Greater(t, res.PValue, 0.001, "%s p-value at the truth should not be near zero", m)
	}
}

func TestEvaluateTest_UnknownMethod(t *testing.T) {
	svc := serviceFor(t, strongConfig())

	_, err := svc.EvaluateTest(TestRequest{Method: "WALD", Beta0: 0, CovSpec: inference.DefaultCovSpec()})
	assert.ErrorIs(t, err, core.ErrUnknownMethod)
}

func TestInvert_CoversTruthInStrongDesign(t *testing.T) {
	svc := serviceFor(t, strongConfig())

	for _, m := range inference.Methods() {
		cs, err := svc.Invert(context.Background(), InversionRequest{
			Method:  m,
			Alpha:   0.05,
			CovSpec: inference.DefaultCovSpec(),
		})
		require.NoError(t, err, "%s inversion failed", m)
		assert.True(t, cs.Covers(1.0), "%s confidence set %s does not cover the true beta", m, cs.Set)
		assert.False(t, cs.Set.IsUnbounded(), "%s confidence set unbounded in a strong design: %s", m, cs.Set)
	}
}

func TestInvert_WeakDesignWidensAR(t *testing.T) {
	strong := serviceFor(t, strongConfig())
	weakCfg := simulate.DefaultConfig()
	weakCfg.Strength = 0.5
	weak := serviceFor(t, weakCfg)

	req := InversionRequest{Method: inference.MethodAR, Alpha: 0.05, CovSpec: inference.DefaultCovSpec()}
	csStrong, err := strong.Invert(context.Background(), req)
	require.NoError(t, err)
	csWeak, err := weak.Invert(context.Background(), req)
	require.NoError(t, err)

	assert.Greater(t, csWeak.Width(), csStrong.Width(),
		"weak instruments should widen the AR confidence set")
}

func TestInvert_IrrelevantInstruments(t *testing.T) {
	// With zero instrument strength nothing pins beta down, so the AR set
	// should be dramatically wider than in an identified design, typically
	// unbounded.
	zeroCfg := simulate.DefaultConfig()
	zeroCfg.Strength = 0
	zero := serviceFor(t, zeroCfg)
	strong := serviceFor(t, strongConfig())

	req := InversionRequest{Method: inference.MethodAR, Alpha: 0.05, CovSpec: inference.DefaultCovSpec()}
	csZero, err := zero.Invert(context.Background(), req)
	require.NoError(t, err)
	csStrong, err := strong.Invert(context.Background(), req)
	require.NoError(t, err)

	assert.Greater(t, csZero.Width(), 10*csStrong.Width(),
		"unidentified design should give a far wider set")
	assert.True(t, csZero.Covers(1.0))
}

func TestInvert_StrongDesignNearWald(t *testing.T) {
	// Under strong identification AR and LM intervals approach the
	// conventional Wald interval.
	svc := serviceFor(t, strongConfig())

	est, err := svc.PointEstimate(inference.DefaultCovSpec())
	require.NoError(t, err)
	waldWidth := 2 * 1.96 * est.StdErr

	for _, m := range []inference.Method{inference.MethodAR, inference.MethodLM} {
		cs, err := svc.Invert(context.Background(), InversionRequest{
			Method:  m,
			Alpha:   0.05,
			CovSpec: inference.DefaultCovSpec(),
		})
		require.NoError(t, err, "%s inversion failed", m)
		require.Equal(t, 1, cs.Set.Len(), "%s set should be a single interval", m)
		assert.True(t, cs.Covers(est.Beta), "%s set should contain the point estimate", m)
		assert.Less(t, cs.Width(), 2*waldWidth, "%s interval far wider than Wald", m)
		assert.Greater(t, cs.Width(), waldWidth/2, "%s interval far narrower than Wald", m)
	}
}

func TestEvaluateTest_FewClustersWarns(t *testing.T) {
	cfg := simulate.DefaultConfig()
	cfg.K = 2
	cfg.Clusters = 3
	svc := serviceFor(t, cfg)

	res, err := svc.EvaluateTest(TestRequest{
		Method:  inference.MethodAR,
		Beta0:   1.0,
		CovSpec: inference.ClusterCovSpec(),
	})
	require.NoError(t, err)
	found := false
	for _, w := range res.Warnings {
		if w.Category == core.WarnCluster {
			found = true
		}
	}
	assert.True(t, found, "expected a few-clusters warning with 3 clusters")

	// The inversion still produces a usable set.
	cs, err := svc.Invert(context.Background(), InversionRequest{
		Method:  inference.MethodAR,
		Alpha:   0.05,
		CovSpec: inference.ClusterCovSpec(),
	})
	require.NoError(t, err)
	assert.False(t, cs.Set.IsEmpty(), "expected a nonempty set")
}

func TestInvert_ExplicitDomainRespected(t *testing.T) {
	svc := serviceFor(t, strongConfig())

	cs, err := svc.Invert(context.Background(), InversionRequest{
		Method:  inference.MethodAR,
		Alpha:   0.05,
		CovSpec: inference.DefaultCovSpec(),
		Domain:  &inversion.GridSpec{Lo: 0, Hi: 2, Points: 101},
	})
	require.NoError(t, err)
	require.NotEmpty(t, cs.Grid, "expected a retained grid trace")
	assert.GreaterOrEqual(t, cs.Grid[0].Beta, 0.0,
		"grid should start within the requested domain before expansion")
}

func TestRun_FullReport(t *testing.T) {
	svc := serviceFor(t, strongConfig())

	report, err := svc.Run(context.Background(), ReportRequest{
		Alpha:   0.05,
		CovSpec: inference.DefaultCovSpec(),
	})
	require.NoError(t, err)

	require.NotNil(t, report.PointEstimate)
	assert.InDelta(t, 1.0, report.PointEstimate.Beta, 0.2, "point estimate should be near the truth")
	assert.Len(t, report.Tests, 3)
	assert.Len(t, report.ConfidenceSets, 3)
	assert.Equal(t, inference.MethodCLR, report.Recommended, "CLR should be recommended with multiple instruments")
	assert.Greater(t, report.FirstStage.F, 50.0, "first-stage F should be large in a strong design")
	require.NotNil(t, report.EffectiveF)
	for m, cs := range report.ConfidenceSets {
		assert.True(t, cs.Covers(1.0), "%s set does not cover the truth: %s", m, cs.Set)
	}
}

func TestRun_SingleInstrumentRecommendsAR(t *testing.T) {
	cfg := strongConfig()
	cfg.K = 1
	svc := serviceFor(t, cfg)

	report, err := svc.Run(context.Background(), ReportRequest{
		Alpha:    0.05,
		CovSpec:  inference.DefaultCovSpec(),
		Methods:  []inference.Method{inference.MethodAR},
		SkipSets: true,
	})
	require.NoError(t, err)
	assert.Equal(t, inference.MethodAR, report.Recommended)
	assert.Nil(t, report.ConfidenceSets, "SkipSets should omit confidence sets")
}

func TestRun_ExplicitNull(t *testing.T) {
	svc := serviceFor(t, strongConfig())
	beta0 := 0.0

	report, err := svc.Run(context.Background(), ReportRequest{
		Beta0:    &beta0,
		Alpha:    0.05,
		CovSpec:  inference.DefaultCovSpec(),
		Methods:  []inference.Method{inference.MethodAR},
		SkipSets: true,
	})
	require.NoError(t, err)

	res := report.Tests[inference.MethodAR]
	assert.Equal(t, 0.0, res.Beta0)
	// The truth is 1, so the null at 0 should be rejected in a strong design.
	assert.Less(t, res.PValue, 0.01, "a false null should be rejected")
	assert.False(t, math.IsNaN(res.Statistic))
}
