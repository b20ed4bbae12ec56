// Package simulate generates synthetic linear IV samples with a
// controllable degree of instrument strength. Used by tests and by
// callers who want a quick calibration harness.
package simulate

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"ivrobust/domain/ivdata"
)

// Config describes the data generating process for a single endogenous
// regressor with k instruments.
type Config struct {
	N        int     // observations
	K        int     // instruments
	Beta     float64 // structural coefficient
	Strength float64 // concentration scale; first-stage coefficients are Strength/sqrt(K)
	Rho      float64 // correlation between structural and first-stage errors
	Clusters int     // if > 0, assigns equal-size cluster labels and adds cluster shocks
	Seed     int64
}

// DefaultConfig is a moderately weak design with five instruments.
func DefaultConfig() Config {
	return Config{
		N:        500,
		K:        5,
		Beta:     1.0,
		Strength: 2.0,
		Rho:      0.5,
		Seed:     42,
	}
}

// Sample holds a generated dataset plus the labels needed to rebuild it.
type Sample struct {
	Y        []float64
	D        []float64
	Z        *mat.Dense
	Clusters []int
	Config   Config
}

// Generate draws one sample from the configured process. The same Config
// always produces the same sample.
func Generate(cfg Config) Sample {
	rng := rand.New(rand.NewSource(cfg.Seed))

	n, k := cfg.N, cfg.K
	pi := cfg.Strength / math.Sqrt(float64(k))
	rho := cfg.Rho
	tail := math.Sqrt(math.Max(0, 1-rho*rho))

	z := mat.NewDense(n, k, nil)
	y := make([]float64, n)
	d := make([]float64, n)

	var clusters []int
	var shocks []float64
	if cfg.Clusters > 0 {
		clusters = make([]int, n)
		shocks = make([]float64, cfg.Clusters)
		for g := range shocks {
			shocks[g] = rng.NormFloat64()
		}
	}

	for i := 0; i < n; i++ {
		zd := 0.0
		for j := 0; j < k; j++ {
			v := rng.NormFloat64()
			z.Set(i, j, v)
			zd += v * pi
		}
		v := rng.NormFloat64()
		u := rho*v + tail*rng.NormFloat64()
		if clusters != nil {
			g := i * cfg.Clusters / n
			clusters[i] = g
			u += shocks[g]
			v += 0.5 * shocks[g]
		}
		d[i] = zd + v
		y[i] = cfg.Beta*d[i] + u
	}

	return Sample{Y: y, D: d, Z: z, Clusters: clusters, Config: cfg}
}

// Data assembles the sample into a validated dataset with an intercept.
func (s Sample) Data() (*ivdata.Data, error) {
	opts := []ivdata.Option{ivdata.WithIntercept()}
	if s.Clusters != nil {
		opts = append(opts, ivdata.WithClusters(s.Clusters))
	}
	return ivdata.New(s.Y, s.D, s.Z, opts...)
}
