package simulate

import (
	"testing"
)

func TestGenerate_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	a := Generate(cfg)
	b := Generate(cfg)

	for i := range a.Y {
		if a.Y[i] != b.Y[i] || a.D[i] != b.D[i] {
			t.Fatalf("draws differ at row %d for identical configs", i)
		}
	}
}

func TestGenerate_Dimensions(t *testing.T) {
	cfg := Config{N: 120, K: 4, Beta: 1, Strength: 2, Rho: 0.3, Seed: 7}
	s := Generate(cfg)

	if len(s.Y) != 120 || len(s.D) != 120 {
		t.Fatalf("vectors have %d and %d rows, want 120", len(s.Y), len(s.D))
	}
	r, c := s.Z.Dims()
	if r != 120 || c != 4 {
		t.Errorf("instruments are %dx%d, want 120x4", r, c)
	}

	data, err := s.Data()
	if err != nil {
		t.Fatalf("Data failed: %v", err)
	}
	if data.Q() != 1 {
		t.Errorf("Q = %d, want 1 (intercept only)", data.Q())
	}
	if data.HasClusters() {
		t.Error("no clusters requested")
	}
}

func TestGenerate_ClusterLabels(t *testing.T) {
	cfg := Config{N: 100, K: 2, Beta: 1, Strength: 2, Rho: 0.3, Clusters: 10, Seed: 8}
	s := Generate(cfg)

	if len(s.Clusters) != 100 {
		t.Fatalf("cluster labels have %d rows, want 100", len(s.Clusters))
	}
	counts := make(map[int]int)
	for _, g := range s.Clusters {
		counts[g]++
	}
	if len(counts) != 10 {
		t.Errorf("found %d distinct clusters, want 10", len(counts))
	}
	for g, n := range counts {
		if n != 10 {
			t.Errorf("cluster %d has %d members, want 10", g, n)
		}
	}

	data, err := s.Data()
	if err != nil {
		t.Fatalf("Data failed: %v", err)
	}
	if !data.HasClusters() || data.Clusters().NumClusters() != 10 {
		t.Error("cluster labels not propagated to the dataset")
	}
}
