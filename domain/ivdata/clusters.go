package ivdata

// ClusterSpec is validated one-way cluster metadata: contiguous integer
// codes plus size summaries.
type ClusterSpec struct {
	codes       []int
	numClusters int
	minSize     int
	maxSize     int
}

// NewClusterSpec maps arbitrary integer labels to contiguous codes in
// first-appearance order and records cluster sizes.
func NewClusterSpec(labels []int) *ClusterSpec {
	codeOf := make(map[int]int)
	codes := make([]int, len(labels))
	for i, label := range labels {
		code, ok := codeOf[label]
		if !ok {
			code = len(codeOf)
			codeOf[label] = code
		}
		codes[i] = code
	}
	counts := make([]int, len(codeOf))
	for _, c := range codes {
		counts[c]++
	}
	minSize, maxSize := 0, 0
	for i, c := range counts {
		if i == 0 || c < minSize {
			minSize = c
		}
		if c > maxSize {
			maxSize = c
		}
	}
	return &ClusterSpec{
		codes:       codes,
		numClusters: len(codeOf),
		minSize:     minSize,
		maxSize:     maxSize,
	}
}

// Codes returns the contiguous cluster codes, one per observation. Read-only.
func (s *ClusterSpec) Codes() []int { return s.codes }

// NumClusters returns the number of distinct clusters.
func (s *ClusterSpec) NumClusters() int { return s.numClusters }

// MinSize returns the smallest cluster size.
func (s *ClusterSpec) MinSize() int { return s.minSize }

// MaxSize returns the largest cluster size.
func (s *ClusterSpec) MaxSize() int { return s.maxSize }
