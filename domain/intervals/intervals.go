// Package intervals provides a set-valued representation of regions on the
// real line, used for confidence sets that may be empty, disjoint, or
// unbounded. Sets are immutable after construction.
package intervals

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Interval is a closed interval on the real line. Lower may be -Inf and
// Upper may be +Inf.
type Interval struct {
	Lower float64
	Upper float64
}

// intervalJSON is the wire form of an Interval. Infinite endpoints are
// encoded as null; encoding/json rejects the Inf literals.
type intervalJSON struct {
	Lower *float64 `json:"lower"`
	Upper *float64 `json:"upper"`
}

// MarshalJSON encodes the endpoints, with null standing in for an
// unbounded side.
func (iv Interval) MarshalJSON() ([]byte, error) {
	var p intervalJSON
	if !math.IsInf(iv.Lower, -1) {
		lo := iv.Lower
		p.Lower = &lo
	}
	if !math.IsInf(iv.Upper, 1) {
		hi := iv.Upper
		p.Upper = &hi
	}
	return json.Marshal(p)
}

// UnmarshalJSON decodes the wire form, restoring null endpoints to the
// matching infinity.
func (iv *Interval) UnmarshalJSON(b []byte) error {
	var p intervalJSON
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	iv.Lower = math.Inf(-1)
	iv.Upper = math.Inf(1)
	if p.Lower != nil {
		iv.Lower = *p.Lower
	}
	if p.Upper != nil {
		iv.Upper = *p.Upper
	}
	return nil
}

// Contains reports whether x lies in the interval (endpoints included).
func (iv Interval) Contains(x float64) bool {
	return iv.Lower <= x && x <= iv.Upper
}

// IsBounded reports whether both endpoints are finite.
func (iv Interval) IsBounded() bool {
	return !math.IsInf(iv.Lower, -1) && !math.IsInf(iv.Upper, 1)
}

func (iv Interval) String() string {
	lo := "-inf"
	if !math.IsInf(iv.Lower, -1) {
		lo = fmt.Sprintf("%.6g", iv.Lower)
	}
	hi := "+inf"
	if !math.IsInf(iv.Upper, 1) {
		hi = fmt.Sprintf("%.6g", iv.Upper)
	}
	return fmt.Sprintf("[%s, %s]", lo, hi)
}

// Set is a union of maximal, non-overlapping intervals sorted by lower
// endpoint. The zero value is the empty set.
type Set struct {
	intervals []Interval
}

// NewSet builds a normalized set from the given intervals: intervals are
// sorted by lower endpoint and overlapping or touching intervals are merged.
// Intervals with Lower > Upper are dropped.
func NewSet(ivs ...Interval) Set {
	kept := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		if iv.Lower > iv.Upper || math.IsNaN(iv.Lower) || math.IsNaN(iv.Upper) {
			continue
		}
		kept = append(kept, iv)
	}
	if len(kept) == 0 {
		return Set{}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Lower != kept[j].Lower {
			return kept[i].Lower < kept[j].Lower
		}
		return kept[i].Upper < kept[j].Upper
	})
	merged := []Interval{kept[0]}
	for _, iv := range kept[1:] {
		last := &merged[len(merged)-1]
		if iv.Lower <= last.Upper {
			if iv.Upper > last.Upper {
				last.Upper = iv.Upper
			}
			continue
		}
		merged = append(merged, iv)
	}
	return Set{intervals: merged}
}

// MarshalJSON encodes the set as its ordered interval list. The empty set
// encodes as an empty array.
func (s Set) MarshalJSON() ([]byte, error) {
	ivs := s.intervals
	if ivs == nil {
		ivs = []Interval{}
	}
	return json.Marshal(ivs)
}

// UnmarshalJSON rebuilds a normalized set from an interval list.
func (s *Set) UnmarshalJSON(b []byte) error {
	var ivs []Interval
	if err := json.Unmarshal(b, &ivs); err != nil {
		return err
	}
	*s = NewSet(ivs...)
	return nil
}

// RealLine returns the set equal to the entire real line.
func RealLine() Set {
	return NewSet(Interval{Lower: math.Inf(-1), Upper: math.Inf(1)})
}

// Intervals returns a copy of the member intervals in order.
func (s Set) Intervals() []Interval {
	if len(s.intervals) == 0 {
		return nil
	}
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

// Len returns the number of disjoint intervals in the set.
func (s Set) Len() int { return len(s.intervals) }

// Contains reports whether x lies in any member interval.
func (s Set) Contains(x float64) bool {
	// Binary search on lower endpoints.
	i := sort.Search(len(s.intervals), func(i int) bool {
		return s.intervals[i].Lower > x
	})
	return i > 0 && s.intervals[i-1].Contains(x)
}

// IsEmpty reports whether the set has no members. An empty set is a valid
// confidence set, distinct from an absent one.
func (s Set) IsEmpty() bool { return len(s.intervals) == 0 }

// IsUnbounded reports whether any member interval extends to +/-Inf.
func (s Set) IsUnbounded() bool {
	for _, iv := range s.intervals {
		if !iv.IsBounded() {
			return true
		}
	}
	return false
}

// IsRealLine reports whether the set equals the entire real line.
func (s Set) IsRealLine() bool {
	return len(s.intervals) == 1 &&
		math.IsInf(s.intervals[0].Lower, -1) &&
		math.IsInf(s.intervals[0].Upper, 1)
}

// IsDisjoint reports whether the set consists of more than one interval.
func (s Set) IsDisjoint() bool { return len(s.intervals) > 1 }

// Union returns the normalized union of two sets.
func (s Set) Union(other Set) Set {
	return NewSet(append(s.Intervals(), other.Intervals()...)...)
}

// TotalLength returns the summed length of all intervals, +Inf if unbounded
// and 0 for the empty set.
func (s Set) TotalLength() float64 {
	total := 0.0
	for _, iv := range s.intervals {
		total += iv.Upper - iv.Lower
	}
	return total
}

func (s Set) String() string {
	if s.IsEmpty() {
		return "{}"
	}
	parts := make([]string, len(s.intervals))
	for i, iv := range s.intervals {
		parts[i] = iv.String()
	}
	return strings.Join(parts, " U ")
}
