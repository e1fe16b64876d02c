package rag

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// fallbackWeight applies to chunk types absent from the weight table when no
// "general" weight is configured either.
const fallbackWeight = 1.0

// Weights maps a chunk type to its ranking weight.
type Weights map[ChunkType]float64

// DefaultWeights is the weight table used when none is configured.
func DefaultWeights() Weights {
	return Weights{
		ChunkTypeProtocol:  0.9,
		ChunkTypeGeneral:   0.6,
		ChunkTypeFAQ:       0.5,
		ChunkTypeReference: 0.7,
	}
}

// For returns the weight for t. Unknown types inherit the general weight, or
// 1.0 when the table has no general entry.
func (w Weights) For(t ChunkType) float64 {
	if v, ok := w[t]; ok {
		return v
	}
	if v, ok := w[ChunkTypeGeneral]; ok {
		return v
	}
	return fallbackWeight
}

// String renders the table in the "type=weight,..." form accepted by
// ParseWeights, sorted by type so it is stable enough for cache keys.
func (w Weights) String() string {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatFloat(w[ChunkType(k)], 'g', -1, 64))
	}
	return strings.Join(parts, ",")
}

// ParseWeights parses "protocol=0.9,general=0.6" into a Weights table.
func ParseWeights(s string) (Weights, error) {
	w := Weights{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("rag: invalid weight entry %q (want type=weight)", part)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("rag: invalid weight for %q: %q", name, val)
		}
		w[ChunkType(strings.ToLower(strings.TrimSpace(name)))] = f
	}
	if len(w) == 0 {
		return nil, fmt.Errorf("rag: weight table %q is empty", s)
	}
	return w, nil
}

// WeightedScore is the scoring policy: rawScore * weight(chunkType) * priority.
// Priority is clamped to [0, 1].
func WeightedScore(rawScore float64, t ChunkType, priority float64, weights Weights) float64 {
	return rawScore * weights.For(t) * clamp01(priority)
}

// Rank re-scores results with the weight table, keeps those whose weighted
// score is at least minWeightedScore and sorts them descending. Equal weighted
// scores are ordered by raw score (descending), then by ID (ascending), so the
// output is fully deterministic. Rank has no side effects; the input slice is
// not modified.
func Rank(results []RawResult, weights Weights, minWeightedScore float64) []RankedChunk {
	ranked := make([]RankedChunk, 0, len(results))
	for _, r := range results {
		ws := WeightedScore(r.RawScore, r.Type, r.Priority, weights)
		// NaN compares false both ways, so test for acceptance, not rejection.
		if !(ws >= minWeightedScore) {
			continue
		}
		ranked = append(ranked, RankedChunk{
			Chunk:         r.Chunk,
			RawScore:      r.RawScore,
			WeightedScore: ws,
		})
	}

	slices.SortStableFunc(ranked, func(a, b RankedChunk) int {
		switch {
		case a.WeightedScore > b.WeightedScore:
			return -1
		case a.WeightedScore < b.WeightedScore:
			return 1
		case a.RawScore > b.RawScore:
			return -1
		case a.RawScore < b.RawScore:
			return 1
		default:
			return strings.Compare(a.ID, b.ID)
		}
	})
	return ranked
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
