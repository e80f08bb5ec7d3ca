package mpi

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// PairKey is an unordered pair of patient ids stored in canonical order.
type PairKey struct {
	Lo uuid.UUID
	Hi uuid.UUID
}

// NewPairKey returns the canonical key for {a, b}; NewPairKey(a, b) == NewPairKey(b, a).
func NewPairKey(a, b uuid.UUID) PairKey {
	if compareIDs(a, b) > 0 {
		a, b = b, a
	}
	return PairKey{Lo: a, Hi: b}
}

// PairScoreCache is a sparse, symmetric map of pair scores scoped to one
// detection run. It is not safe for concurrent writes; the detection service
// fills it from a single goroutine once scoring has finished.
type PairScoreCache struct {
	scores map[PairKey]float64
}

// NewPairScoreCache creates an empty cache sized for hint pairs.
func NewPairScoreCache(hint int) *PairScoreCache {
	if hint < 0 {
		hint = 0
	}
	return &PairScoreCache{scores: make(map[PairKey]float64, hint)}
}

// Set stores the score of {a, b}.
func (c *PairScoreCache) Set(a, b uuid.UUID, score float64) {
	c.scores[NewPairKey(a, b)] = score
}

// Get looks up the score of {a, b} in either order.
func (c *PairScoreCache) Get(a, b uuid.UUID) (float64, bool) {
	s, ok := c.scores[NewPairKey(a, b)]
	return s, ok
}

// Len returns the number of cached pairs.
func (c *PairScoreCache) Len() int { return len(c.scores) }

// Pairs returns every cached pair ordered by (Lo, Hi).
func (c *PairScoreCache) Pairs() []PairScore {
	out := make([]PairScore, 0, len(c.scores))
	for k, s := range c.scores {
		out = append(out, PairScore{MemberA: k.Lo, MemberB: k.Hi, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := compareIDs(out[i].MemberA, out[j].MemberA); c != 0 {
			return c < 0
		}
		return compareIDs(out[i].MemberB, out[j].MemberB) < 0
	})
	return out
}

func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return compareIDs(ids[i], ids[j]) < 0 })
}
