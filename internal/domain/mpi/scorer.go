package mpi

import (
	"fmt"
	"math"
	"strings"
)

// MaxScore is the ceiling of every similarity score.
const MaxScore = 100.0

// NameStrategy selects how first and last name similarities are combined.
type NameStrategy string

const (
	// NameStrategyAverage averages the first and last name percentages.
	NameStrategyAverage NameStrategy = "average"
	// NameStrategyMax takes the better of the two percentages.
	NameStrategyMax NameStrategy = "max"
)

// Weights configures the contribution of each signal, in score points.
type Weights struct {
	Identifier float64 `json:"identifier"`
	Name       float64 `json:"name"`
	BirthDate  float64 `json:"birth_date"`
}

// DefaultWeights returns the default scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Identifier: 50,
		Name:       50,
		BirthDate:  20,
	}
}

// Validate rejects negative weights and weights above MaxScore.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"identifier": w.Identifier,
		"name":       w.Name,
		"birth_date": w.BirthDate,
	} {
		if v < 0 || v > MaxScore || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be between 0 and %v, got %v", name, MaxScore, v)
		}
	}
	return nil
}

// ScoreBreakdown explains how a pair score was reached.
type ScoreBreakdown struct {
	IdentifierMatch     bool    `json:"identifier_match"`
	ShortCircuit        bool    `json:"short_circuit"`
	IdentifierScore     float64 `json:"identifier_score"`
	FirstNameSimilarity float64 `json:"first_name_similarity"`
	LastNameSimilarity  float64 `json:"last_name_similarity"`
	NameScore           float64 `json:"name_score"`
	BirthDateScore      float64 `json:"birth_date_score"`
	Total               float64 `json:"total"`
}

// Scorer computes a deterministic, symmetric 0-100 match score between two
// patient records. It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	weights  Weights
	strategy NameStrategy
}

// NewScorer creates a Scorer. An unknown strategy falls back to average.
func NewScorer(weights Weights, strategy NameStrategy) *Scorer {
	if strategy != NameStrategyMax {
		strategy = NameStrategyAverage
	}
	return &Scorer{weights: weights, strategy: strategy}
}

// NewDefaultScorer creates a Scorer with default weights and the average strategy.
func NewDefaultScorer() *Scorer {
	return NewScorer(DefaultWeights(), NameStrategyAverage)
}

// Weights returns the configured weights.
func (s *Scorer) Weights() Weights { return s.weights }

// Score returns the similarity of a and b, rounded to two decimals.
func (s *Scorer) Score(a, b PatientRecord) float64 {
	return s.Explain(a, b).Total
}

// IdentifiersMatch reports whether a and b carry the same non-blank
// identifier. Such pairs score MaxScore regardless of weights.
func IdentifiersMatch(a, b PatientRecord) bool {
	idA := strings.TrimSpace(a.Identifier)
	return idA != "" && idA == strings.TrimSpace(b.Identifier)
}

// Explain returns the per-signal breakdown of Score.
func (s *Scorer) Explain(a, b PatientRecord) ScoreBreakdown {
	var bd ScoreBreakdown

	if IdentifiersMatch(a, b) {
		bd.IdentifierMatch = true
		bd.ShortCircuit = true
		bd.IdentifierScore = s.weights.Identifier
		bd.Total = MaxScore
		return bd
	}

	total := 0.0

	// Names count only when both records carry both parts.
	if hasFullName(a) && hasFullName(b) {
		first := nameSimilarity(a.FirstName, b.FirstName)
		last := nameSimilarity(a.LastName, b.LastName)
		name := s.combineNames(first, last) * s.weights.Name / 100
		bd.FirstNameSimilarity = round2(first)
		bd.LastNameSimilarity = round2(last)
		bd.NameScore = round2(name)
		total += name
	}

	if sameDate(a.DateOfBirth, b.DateOfBirth) {
		bd.BirthDateScore = s.weights.BirthDate
		total += s.weights.BirthDate
	}

	if total > MaxScore {
		total = MaxScore
	}
	bd.Total = round2(total)
	return bd
}

func (s *Scorer) combineNames(first, last float64) float64 {
	if s.strategy == NameStrategyMax {
		return math.Max(first, last)
	}
	return (first + last) / 2
}

func hasFullName(p PatientRecord) bool {
	return strings.TrimSpace(p.FirstName) != "" && strings.TrimSpace(p.LastName) != ""
}

// nameSimilarity lower-cases both names and returns their Ratcliff/Obershelp
// percentage. The metric's tie-breaking depends on argument order, so the
// pair is ordered first to keep the result symmetric.
func nameSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a > b {
		a, b = b, a
	}
	return similarityPercent([]rune(a), []rune(b))
}

// similarityPercent is 2*matched/(len(a)+len(b))*100, where matched is the
// number of characters found by repeatedly taking the longest common
// substring and recursing on the unmatched left and right remainders.
// An empty side yields 0.
func similarityPercent(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matched := matchingChars(a, b)
	return float64(matched*2) * 100 / float64(len(a)+len(b))
}

func matchingChars(a, b []rune) int {
	posA, posB, n := longestCommonSubstring(a, b)
	if n == 0 {
		return 0
	}
	return n +
		matchingChars(a[:posA], b[:posB]) +
		matchingChars(a[posA+n:], b[posB+n:])
}

// longestCommonSubstring returns the first longest run shared by a and b,
// scanning a then b.
func longestCommonSubstring(a, b []rune) (posA, posB, n int) {
	for i := range a {
		for j := range b {
			k := 0
			for i+k < len(a) && j+k < len(b) && a[i+k] == b[j+k] {
				k++
			}
			if k > n {
				posA, posB, n = i, j, k
			}
		}
	}
	return posA, posB, n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
