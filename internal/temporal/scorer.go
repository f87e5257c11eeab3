// Package temporal blends geometric distance with time-decayed importance
// into a single ranking key.
//
// The blended score is
//
//	score = (1-w)*d - w*importance*exp(-decayRate*age)
//
// where age is seconds since the record was last accessed and w is the
// configured temporal weight. Smaller scores rank earlier. The calibration
// of w assumes cosine distances in [0, 2]; with Euclidean or dot metrics the
// geometric term lives on a different scale and callers should tune w
// accordingly or pass w=0 for a raw-distance sort.
package temporal

import (
	"math"
	"sort"
	"time"
)

// DefaultWeight is the default temporal weight.
const DefaultWeight = 0.3

// Candidate is one search result awaiting temporal re-ranking.
type Candidate struct {
	ID           string
	Distance     float32
	Importance   float32
	DecayRate    float32
	LastAccessed time.Time
	AccessCount  uint32

	// Score is filled in by Rank.
	Score float32
}

// Scorer computes blended ranking scores.
type Scorer struct {
	// Weight is the temporal weight w in [0, 1]. 0 sorts by raw distance.
	Weight float32

	// FrequencyBoost additionally scales the temporal term by
	// ln(accessCount+1), rewarding frequently retrieved records. Off by
	// default.
	FrequencyBoost bool
}

// NewScorer returns a scorer with the given weight, clamped to [0, 1].
func NewScorer(weight float32) *Scorer {
	return &Scorer{Weight: clamp01(weight)}
}

// Recency returns exp(-decayRate*age) for the given access time, in (0, 1].
// A future lastAccessed counts as age zero.
func Recency(decayRate float32, lastAccessed, now time.Time) float32 {
	age := now.Sub(lastAccessed).Seconds()
	if age < 0 {
		age = 0
	}
	return float32(math.Exp(-float64(decayRate) * age))
}

// Score computes the blended ranking key for a single candidate.
func (s *Scorer) Score(c Candidate, now time.Time) float32 {
	w := clamp01(s.Weight)
	effective := c.Importance * Recency(c.DecayRate, c.LastAccessed, now)
	if s.FrequencyBoost {
		effective *= float32(math.Log(float64(c.AccessCount) + 1))
	}
	return (1-w)*c.Distance - w*effective
}

// Rank scores every candidate and sorts the slice in place: ascending score,
// ties broken by smaller raw distance, then lexicographic id.
func (s *Scorer) Rank(candidates []Candidate, now time.Time) {
	for i := range candidates {
		candidates[i].Score = s.Score(candidates[i], now)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		return a.ID < b.ID
	})
}

func clamp01(f float32) float32 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
