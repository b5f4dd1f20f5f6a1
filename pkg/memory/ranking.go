package memory

import (
	"math"
	"time"

	"github.com/kadirpekel/priam/pkg/config"
)

// Ranking combines similarity, recency, and pins into one relevance score:
//
//	similarity_weight*similarity + recency_weight*decay(age) + pin_bonus
//
// where decay halves every HalfLife. Results below MinScore are dropped.
type Ranking struct {
	SimilarityWeight float64
	RecencyWeight    float64
	PinBonus         float64
	HalfLife         time.Duration
	MinScore         float64
}

// DefaultRanking returns the ranking used when no configuration is given.
func DefaultRanking() Ranking {
	return Ranking{
		SimilarityWeight: 0.5,
		RecencyWeight:    0.3,
		PinBonus:         0.2,
		HalfLife:         30 * time.Minute,
		MinScore:         0.1,
	}
}

// RankingFromConfig translates the ranking configuration.
func RankingFromConfig(cfg *config.MemoryRankingConfig) Ranking {
	r := DefaultRanking()
	if cfg == nil {
		return r
	}

	r.SimilarityWeight = config.Float64Value(cfg.SimilarityWeight, r.SimilarityWeight)
	r.RecencyWeight = config.Float64Value(cfg.RecencyWeight, r.RecencyWeight)
	r.PinBonus = config.Float64Value(cfg.PinBonus, r.PinBonus)
	r.MinScore = config.Float64Value(cfg.MinScore, r.MinScore)
	if cfg.HalfLife > 0 {
		r.HalfLife = time.Duration(cfg.HalfLife)
	}
	return r
}

// Score computes the relevance of an item given its raw similarity, age,
// and pin state.
func (r Ranking) Score(similarity float64, age time.Duration, pinned bool) float64 {
	var decay float64
	switch {
	case age <= 0:
		// Future timestamps from clock skew count as fresh.
		decay = 1
	case r.HalfLife > 0:
		decay = math.Exp2(-float64(age) / float64(r.HalfLife))
	}

	score := r.SimilarityWeight*similarity + r.RecencyWeight*decay
	if pinned {
		score += r.PinBonus
	}
	return score
}
