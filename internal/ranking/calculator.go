package ranking

import (
	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
)

// Bounds holds the rank policy shared by every calculation.
type Bounds struct {
	Initial int
	Min     int
	Max     int
}

func NewBounds(cfg *config.Config) Bounds {
	return Bounds{
		Initial: cfg.Ranking.InitialRank,
		Min:     cfg.Ranking.MinRank,
		Max:     cfg.Ranking.MaxRank,
	}
}

// Calculate returns the player's rank before and after a match. A player
// without a rank starts from the initial rank. The rank moves by one when the
// kill/death difference exceeds one in either direction and is clamped to the
// bounds.
func (b Bounds) Calculate(current *int, kills, deaths int) (int, int) {
	oldRank := b.Initial
	if current != nil {
		oldRank = *current
	}

	newRank := oldRank
	switch diff := kills - deaths; {
	case diff > 1:
		newRank++
	case diff < -1:
		newRank--
	}

	return oldRank, clamp(newRank, b.Min, b.Max)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
