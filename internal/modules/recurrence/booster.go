package recurrence

import (
	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/domain"
)

// Booster converts recurrence counts into multiplicative score boosts
type Booster struct {
	repo *Repository
	cfg  config.BoostConfig
	log  zerolog.Logger
}

// NewBooster creates a new booster backed by the recurrence store
func NewBooster(repo *Repository, cfg config.BoostConfig, log zerolog.Logger) *Booster {
	return &Booster{
		repo: repo,
		cfg:  cfg,
		log:  log.With().Str("module", "recurrence").Logger(),
	}
}

// Factor maps a recurrence count to a boost multiplier.
// The count includes today's observation, so a first sighting is 1.
func (b *Booster) Factor(count int) float64 {
	switch {
	case count >= 3:
		return 1.0 + b.cfg.ThirdSeen
	case count == 2:
		return 1.0 + b.cfg.SecondSeen
	default:
		return 1.0
	}
}

// RecordRanks writes the final rank back onto today's observations.
// Failures are warn-only; rank is bookkeeping, not pipeline state.
func (b *Booster) RecordRanks(picks []domain.RankedPick) {
	for _, pick := range picks {
		if err := b.repo.SetRank(pick.Symbol, pick.OptionType, pick.ScanDate, pick.Rank); err != nil {
			b.log.Warn().Err(err).Str("pick", pick.Key()).Msg("Failed to record pick rank")
		}
	}
}

// Apply records today's observation for each candidate, then computes its
// boost from the lookback window. Recording happens before counting so the
// current sighting is included. A store failure on the count path degrades
// to no boost rather than dropping the pick.
func (b *Booster) Apply(candidates []domain.Candidate) []domain.RankedPick {
	picks := make([]domain.RankedPick, 0, len(candidates))

	for _, c := range candidates {
		if err := b.repo.Record(c); err != nil {
			b.log.Warn().Err(err).Str("pick", c.Key()).Msg("Failed to record recurrence observation")
		}

		count, err := b.repo.CountInWindow(c.Symbol, c.OptionType, c.ScanDate, b.cfg.WindowDays)
		if err != nil {
			b.log.Warn().Err(err).Str("pick", c.Key()).Msg("Recurrence count unavailable, using no boost")
			count = 1
		}
		if count < 1 {
			count = 1
		}

		factor := b.Factor(count)
		pick := domain.RankedPick{
			Candidate:       c,
			RecurrenceCount: count,
			BoostFactor:     factor,
			BoostedScore:    c.BaseScore * factor,
		}

		if factor > 1.0 {
			b.log.Info().
				Str("pick", c.Key()).
				Int("recurrence", count).
				Float64("factor", factor).
				Float64("boosted_score", pick.BoostedScore).
				Msg("Recurrence boost applied")
		}

		picks = append(picks, pick)
	}

	return picks
}
