// Package ranking orders boosted picks and truncates to the per-scan budget.
package ranking

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/domain"
)

// Ranker produces the final ordered pick list for a scan
type Ranker struct {
	cfg      config.RankingConfig
	priority map[string]int // engine name -> rank, lower is better
	log      zerolog.Logger
}

// New creates a ranker
func New(cfg config.RankingConfig, log zerolog.Logger) *Ranker {
	priority := make(map[string]int, len(cfg.EnginePriority))
	for i, engine := range cfg.EnginePriority {
		priority[engine] = i
	}
	return &Ranker{
		cfg:      cfg,
		priority: priority,
		log:      log.With().Str("module", "ranking").Logger(),
	}
}

// enginePriority returns the configured rank for an engine.
// Engines absent from the priority list sort after all configured ones.
func (r *Ranker) enginePriority(engine string) int {
	if p, ok := r.priority[engine]; ok {
		return p
	}
	return len(r.cfg.EnginePriority)
}

// Less defines the total order over picks:
// boosted score desc, then base score desc, then engine priority, then symbol asc.
// The symbol tiebreak makes the order deterministic for identical scores.
func (r *Ranker) Less(a, b domain.RankedPick) bool {
	if a.BoostedScore != b.BoostedScore {
		return a.BoostedScore > b.BoostedScore
	}
	if a.BaseScore != b.BaseScore {
		return a.BaseScore > b.BaseScore
	}
	pa, pb := r.enginePriority(a.Engine), r.enginePriority(b.Engine)
	if pa != pb {
		return pa < pb
	}
	return a.Symbol < b.Symbol
}

// Rank sorts picks into the total order, assigns 1-based ranks, and returns
// at most TopN entries. The input slice is not modified.
func (r *Ranker) Rank(picks []domain.RankedPick) []domain.RankedPick {
	ordered := make([]domain.RankedPick, len(picks))
	copy(ordered, picks)

	sort.SliceStable(ordered, func(i, j int) bool {
		return r.Less(ordered[i], ordered[j])
	})

	if len(ordered) > r.cfg.TopN {
		ordered = ordered[:r.cfg.TopN]
	}
	for i := range ordered {
		ordered[i].Rank = i + 1
	}

	r.log.Info().
		Int("candidates", len(picks)).
		Int("selected", len(ordered)).
		Msg("Ranking complete")
	for _, p := range ordered {
		r.log.Info().
			Int("rank", p.Rank).
			Str("pick", p.Key()).
			Str("engine", p.Engine).
			Float64("boosted_score", p.BoostedScore).
			Float64("base_score", p.BaseScore).
			Int("recurrence", p.RecurrenceCount).
			Msg("Pick ranked")
	}

	return ordered
}
