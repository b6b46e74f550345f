// Package selection filters raw engine candidates through the hard entry gate.
package selection

import (
	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/domain"
)

// RejectReason identifies which gate check a candidate failed first
type RejectReason string

const (
	RejectORMScore    RejectReason = "orm_score_below_min"
	RejectSignalCount RejectReason = "signal_count_below_min"
	RejectBaseScore   RejectReason = "base_score_below_min"
	RejectInvalid     RejectReason = "invalid_candidate"
)

// Rejection pairs a failed candidate with the first check it failed
type Rejection struct {
	Candidate domain.Candidate
	Reason    RejectReason
}

// Gate applies the hard selection thresholds to engine candidates.
// All three checks must pass; there is no partial credit.
type Gate struct {
	cfg config.GateConfig
	log zerolog.Logger
}

// New creates a selection gate
func New(cfg config.GateConfig, log zerolog.Logger) *Gate {
	return &Gate{
		cfg: cfg,
		log: log.With().Str("module", "selection").Logger(),
	}
}

// Check evaluates one candidate against every threshold.
// Checks run in a fixed order; the first failure is the reported reason.
func (g *Gate) Check(c domain.Candidate) (bool, RejectReason) {
	if c.Symbol == "" || !c.OptionType.Valid() {
		return false, RejectInvalid
	}
	if c.ORMScore < g.cfg.MinORMScore {
		return false, RejectORMScore
	}
	if c.SignalCount < g.cfg.MinSignalCount {
		return false, RejectSignalCount
	}
	if c.BaseScore < g.cfg.MinBaseScore {
		return false, RejectBaseScore
	}
	return true, ""
}

// Filter partitions candidates into those that pass and those that fail.
// Input order is preserved for the passing set.
func (g *Gate) Filter(candidates []domain.Candidate) ([]domain.Candidate, []Rejection) {
	passed := make([]domain.Candidate, 0, len(candidates))
	var rejected []Rejection

	for _, c := range candidates {
		ok, reason := g.Check(c)
		if !ok {
			g.log.Debug().
				Str("symbol", c.Symbol).
				Str("option_type", string(c.OptionType)).
				Str("reason", string(reason)).
				Float64("orm_score", c.ORMScore).
				Int("signal_count", c.SignalCount).
				Float64("base_score", c.BaseScore).
				Msg("Candidate rejected at gate")
			rejected = append(rejected, Rejection{Candidate: c, Reason: reason})
			continue
		}
		passed = append(passed, c)
	}

	g.log.Info().
		Int("total", len(candidates)).
		Int("passed", len(passed)).
		Int("rejected", len(rejected)).
		Msg("Gate filtering complete")

	return passed, rejected
}
