package outcomes

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/tzimas/metascan/internal/events"
)

// EngineSummary aggregates realized performance for one engine
type EngineSummary struct {
	Engine   string  `json:"engine"`
	Trades   int     `json:"trades"`
	TotalPnL float64 `json:"total_pnl"`
	MeanPnL  float64 `json:"mean_pnl"`
	StdPnL   float64 `json:"std_pnl"`
	WinRate  float64 `json:"win_rate"`
}

// Summary aggregates realized performance across all engines
type Summary struct {
	Trades   int             `json:"trades"`
	TotalPnL float64         `json:"total_pnl"`
	MeanPnL  float64         `json:"mean_pnl"`
	StdPnL   float64         `json:"std_pnl"`
	WinRate  float64         `json:"win_rate"`
	Engines  []EngineSummary `json:"engines"`
}

// summarize reduces a PnL series to its statistics
func summarize(series []float64) (total, mean, std, winRate float64) {
	if len(series) == 0 {
		return 0, 0, 0, 0
	}

	wins := 0
	for _, pnl := range series {
		total += pnl
		if pnl > 0 {
			wins++
		}
	}

	mean = stat.Mean(series, nil)
	if len(series) > 1 {
		std = stat.StdDev(series, nil)
	}
	winRate = float64(wins) / float64(len(series))
	return total, mean, std, winRate
}

// Summarize computes overall and per-engine statistics from recorded outcomes
func (r *Recorder) Summarize() (*Summary, error) {
	all, err := r.PnLSeries("")
	if err != nil {
		return nil, fmt.Errorf("failed to load pnl series: %w", err)
	}

	summary := &Summary{Trades: len(all)}
	summary.TotalPnL, summary.MeanPnL, summary.StdPnL, summary.WinRate = summarize(all)

	engines, err := r.Engines()
	if err != nil {
		return nil, err
	}
	for _, engine := range engines {
		series, err := r.PnLSeries(engine)
		if err != nil {
			return nil, err
		}
		es := EngineSummary{Engine: engine, Trades: len(series)}
		es.TotalPnL, es.MeanPnL, es.StdPnL, es.WinRate = summarize(series)
		summary.Engines = append(summary.Engines, es)
	}

	return summary, nil
}

// AttachObserver logs a fresh summary whenever an outcome lands.
// Handlers run off the emitter's goroutine, so the recompute never blocks
// the risk monitor.
func (r *Recorder) AttachObserver(bus *events.Manager, log zerolog.Logger) {
	obsLog := log.With().Str("observer", "outcome_summary").Logger()

	bus.Subscribe(events.PositionClosed, func(events.Event) { r.logSummary(obsLog) })
	bus.Subscribe(events.PositionPartialClosed, func(events.Event) { r.logSummary(obsLog) })
}

func (r *Recorder) logSummary(log zerolog.Logger) {
	summary, err := r.Summarize()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to compute outcome summary")
		return
	}
	log.Info().
		Int("trades", summary.Trades).
		Float64("total_pnl", summary.TotalPnL).
		Float64("mean_pnl", summary.MeanPnL).
		Float64("win_rate", summary.WinRate).
		Msg("Outcome summary updated")
}
