// Package main is the entry point for the Metascan options pick pipeline.
// The service collects candidate picks from discovery engines three times a
// trading day, gates and ranks them, executes orders for the top picks, and
// monitors the resulting positions until they close.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tzimas/metascan/internal/clients/alpaca"
	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/database"
	"github.com/tzimas/metascan/internal/domain"
	"github.com/tzimas/metascan/internal/events"
	"github.com/tzimas/metascan/internal/modules/engines"
	"github.com/tzimas/metascan/internal/modules/execution"
	"github.com/tzimas/metascan/internal/modules/outcomes"
	"github.com/tzimas/metascan/internal/modules/ranking"
	"github.com/tzimas/metascan/internal/modules/recurrence"
	"github.com/tzimas/metascan/internal/modules/risk"
	"github.com/tzimas/metascan/internal/modules/selection"
	"github.com/tzimas/metascan/internal/modules/snapshots"
	"github.com/tzimas/metascan/internal/pipeline"
	"github.com/tzimas/metascan/internal/reliability"
	"github.com/tzimas/metascan/internal/scheduler"
	"github.com/tzimas/metascan/internal/server"
	"github.com/tzimas/metascan/pkg/logger"
)

// cronSpec converts a HH:MM wall-clock time into a weekday cron schedule
func cronSpec(hhmm string) (string, error) {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid scan time %q, want HH:MM", hhmm)
	}
	return fmt.Sprintf("%s %s * * MON-FRI", parts[1], parts[0]), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobal(log)

	log.Info().Msg("Starting Metascan")

	// All scan scheduling is pinned to the exchange's timezone
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load exchange timezone")
	}

	// Databases: recurrence history, the trade ledger, and ephemeral
	// scan snapshots each get a profile matching their write pattern.
	recurrenceDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "recurrence.db"),
		Profile: database.ProfileStandard,
		Name:    "recurrence",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open recurrence database")
	}
	defer recurrenceDB.Close()

	tradesDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "trades.db"),
		Profile: database.ProfileLedger,
		Name:    "trades",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open trades database")
	}
	defer tradesDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	// Repositories
	recurrenceRepo := recurrence.NewRepository(recurrenceDB.Conn(), log)
	orderRepo := execution.NewOrderRepository(tradesDB.Conn(), log)
	positionRepo := risk.NewPositionRepository(tradesDB.Conn(), log)
	snapshotRepo := snapshots.NewRepository(cacheDB.Conn(), log)
	for name, init := range map[string]func() error{
		"pick_recurrence": recurrenceRepo.InitSchema,
		"orders":          orderRepo.InitSchema,
		"positions":       positionRepo.InitSchema,
		"scan_snapshots":  snapshotRepo.InitSchema,
	} {
		if err := init(); err != nil {
			log.Fatal().Err(err).Str("schema", name).Msg("Failed to initialize schema")
		}
	}

	recorder, err := outcomes.NewRecorder(filepath.Join(cfg.DataDir, "outcomes.db"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open outcomes database")
	}
	defer recorder.Close()

	// Event bus with the outcome summary observer attached
	bus := events.NewManager(log)
	recorder.AttachObserver(bus, log)

	// Broker client and the live mark stream feeding the risk monitor
	broker := alpaca.New(cfg.Broker, log)
	markStream := alpaca.NewMarkStream(cfg.Broker, log)
	markStream.Start()
	defer markStream.Stop()

	// Core modules
	gate := selection.New(cfg.Gate, log)
	booster := recurrence.NewBooster(recurrenceRepo, cfg.Boost, log)
	ranker := ranking.New(cfg.Ranking, log)
	loader := engines.NewLoader(cfg.EngineDropDir, log)
	executor := execution.NewExecutor(broker, orderRepo, positionRepo, markStream, bus, cfg.Orders, nil, log)
	monitor := risk.NewMonitor(broker, positionRepo, recorder, markStream, bus, cfg.Risk, nil, log)
	calendar := scheduler.NewCalendar(loc)

	pipe := pipeline.New(cfg, loader, gate, booster, ranker, executor, snapshotRepo, calendar, broker, bus, nil, loc, log)

	// Subscribe existing open positions to the mark stream so the risk
	// monitor has fresh marks from the first cycle.
	if open, err := positionRepo.ListOpen(); err == nil {
		for _, p := range open {
			if err := markStream.Subscribe(p.Symbol, p.OptionType, p.Strike, p.Expiry); err != nil {
				log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Failed to subscribe position to mark stream")
			}
		}
	}

	// Scheduler: three scans per trading day, plus nightly maintenance
	sched := scheduler.New(log, loc)

	scanTimes := []struct {
		session domain.ScanSession
		at      string
	}{
		{domain.SessionPre, cfg.ScanTimePre},
		{domain.SessionAM, cfg.ScanTimeAM},
		{domain.SessionPM, cfg.ScanTimePM},
	}
	for _, st := range scanTimes {
		spec, err := cronSpec(st.at)
		if err != nil {
			log.Fatal().Err(err).Str("session", string(st.session)).Msg("Invalid scan time")
		}
		if err := sched.AddJob(spec, pipeline.NewScanJob(pipe, st.session)); err != nil {
			log.Fatal().Err(err).Str("session", string(st.session)).Msg("Failed to schedule scan")
		}
		log.Info().Str("session", string(st.session)).Str("schedule", spec).Msg("Scan scheduled")
	}

	databases := map[string]*database.DB{
		"recurrence": recurrenceDB,
		"trades":     tradesDB,
		"cache":      cacheDB,
	}

	maintenance := reliability.NewMaintenanceJob(
		databases, recurrenceRepo, orderRepo, positionRepo, recorder, snapshotRepo, cfg.DataDir, log,
	)
	if err := sched.AddJob("0 2 * * *", maintenance); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule maintenance")
	}

	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Client(cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create backup client")
		}
		backup := reliability.NewBackupService(
			store,
			databases,
			map[string]string{"outcomes": filepath.Join(cfg.DataDir, "outcomes.db")},
			cfg.DataDir,
			30,
			log,
		)
		if err := sched.AddJob("30 2 * * *", backup); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backup")
		}
		log.Info().Msg("S3 backups enabled")
	}

	sched.Start()
	defer sched.Stop()

	// Risk monitor polls open positions continuously
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	// HTTP server
	srv := server.New(server.Config{
		Log:          log,
		Cfg:          cfg,
		RecurrenceDB: recurrenceDB,
		TradesDB:     tradesDB,
		CacheDB:      cacheDB,
		Snapshots:    snapshotRepo,
		Orders:       orderRepo,
		Positions:    positionRepo,
		Outcomes:     recorder,
		Scanner:      pipe,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Metascan started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}
