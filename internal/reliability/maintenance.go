package reliability

import (
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/database"
	"github.com/tzimas/metascan/internal/modules/execution"
	"github.com/tzimas/metascan/internal/modules/outcomes"
	"github.com/tzimas/metascan/internal/modules/recurrence"
	"github.com/tzimas/metascan/internal/modules/risk"
	"github.com/tzimas/metascan/internal/modules/snapshots"
)

// How long pruned history is kept before deletion
const retentionDays = 180

// MaintenanceJob prunes aged rows, checkpoints WALs and watches disk space.
// Scheduled nightly, outside scan hours.
type MaintenanceJob struct {
	databases  map[string]*database.DB
	recurrence *recurrence.Repository
	orders     *execution.OrderRepository
	positions  *risk.PositionRepository
	outcomes   *outcomes.Recorder
	snapshots  *snapshots.Repository
	dataDir    string
	log        zerolog.Logger
}

// NewMaintenanceJob creates a new maintenance job
func NewMaintenanceJob(
	databases map[string]*database.DB,
	recurrenceRepo *recurrence.Repository,
	orderRepo *execution.OrderRepository,
	positionRepo *risk.PositionRepository,
	recorder *outcomes.Recorder,
	snapshotRepo *snapshots.Repository,
	dataDir string,
	log zerolog.Logger,
) *MaintenanceJob {
	return &MaintenanceJob{
		databases:  databases,
		recurrence: recurrenceRepo,
		orders:     orderRepo,
		positions:  positionRepo,
		outcomes:   recorder,
		snapshots:  snapshotRepo,
		dataDir:    dataDir,
		log:        log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name for the scheduler
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes the maintenance pass
func (j *MaintenanceJob) Run() error {
	j.log.Info().Msg("Starting maintenance")
	startTime := time.Now()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	j.pruneHistory(cutoff)

	// WAL checkpoint for all databases (prevent bloat)
	for name, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Maintenance completed successfully")

	return nil
}

// pruneHistory deletes rows older than the retention window. Failures are
// logged and skipped so one bad table does not block the rest.
func (j *MaintenanceJob) pruneHistory(cutoff time.Time) {
	prune := func(table string, fn func() (int64, error)) {
		n, err := fn()
		if err != nil {
			j.log.Error().Err(err).Str("table", table).Msg("Prune failed")
			return
		}
		if n > 0 {
			j.log.Info().Str("table", table).Int64("rows", n).Msg("Pruned aged rows")
		}
	}

	cutoffDate := cutoff.Format("2006-01-02")
	prune("pick_recurrence", func() (int64, error) { return j.recurrence.PruneOlderThan(cutoffDate) })
	prune("orders", func() (int64, error) { return j.orders.PruneOlderThan(cutoff) })
	prune("positions", func() (int64, error) { return j.positions.PruneClosedBefore(cutoff) })
	prune("pick_outcomes", func() (int64, error) { return j.outcomes.PruneOlderThan(cutoff) })
	prune("scan_snapshots", func() (int64, error) { return j.snapshots.PruneOlderThan(cutoff) })
}

// checkDiskSpace verifies sufficient disk space is available
func (j *MaintenanceJob) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(j.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9

	if availableGB < 0.5 {
		j.log.Error().
			Float64("available_gb", availableGB).
			Msg("CRITICAL: Insufficient disk space")
		return fmt.Errorf("only %.2f GB free", availableGB)
	}

	if availableGB < 5.0 {
		j.log.Warn().
			Float64("available_gb", availableGB).
			Msg("Disk space running low")
	}

	return nil
}
