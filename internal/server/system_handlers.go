package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tzimas/metascan/internal/database"
)

// SystemHandlers handles system monitoring endpoints
type SystemHandlers struct {
	log          zerolog.Logger
	dataDir      string
	startupTime  time.Time
	recurrenceDB *database.DB
	tradesDB     *database.DB
	cacheDB      *database.DB
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(log zerolog.Logger, dataDir string, recurrenceDB, tradesDB, cacheDB *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:          log.With().Str("component", "system_handlers").Logger(),
		dataDir:      dataDir,
		startupTime:  time.Now(),
		recurrenceDB: recurrenceDB,
		tradesDB:     tradesDB,
		cacheDB:      cacheDB,
	}
}

// SystemStatsResponse represents host resource usage
type SystemStatsResponse struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	MemUsedMB     float64 `json:"mem_used_mb"`
	HostUptimeSec uint64  `json:"host_uptime_sec"`
	UptimeSec     float64 `json:"uptime_sec"`
}

// DBInfo describes one database file
type DBInfo struct {
	Name      string  `json:"name"`
	SizeMB    float64 `json:"size_mb"`
	WALSizeMB float64 `json:"wal_size_mb"`
	PageCount int64   `json:"page_count"`
	FreePages int64   `json:"free_pages"`
}

// DatabaseStatsResponse aggregates stats across all databases
type DatabaseStatsResponse struct {
	Databases   []DBInfo `json:"databases"`
	TotalSizeMB float64  `json:"total_size_mb"`
}

// DiskUsageResponse reports on-disk footprint of the data directory
type DiskUsageResponse struct {
	DataDirMB float64 `json:"data_dir_mb"`
	DropDirMB float64 `json:"drop_dir_mb"`
	BackupsMB float64 `json:"backups_mb"`
	TotalMB   float64 `json:"total_mb"`
}

// HandleSystemStats returns CPU, memory and uptime statistics
func (h *SystemHandlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	// 100ms sample keeps the endpoint responsive for dashboard polling
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	resp := SystemStatsResponse{
		CPUPercent: cpuAvg,
		UptimeSec:  time.Since(h.startupTime).Seconds(),
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		resp.MemPercent = memStat.UsedPercent
		resp.MemUsedMB = float64(memStat.Used) / 1024 / 1024
	} else {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	}

	if uptime, err := host.Uptime(); err == nil {
		resp.HostUptimeSec = uptime
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDatabaseStats returns size and fragmentation stats per database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	dbs := []struct {
		name string
		db   *database.DB
	}{
		{"recurrence", h.recurrenceDB},
		{"trades", h.tradesDB},
		{"cache", h.cacheDB},
	}

	resp := DatabaseStatsResponse{}
	for _, entry := range dbs {
		stats, err := entry.db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("db", entry.name).Msg("Failed to get database stats")
			continue
		}

		sizeMB := float64(stats.SizeBytes) / 1024 / 1024
		resp.TotalSizeMB += sizeMB
		resp.Databases = append(resp.Databases, DBInfo{
			Name:      entry.name,
			SizeMB:    sizeMB,
			WALSizeMB: float64(stats.WALSizeBytes) / 1024 / 1024,
			PageCount: stats.PageCount,
			FreePages: stats.FreelistCount,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDiskUsage returns disk usage of the data directory
func (h *SystemHandlers) HandleDiskUsage(w http.ResponseWriter, r *http.Request) {
	dataDirSize := h.getDirSize(h.dataDir)
	dropDirSize := h.getDirSize(filepath.Join(h.dataDir, "engine_drops"))
	backupsSize := h.getDirSize(filepath.Join(h.dataDir, "backups"))

	h.writeJSON(w, http.StatusOK, DiskUsageResponse{
		DataDirMB: dataDirSize,
		DropDirMB: dropDirSize,
		BackupsMB: backupsSize,
		TotalMB:   dataDirSize + dropDirSize + backupsSize,
	})
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
