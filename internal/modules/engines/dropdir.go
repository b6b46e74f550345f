// Package engines collects raw candidates from discovery engine drop files.
//
// Engines run out of process and hand their picks over as JSON files in a
// shared directory. Each scan drains the directory, archiving every file it
// consumed so a crashed scan can be replayed.
package engines

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/domain"
)

// DropFile is the on-disk format engines write
type DropFile struct {
	Engine      string             `json:"engine"`
	GeneratedAt string             `json:"generated_at"`
	Candidates  []domain.Candidate `json:"candidates"`
}

// Loader reads and drains engine drop files
type Loader struct {
	dir string
	log zerolog.Logger
}

// NewLoader creates a drop-file loader for the given directory
func NewLoader(dir string, log zerolog.Logger) *Loader {
	return &Loader{
		dir: dir,
		log: log.With().Str("module", "engines").Logger(),
	}
}

// Collect reads every *.json drop file, stamps candidates with the scan date,
// and moves consumed files into the processed/ subdirectory. A malformed file
// is skipped and left in place for inspection.
func (l *Loader) Collect(scanDate string) ([]domain.Candidate, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read drop directory: %w", err)
	}

	// Deterministic ordering across runs
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var candidates []domain.Candidate
	for _, name := range names {
		path := filepath.Join(l.dir, name)

		drop, err := l.readDropFile(path)
		if err != nil {
			l.log.Warn().Err(err).Str("file", name).Msg("Skipping malformed drop file")
			continue
		}

		for _, c := range drop.Candidates {
			if c.Engine == "" {
				c.Engine = drop.Engine
			}
			if c.ScanDate == "" {
				c.ScanDate = scanDate
			}
			candidates = append(candidates, c)
		}

		if err := l.archive(path, name); err != nil {
			l.log.Warn().Err(err).Str("file", name).Msg("Failed to archive drop file")
		}

		l.log.Info().
			Str("file", name).
			Str("engine", drop.Engine).
			Int("candidates", len(drop.Candidates)).
			Msg("Drop file consumed")
	}

	return candidates, nil
}

func (l *Loader) readDropFile(path string) (*DropFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read drop file: %w", err)
	}

	var drop DropFile
	if err := json.Unmarshal(data, &drop); err != nil {
		return nil, fmt.Errorf("failed to parse drop file: %w", err)
	}
	if drop.Engine == "" {
		return nil, fmt.Errorf("drop file missing engine name")
	}
	return &drop, nil
}

// archive moves a consumed drop file into processed/
func (l *Loader) archive(path, name string) error {
	processedDir := filepath.Join(l.dir, "processed")
	if err := os.MkdirAll(processedDir, 0755); err != nil {
		return fmt.Errorf("failed to create processed directory: %w", err)
	}
	return os.Rename(path, filepath.Join(processedDir, name))
}
