package engines

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzimas/metascan/internal/domain"
)

func writeDrop(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "orm_0930.json", `{
		"engine": "orm",
		"generated_at": "2026-08-28T09:30:00Z",
		"candidates": [
			{"symbol": "NVDA", "option_type": "CALL", "strike": 230, "expiry": "2026-09-18",
			 "orm_score": 0.6, "signal_count": 3, "base_score": 0.8, "ask_price": 2.45}
		]
	}`)
	writeDrop(t, dir, "flow_0931.json", `{
		"engine": "flow",
		"candidates": [
			{"symbol": "TSLA", "option_type": "PUT", "strike": 200, "expiry": "2026-09-18",
			 "engine": "flow-v2", "orm_score": 0.5, "signal_count": 2, "base_score": 0.7, "ask_price": 3.10}
		]
	}`)

	loader := NewLoader(dir, zerolog.Nop())
	candidates, err := loader.Collect("2026-08-28")
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// Sorted by file name: flow before orm
	assert.Equal(t, "TSLA", candidates[0].Symbol)
	assert.Equal(t, "flow-v2", candidates[0].Engine, "candidate engine wins over file engine")
	assert.Equal(t, "2026-08-28", candidates[0].ScanDate)

	assert.Equal(t, "NVDA", candidates[1].Symbol)
	assert.Equal(t, "orm", candidates[1].Engine, "file engine fills missing candidate engine")
	assert.Equal(t, domain.OptionCall, candidates[1].OptionType)

	// Consumed files are archived
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "processed", entries[0].Name())

	processed, err := os.ReadDir(filepath.Join(dir, "processed"))
	require.NoError(t, err)
	assert.Len(t, processed, 2)
}

func TestCollectSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "bad.json", `{not json`)
	writeDrop(t, dir, "noengine.json", `{"candidates": []}`)
	writeDrop(t, dir, "good.json", `{"engine": "orm", "candidates": [
		{"symbol": "AAPL", "option_type": "CALL", "strike": 230, "expiry": "2026-09-18",
		 "orm_score": 0.5, "signal_count": 2, "base_score": 0.7, "ask_price": 1.50}
	]}`)
	writeDrop(t, dir, "readme.txt", `not a drop file`)

	loader := NewLoader(dir, zerolog.Nop())
	candidates, err := loader.Collect("2026-08-28")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "AAPL", candidates[0].Symbol)

	// Malformed files stay put for inspection
	assert.FileExists(t, filepath.Join(dir, "bad.json"))
	assert.FileExists(t, filepath.Join(dir, "noengine.json"))
	assert.FileExists(t, filepath.Join(dir, "readme.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "good.json"))
}

func TestCollectEmptyDir(t *testing.T) {
	loader := NewLoader(t.TempDir(), zerolog.Nop())
	candidates, err := loader.Collect("2026-08-28")
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestCollectMissingDir(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope"), zerolog.Nop())
	_, err := loader.Collect("2026-08-28")
	assert.Error(t, err)
}
