package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.45, cfg.Gate.MinORMScore)
	assert.Equal(t, 2, cfg.Gate.MinSignalCount)
	assert.Equal(t, 0.65, cfg.Gate.MinBaseScore)
	assert.Equal(t, 7, cfg.Boost.WindowDays)
	assert.Equal(t, 0.15, cfg.Boost.SecondSeen)
	assert.Equal(t, 0.30, cfg.Boost.ThirdSeen)
	assert.Equal(t, 3, cfg.Ranking.TopN)
	assert.Equal(t, 3, cfg.Orders.MaxAttempts)
	assert.Equal(t, 2, cfg.Orders.BackoffSeconds)
	assert.Equal(t, 5, cfg.Orders.ContractsPerTrade)
	assert.Equal(t, 0.50, cfg.Risk.StopLossPct)
	assert.Equal(t, 2.0, cfg.Risk.PartialProfitMult)
	assert.Equal(t, 3.0, cfg.Risk.TakeProfitMult)
	assert.Equal(t, "08:30", cfg.ScanTimePre)
	assert.Equal(t, "09:35", cfg.ScanTimeAM)
	assert.Equal(t, "15:15", cfg.ScanTimePM)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("GATE_MIN_ORM_SCORE", "0.5")
	t.Setenv("TOP_N_PICKS", "5")
	t.Setenv("ENGINE_PRIORITY", "flow, orm ,momentum")
	t.Setenv("STOP_LOSS_PCT", "0.4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Gate.MinORMScore)
	assert.Equal(t, 5, cfg.Ranking.TopN)
	assert.Equal(t, []string{"flow", "orm", "momentum"}, cfg.Ranking.EnginePriority)
	assert.Equal(t, 0.4, cfg.Risk.StopLossPct)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"typo in float", "STOP_LOSS_PCT", "o.5"},
		{"non-numeric int", "ORDER_MAX_ATTEMPTS", "three"},
		{"non-boolean", "DEV_MODE", "yep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
			assert.Contains(t, err.Error(), tt.value)
		})
	}
}

func TestLoadReportsAllMalformedValues(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("STOP_LOSS_PCT", "o.5")
	t.Setenv("BOOST_WINDOW_DAYS", "week")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STOP_LOSS_PCT")
	assert.Contains(t, err.Error(), "BOOST_WINDOW_DAYS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "orm score out of range",
			mutate:  func(c *Config) { c.Gate.MinORMScore = 1.5 },
			wantErr: "GATE_MIN_ORM_SCORE",
		},
		{
			name:    "negative signal count",
			mutate:  func(c *Config) { c.Gate.MinSignalCount = -1 },
			wantErr: "GATE_MIN_SIGNAL_COUNT",
		},
		{
			name:    "zero top n",
			mutate:  func(c *Config) { c.Ranking.TopN = 0 },
			wantErr: "TOP_N_PICKS",
		},
		{
			name:    "stop loss at 100 percent",
			mutate:  func(c *Config) { c.Risk.StopLossPct = 1.0 },
			wantErr: "STOP_LOSS_PCT",
		},
		{
			name: "partial profit above take profit",
			mutate: func(c *Config) {
				c.Risk.PartialProfitMult = 4.0
				c.Risk.TakeProfitMult = 3.0
			},
			wantErr: "PARTIAL_PROFIT_MULTIPLE",
		},
		{
			name: "backup enabled without bucket",
			mutate: func(c *Config) {
				c.Backup.Enabled = true
				c.Backup.Bucket = ""
			},
			wantErr: "BACKUP_S3_BUCKET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATA_DIR", t.TempDir())
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
