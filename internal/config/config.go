// Package config loads process configuration from the environment
// (spec.md §6). There is no flag-based CLI surface: role selection and
// every tunable come from env vars, consistent with the process having no
// CLI beyond role selection.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sawpanic/binancepipe/internal/binance"
	"github.com/sawpanic/binancepipe/internal/cvd"
)

// Role selects which subset of the pipeline a process instance runs.
type Role string

const (
	RoleIngest    Role = "ingest"
	RoleAggregate Role = "aggregate"
	RoleAlert     Role = "alert"
)

// AggregatorSpec mirrors one entry of BINANCE_CVD_GROUPS (spec.md §6).
type AggregatorSpec struct {
	ID            string         `json:"id"`
	DisplayName   string         `json:"displayName"`
	Streams       []StreamSpec   `json:"streams"`
	AlertsEnabled bool           `json:"alertsEnabled"`
}

// StreamSpec is one stream entry within an AggregatorSpec.
type StreamSpec struct {
	Symbol     string `json:"symbol"`
	MarketType string `json:"marketType"`
	StreamType string `json:"streamType"`
}

// Config is the fully resolved process configuration.
type Config struct {
	Role Role

	DatabasePath string

	BackupEnabled  bool
	BackupPath     string
	BackupInterval time.Duration
	BackupSingleFile bool

	AssetStoreDir string

	RankedAssetListPath string

	RestURLs binance.BaseURLs
	WSURLs   binance.WSBaseURLs

	RateLimitBuffer        float64
	WSMaxSymbolsPerStream  int
	SymbolUpdateHourUTC    int

	CvdZScoreThreshold        float64
	CvdAggregationBatchSize   int
	CvdAggregationPollInterval time.Duration
	CvdAlertSuppressionMinutes int

	AlertQueuePollInterval time.Duration
	AlertQueueBatchSize    int
	AlertQueueMaxAttempts  int

	CvdGroups []AggregatorSpec

	DiscordWebhookURL string
}

// Load reads Config from the environment, applying spec.md §6 defaults.
// Configuration errors (a missing DISCORD_WEBHOOK_URL for the alert role,
// malformed BINANCE_CVD_GROUPS JSON, an unknown market type) are returned so
// the caller can treat them as fatal bootstrap failures (exit code 1, spec.md
// §7). Load does not check the webhook URL's shape; that is
// alert.ValidateWebhookURL.
func Load() (*Config, error) {
	c := &Config{
		Role: Role(envStr("BINANCE_PROCESS_ROLE", string(RoleIngest))),

		DatabasePath: envStr("DATABASE_PATH", defaultDatabasePath()),

		BackupEnabled:    envBool("DATABASE_BACKUP_ENABLED", true),
		BackupPath:       envStr("DATABASE_BACKUP_PATH", defaultBackupPath()),
		BackupInterval:   envDuration("DATABASE_BACKUP_INTERVAL_MS", 24*time.Hour),
		BackupSingleFile: envBool("DATABASE_BACKUP_SINGLE_FILE", false),

		AssetStoreDir: envStr("ASSET_STORE_DIR", defaultAssetStoreDir()),

		RankedAssetListPath: envStr("RANKED_ASSET_LIST_PATH", defaultRankedAssetListPath()),

		RestURLs: binance.BaseURLs{
			Spot:   envStr("BINANCE_REST_URL", binance.DefaultBaseURLs().Spot),
			USDTM:  envStr("BINANCE_USDM_REST_URL", binance.DefaultBaseURLs().USDTM),
			CoinM:  envStr("BINANCE_COINM_REST_URL", binance.DefaultBaseURLs().CoinM),
		},
		WSURLs: binance.WSBaseURLs{
			Spot:  envStr("BINANCE_SPOT_WS_URL", binance.DefaultWSBaseURLs().Spot),
			USDTM: envStr("BINANCE_USDM_WS_URL", binance.DefaultWSBaseURLs().USDTM),
			CoinM: envStr("BINANCE_COINM_WS_URL", binance.DefaultWSBaseURLs().CoinM),
		},

		RateLimitBuffer:       envFloat("RATE_LIMIT_BUFFER", 0.1),
		WSMaxSymbolsPerStream: envInt("WS_MAX_SYMBOLS_PER_STREAM", 300),
		SymbolUpdateHourUTC:   envInt("SYMBOL_UPDATE_HOUR_UTC", 1),

		CvdZScoreThreshold:         envFloat("CVD_ZSCORE_THRESHOLD", 2.0),
		CvdAggregationBatchSize:    envInt("CVD_AGGREGATION_BATCH_SIZE", 500),
		CvdAggregationPollInterval: envDuration("CVD_AGGREGATION_POLL_INTERVAL_MS", 2000*time.Millisecond),
		CvdAlertSuppressionMinutes: envInt("CVD_ALERT_SUPPRESSION_MINUTES", 30),

		AlertQueuePollInterval: envDuration("ALERT_QUEUE_POLL_INTERVAL_MS", 2000*time.Millisecond),
		AlertQueueBatchSize:    envInt("ALERT_QUEUE_BATCH_SIZE", 20),
		AlertQueueMaxAttempts:  envInt("ALERT_QUEUE_MAX_ATTEMPTS", 5),

		DiscordWebhookURL: envStr("DISCORD_WEBHOOK_URL", ""),
	}

	if c.CvdAggregationPollInterval < 500*time.Millisecond {
		c.CvdAggregationPollInterval = 500 * time.Millisecond
	}

	groups, err := loadCvdGroups(envStr("BINANCE_CVD_GROUPS", ""))
	if err != nil {
		return nil, fmt.Errorf("parse BINANCE_CVD_GROUPS: %w", err)
	}
	c.CvdGroups = groups

	if c.Role == RoleAlert && c.DiscordWebhookURL == "" {
		return nil, fmt.Errorf("DISCORD_WEBHOOK_URL is required when BINANCE_PROCESS_ROLE=alert")
	}

	return c, nil
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/workspace/crypto-data/data/binance.db"
}

func defaultBackupPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/workspace/crypto-data/data/backups"
}

func defaultAssetStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/workspace/crypto-data/data/assets"
}

func defaultRankedAssetListPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/workspace/crypto-data/data/ranked_assets.csv"
}

var defaultCvdGroups = []AggregatorSpec{
	{
		ID:            "btc-spot",
		DisplayName:   "BTC Spot CVD",
		AlertsEnabled: true,
		Streams: []StreamSpec{
			{Symbol: "BTCUSDT", MarketType: "SPOT", StreamType: "trade"},
		},
	},
}

func loadCvdGroups(raw string) ([]AggregatorSpec, error) {
	if raw == "" {
		return defaultCvdGroups, nil
	}
	var groups []AggregatorSpec
	if err := json.Unmarshal([]byte(raw), &groups); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	for _, g := range groups {
		for _, s := range g.Streams {
			switch s.MarketType {
			case "SPOT", "USDT-M", "COIN-M":
			default:
				return nil, fmt.Errorf("aggregator %s: unknown marketType %q", g.ID, s.MarketType)
			}
			switch s.StreamType {
			case "", "aggTrade", "trade":
			default:
				return nil, fmt.Errorf("aggregator %s: unknown streamType %q", g.ID, s.StreamType)
			}
		}
	}
	return groups, nil
}

// GateConfig builds the cvd.GateConfig this Config implies.
func (c *Config) GateConfig() cvd.GateConfig {
	return cvd.GateConfig{ThresholdLog: c.CvdZScoreThreshold}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
