package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "BINANCE_PROCESS_ROLE", "CVD_ZSCORE_THRESHOLD", "BINANCE_CVD_GROUPS", "DISCORD_WEBHOOK_URL")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, RoleIngest, c.Role)
	require.Equal(t, 2.0, c.CvdZScoreThreshold)
	require.Equal(t, 2000*time.Millisecond, c.CvdAggregationPollInterval)
	require.Len(t, c.CvdGroups, 1)
	require.Equal(t, "btc-spot", c.CvdGroups[0].ID)
}

func TestLoad_PollIntervalFloorsAt500ms(t *testing.T) {
	clearEnv(t, "CVD_AGGREGATION_POLL_INTERVAL_MS")
	os.Setenv("CVD_AGGREGATION_POLL_INTERVAL_MS", "100")
	t.Cleanup(func() { os.Unsetenv("CVD_AGGREGATION_POLL_INTERVAL_MS") })

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, c.CvdAggregationPollInterval)
}

func TestLoad_AlertRoleRequiresWebhookURL(t *testing.T) {
	clearEnv(t, "BINANCE_PROCESS_ROLE", "DISCORD_WEBHOOK_URL")
	os.Setenv("BINANCE_PROCESS_ROLE", "alert")
	t.Cleanup(func() { os.Unsetenv("BINANCE_PROCESS_ROLE") })

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsMalformedCvdGroups(t *testing.T) {
	clearEnv(t, "BINANCE_CVD_GROUPS")
	os.Setenv("BINANCE_CVD_GROUPS", `[{"id":"x","streams":[{"symbol":"BTCUSDT","marketType":"BOGUS"}]}]`)
	t.Cleanup(func() { os.Unsetenv("BINANCE_CVD_GROUPS") })

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_ParsesValidCvdGroups(t *testing.T) {
	clearEnv(t, "BINANCE_CVD_GROUPS")
	os.Setenv("BINANCE_CVD_GROUPS", `[{"id":"eth-spot","streams":[{"symbol":"ETHUSDT","marketType":"SPOT","streamType":"aggTrade"}],"alertsEnabled":true}]`)
	t.Cleanup(func() { os.Unsetenv("BINANCE_CVD_GROUPS") })

	c, err := Load()
	require.NoError(t, err)
	require.Len(t, c.CvdGroups, 1)
	require.Equal(t, "eth-spot", c.CvdGroups[0].ID)
	require.True(t, c.CvdGroups[0].AlertsEnabled)
}
