package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/crunch/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60*time.Second, cfg.PassDuration)
	assert.Equal(t, 10, cfg.PassCount)
	assert.Zero(t, cfg.PassTimeout)
	assert.Equal(t, "prod-12.4.1", cfg.CruncherVersion)
	assert.True(t, cfg.Budget.Equal(math.LegacyMustNewDecFromStr("0.04")))
	assert.Equal(t, "https://addressology.ovh", cfg.UploadURLBase)
	assert.Equal(t, "erc20-polygon-glm", cfg.PaymentPlatform)
	assert.Equal(t, 5*time.Minute, cfg.NegotiationTimeout)
	assert.Equal(t, 30*time.Minute, cfg.DemandRefreshInterval)
	assert.True(t, cfg.Pricing.MaxEnvPerHourPrice.Equal(math.LegacyNewDec(2)))
	assert.True(t, cfg.Pricing.MaxCPUPerHourPrice.IsZero())
	assert.True(t, cfg.Pricing.MaxStartPrice.IsZero())
	assert.Equal(t, "extra", cfg.ProviderExtraInfo)
	assert.Equal(t, DefaultPublicKey, cfg.PublicKey)
	assert.Zero(t, cfg.MetricsPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ONE_PASS_TIME", "1")
	t.Setenv("NUMBER_OF_PASSES", "2")
	t.Setenv("CRUNCHER_VERSION", "test-1.0")
	t.Setenv("CRUNCHER_ALLOCATION", "0.5")
	t.Setenv("UPLOAD_URL_BASE", "http://ledger.local:8080")
	t.Setenv("PASS_TIMEOUT", "90s")
	t.Setenv("MAX_ENV_PER_HOUR_PRICE", "0.75")
	t.Setenv("METRICS_PORT", "9464")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Second, cfg.PassDuration)
	assert.Equal(t, 2, cfg.PassCount)
	assert.Equal(t, 90*time.Second, cfg.PassTimeout)
	assert.Equal(t, "test-1.0", cfg.CruncherVersion)
	assert.True(t, cfg.Budget.Equal(math.LegacyMustNewDecFromStr("0.5")))
	assert.Equal(t, "http://ledger.local:8080", cfg.UploadURLBase)
	assert.True(t, cfg.Pricing.MaxEnvPerHourPrice.Equal(math.LegacyMustNewDecFromStr("0.75")))
	assert.Equal(t, 9464, cfg.MetricsPort)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{KeyPassTime, "sixty"},
		{KeyPassCount, "ten"},
		{KeyAllocation, "lots"},
		{KeyNegotiationTimeout, "soon"},
		{KeyMaxStartPrice, "free"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(NewViper())
			require.ErrorIs(t, err, types.ErrInvalidConfig)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(NewViper())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero pass duration", mutate: func(c *Config) { c.PassDuration = 0 }},
		{name: "zero passes", mutate: func(c *Config) { c.PassCount = 0 }},
		{name: "negative pass timeout", mutate: func(c *Config) { c.PassTimeout = -time.Second }},
		{name: "missing version", mutate: func(c *Config) { c.CruncherVersion = "" }},
		{name: "zero budget", mutate: func(c *Config) { c.Budget = math.LegacyZeroDec() }},
		{name: "negative ceiling", mutate: func(c *Config) { c.Pricing.MaxEnvPerHourPrice = math.LegacyNewDec(-1) }},
		{name: "missing platform", mutate: func(c *Config) { c.PaymentPlatform = "" }},
		{name: "zero negotiation timeout", mutate: func(c *Config) { c.NegotiationTimeout = 0 }},
		{name: "zero refresh interval", mutate: func(c *Config) { c.DemandRefreshInterval = 0 }},
		{name: "bad ledger url", mutate: func(c *Config) { c.UploadURLBase = "ftp://ledger" }},
		{name: "missing yagna url", mutate: func(c *Config) { c.YagnaAPIURL = "" }},
		{name: "metrics port out of range", mutate: func(c *Config) { c.MetricsPort = 70000 }},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "CRUNCH_DOTENV_TEST_KEY"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=from-file\n"), 0o600))

	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "from-file", os.Getenv(key))
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}
