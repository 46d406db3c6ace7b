// Package config loads the requestor configuration from the environment, an
// optional .env file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/paw-chain/crunch/types"
)

// Environment keys.
const (
	KeyPassTime              = "ONE_PASS_TIME"
	KeyPassCount             = "NUMBER_OF_PASSES"
	KeyPassTimeout           = "PASS_TIMEOUT"
	KeyCruncherVersion       = "CRUNCHER_VERSION"
	KeyAllocation            = "CRUNCHER_ALLOCATION"
	KeyUploadURLBase         = "UPLOAD_URL_BASE"
	KeyYagnaAPIURL           = "YAGNA_API_URL"
	KeyYagnaAppKey           = "YAGNA_APPKEY"
	KeyPaymentPlatform       = "PAYMENT_PLATFORM"
	KeyNegotiationTimeout    = "NEGOTIATION_TIMEOUT"
	KeyDemandRefreshInterval = "DEMAND_REFRESH_INTERVAL"
	KeyPublicKey             = "PROFANITY_PUBLIC_KEY"
	KeyMaxEnvPerHourPrice    = "MAX_ENV_PER_HOUR_PRICE"
	KeyMaxCPUPerHourPrice    = "MAX_CPU_PER_HOUR_PRICE"
	KeyMaxStartPrice         = "MAX_START_PRICE"
	KeyProviderExtraInfo     = "PROVIDER_EXTRA_INFO"
	KeyMetricsPort           = "METRICS_PORT"
	KeyOTLPEndpoint          = "OTLP_ENDPOINT"
	KeyRedisURL              = "REDIS_URL"
	KeyLogLevel              = "LOG_LEVEL"
	KeyLogFormat             = "LOG_FORMAT"
)

// DefaultPublicKey is the public key the workload's results are derived for.
const DefaultPublicKey = "79dc6f4a3a37adac9dbdf7073823e5596e96ec887eaa16cc01a531d04afd7e442d1e4606800b12d393e47146a5252fef6dced0492687b714515b698fa271c58e"

var defaults = map[string]any{
	KeyPassTime:              60,
	KeyPassCount:             10,
	KeyPassTimeout:           "0s",
	KeyCruncherVersion:       "prod-12.4.1",
	KeyAllocation:            "0.04",
	KeyUploadURLBase:         "https://addressology.ovh",
	KeyYagnaAPIURL:           "http://127.0.0.1:7465",
	KeyYagnaAppKey:           "",
	KeyPaymentPlatform:       "erc20-polygon-glm",
	KeyNegotiationTimeout:    "5m",
	KeyDemandRefreshInterval: "30m",
	KeyPublicKey:             DefaultPublicKey,
	KeyMaxEnvPerHourPrice:    "2.0",
	KeyMaxCPUPerHourPrice:    "0",
	KeyMaxStartPrice:         "0",
	KeyProviderExtraInfo:     "extra",
	KeyMetricsPort:           0,
	KeyOTLPEndpoint:          "",
	KeyRedisURL:              "",
	KeyLogLevel:              "info",
	KeyLogFormat:             "json",
}

// Config holds all requestor configuration
type Config struct {
	// Workload configuration
	PassDuration    time.Duration
	PassCount       int
	PassTimeout     time.Duration
	CruncherVersion string
	PublicKey       string

	// Funding configuration
	Budget          math.LegacyDec
	PaymentPlatform string

	// Marketplace configuration
	YagnaAPIURL           string
	YagnaAppKey           string
	NegotiationTimeout    time.Duration
	DemandRefreshInterval time.Duration
	Pricing               types.PriceCeilings

	// Ledger configuration
	UploadURLBase     string
	ProviderExtraInfo string
	RedisURL          string

	// Observability configuration
	MetricsPort  int
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
}

// NewViper returns a viper instance bound to the environment with every key
// defaulted.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	passSeconds, err := cast.ToIntE(v.Get(KeyPassTime))
	if err != nil {
		return nil, sdkerrors.Wrapf(types.ErrInvalidConfig, "%s: %v", KeyPassTime, err)
	}
	passCount, err := cast.ToIntE(v.Get(KeyPassCount))
	if err != nil {
		return nil, sdkerrors.Wrapf(types.ErrInvalidConfig, "%s: %v", KeyPassCount, err)
	}
	metricsPort, err := cast.ToIntE(v.Get(KeyMetricsPort))
	if err != nil {
		return nil, sdkerrors.Wrapf(types.ErrInvalidConfig, "%s: %v", KeyMetricsPort, err)
	}

	cfg := &Config{
		PassDuration:    time.Duration(passSeconds) * time.Second,
		PassCount:       passCount,
		CruncherVersion: strings.TrimSpace(v.GetString(KeyCruncherVersion)),
		PublicKey:       strings.TrimSpace(v.GetString(KeyPublicKey)),

		PaymentPlatform: v.GetString(KeyPaymentPlatform),

		YagnaAPIURL: v.GetString(KeyYagnaAPIURL),
		YagnaAppKey: v.GetString(KeyYagnaAppKey),

		UploadURLBase:     v.GetString(KeyUploadURLBase),
		ProviderExtraInfo: v.GetString(KeyProviderExtraInfo),
		RedisURL:          v.GetString(KeyRedisURL),

		MetricsPort:  metricsPort,
		OTLPEndpoint: v.GetString(KeyOTLPEndpoint),
		LogLevel:     strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:    strings.ToLower(v.GetString(KeyLogFormat)),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{KeyPassTimeout, &cfg.PassTimeout},
		{KeyNegotiationTimeout, &cfg.NegotiationTimeout},
		{KeyDemandRefreshInterval, &cfg.DemandRefreshInterval},
	}
	for _, d := range durations {
		parsed, err := cast.ToDurationE(v.Get(d.key))
		if err != nil {
			return nil, sdkerrors.Wrapf(types.ErrInvalidConfig, "%s: %v", d.key, err)
		}
		*d.dst = parsed
	}

	amounts := []struct {
		key string
		dst *math.LegacyDec
	}{
		{KeyAllocation, &cfg.Budget},
		{KeyMaxStartPrice, &cfg.Pricing.MaxStartPrice},
		{KeyMaxCPUPerHourPrice, &cfg.Pricing.MaxCPUPerHourPrice},
		{KeyMaxEnvPerHourPrice, &cfg.Pricing.MaxEnvPerHourPrice},
	}
	for _, a := range amounts {
		parsed, err := types.ParseAmount(cast.ToString(v.Get(a.key)))
		if err != nil {
			return nil, sdkerrors.Wrapf(types.ErrInvalidConfig, "%s: %v", a.key, err)
		}
		*a.dst = parsed
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.PassDuration < time.Second {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s must be at least 1 second", KeyPassTime)
	}
	if c.PassCount <= 0 {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s must be positive", KeyPassCount)
	}
	if c.PassTimeout < 0 {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s must not be negative", KeyPassTimeout)
	}
	if c.CruncherVersion == "" {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s is required", KeyCruncherVersion)
	}
	if c.Budget.IsNil() || !c.Budget.IsPositive() {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s must be positive", KeyAllocation)
	}
	if c.PaymentPlatform == "" {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s is required", KeyPaymentPlatform)
	}
	if c.NegotiationTimeout <= 0 {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s must be positive", KeyNegotiationTimeout)
	}
	if c.DemandRefreshInterval <= 0 {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s must be positive", KeyDemandRefreshInterval)
	}

	for key, price := range map[string]math.LegacyDec{
		KeyMaxStartPrice:      c.Pricing.MaxStartPrice,
		KeyMaxCPUPerHourPrice: c.Pricing.MaxCPUPerHourPrice,
		KeyMaxEnvPerHourPrice: c.Pricing.MaxEnvPerHourPrice,
	} {
		if price.IsNil() || price.IsNegative() {
			return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s must be zero or positive", key)
		}
	}

	for key, raw := range map[string]string{
		KeyUploadURLBase: c.UploadURLBase,
		KeyYagnaAPIURL:   c.YagnaAPIURL,
	} {
		if err := validateURL(raw); err != nil {
			return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s: %v", key, err)
		}
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s out of range", KeyMetricsPort)
	}
	switch c.LogFormat {
	case "json", "plain":
	default:
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "%s must be json or plain, got %q", KeyLogFormat, c.LogFormat)
	}

	if _, err := c.RentalPlan(); err != nil {
		return err
	}
	return nil
}

// RentalPlan returns the rental sizing for the configured passes.
func (c *Config) RentalPlan() (RentalPlan, error) {
	return NewRentalPlan(c.PassDuration, c.PassCount)
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
