package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envStorePath               = "QA_STORE_PATH"
	envPollInterval            = "QA_POLL_INTERVAL"
	envHTTPPort                = "QA_HTTP_PORT"
	envHealthCacheTTL          = "QA_HEALTH_CACHE_TTL"
	envFastTransitionThreshold = "QA_FAST_TRANSITION_THRESHOLD"
	envFastTransitionWindow    = "QA_FAST_TRANSITION_WINDOW"
	envMaxBackups              = "QA_MAX_BACKUPS"
	envLogLevel                = "QA_LOG_LEVEL"
	envSlackWebhookURL         = "QA_SLACK_WEBHOOK_URL"
	envAlertWebhookURL         = "QA_ALERT_WEBHOOK_URL"
	envAlertWebhookTemplate    = "QA_ALERT_WEBHOOK_TEMPLATE"
	envRPCURL                  = "QA_RPC_URL"
	envSafeAddress             = "QA_SAFE_ADDRESS"
	envMinBalanceWei           = "QA_MIN_BALANCE_WEI"
	envSpacesFile              = "QA_SPACES_FILE"
	envLegacyTrackerFile       = "QA_LEGACY_TRACKER_FILE"
	envDryRun                  = "QA_DRY_RUN"
)

const (
	defaultPollInterval            = 5 * time.Minute
	defaultHTTPPort                = 8716
	defaultHealthCacheTTL          = 10 * time.Second
	defaultFastTransitionThreshold = 500 * time.Millisecond
	defaultFastTransitionWindow    = 5
	defaultMaxBackups              = 5
	defaultLogLevel                = "info"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	StorePath               string
	PollInterval            time.Duration
	HTTPPort                int
	HealthCacheTTL          time.Duration
	FastTransitionThreshold time.Duration
	FastTransitionWindow    int
	MaxBackups              int
	LogLevel                string
	SlackWebhookURL         string
	AlertWebhookURL         string
	AlertWebhookTemplate    string
	RPCURL                  string
	SafeAddress             string
	MinBalanceWei           *big.Int
	SpacesFile              string
	LegacyTrackerFile       string
	DryRun                  bool
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		PollInterval:            defaultPollInterval,
		HTTPPort:                defaultHTTPPort,
		HealthCacheTTL:          defaultHealthCacheTTL,
		FastTransitionThreshold: defaultFastTransitionThreshold,
		FastTransitionWindow:    defaultFastTransitionWindow,
		MaxBackups:              defaultMaxBackups,
		LogLevel:                defaultLogLevel,
	}

	if value, ok := lookupTrimmed(envStorePath); ok {
		cfg.StorePath = value
	}

	if value, ok := lookupTrimmed(envPollInterval); ok {
		interval, err := parsePositiveDuration(value, envPollInterval)
		if err != nil {
			return Config{}, err
		}
		cfg.PollInterval = interval
	}

	if value, ok := lookupTrimmed(envHTTPPort); ok {
		port, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envHTTPPort, err)
		}
		if port < 1 || port > 65535 {
			return Config{}, fmt.Errorf("%s must be between 1 and 65535", envHTTPPort)
		}
		cfg.HTTPPort = port
	}

	if value, ok := lookupTrimmed(envHealthCacheTTL); ok {
		ttl, err := parsePositiveDuration(value, envHealthCacheTTL)
		if err != nil {
			return Config{}, err
		}
		cfg.HealthCacheTTL = ttl
	}

	if value, ok := lookupTrimmed(envFastTransitionThreshold); ok {
		threshold, err := parsePositiveDuration(value, envFastTransitionThreshold)
		if err != nil {
			return Config{}, err
		}
		cfg.FastTransitionThreshold = threshold
	}

	if value, ok := lookupTrimmed(envFastTransitionWindow); ok {
		window, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envFastTransitionWindow, err)
		}
		if window < 2 {
			return Config{}, fmt.Errorf("%s must be at least 2", envFastTransitionWindow)
		}
		cfg.FastTransitionWindow = window
	}

	if value, ok := lookupTrimmed(envMaxBackups); ok {
		backups, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envMaxBackups, err)
		}
		if backups < 1 {
			return Config{}, fmt.Errorf("%s must be at least 1", envMaxBackups)
		}
		cfg.MaxBackups = backups
	}

	if value, ok := lookupTrimmed(envLogLevel); ok {
		cfg.LogLevel = value
	}

	if value, ok := lookupTrimmed(envSlackWebhookURL); ok {
		cfg.SlackWebhookURL = value
	}

	if value, ok := lookupTrimmed(envAlertWebhookURL); ok {
		cfg.AlertWebhookURL = value
	}

	if value, ok := lookupTrimmed(envAlertWebhookTemplate); ok {
		cfg.AlertWebhookTemplate = value
	}

	if value, ok := lookupTrimmed(envRPCURL); ok {
		cfg.RPCURL = value
	}

	if value, ok := lookupTrimmed(envSafeAddress); ok {
		cfg.SafeAddress = value
	}

	if value, ok := lookupTrimmed(envMinBalanceWei); ok {
		wei, ok := new(big.Int).SetString(value, 10)
		if !ok || wei.Sign() < 0 {
			return Config{}, fmt.Errorf("invalid %s: must be a non-negative integer in wei", envMinBalanceWei)
		}
		cfg.MinBalanceWei = wei
	}

	if value, ok := lookupTrimmed(envSpacesFile); ok {
		cfg.SpacesFile = value
	}

	if value, ok := lookupTrimmed(envLegacyTrackerFile); ok {
		cfg.LegacyTrackerFile = value
	}

	if value, ok := lookupTrimmed(envDryRun); ok {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDryRun, err)
		}
		cfg.DryRun = dryRun
	}

	if cfg.RPCURL != "" {
		if err := validateURL(cfg.RPCURL, envRPCURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.RPCURL != "" && cfg.SafeAddress == "" {
		return Config{}, fmt.Errorf("%s is required when %s is set", envSafeAddress, envRPCURL)
	}

	return cfg, nil
}

func parsePositiveDuration(value, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}
	return d, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
