package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidationAndDefaults(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		want    Config
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			want: Config{
				PollInterval:            defaultPollInterval,
				HTTPPort:                defaultHTTPPort,
				HealthCacheTTL:          defaultHealthCacheTTL,
				FastTransitionThreshold: defaultFastTransitionThreshold,
				FastTransitionWindow:    defaultFastTransitionWindow,
				MaxBackups:              defaultMaxBackups,
				LogLevel:                defaultLogLevel,
			},
		},
		{
			name: "invalid poll interval",
			env: map[string]string{
				envPollInterval: "nope",
			},
			wantErr: true,
		},
		{
			name: "zero poll interval",
			env: map[string]string{
				envPollInterval: "0s",
			},
			wantErr: true,
		},
		{
			name: "negative poll interval",
			env: map[string]string{
				envPollInterval: "-5s",
			},
			wantErr: true,
		},
		{
			name: "invalid http port",
			env: map[string]string{
				envHTTPPort: "99999",
			},
			wantErr: true,
		},
		{
			name: "fast transition window too small",
			env: map[string]string{
				envFastTransitionWindow: "1",
			},
			wantErr: true,
		},
		{
			name: "zero health cache ttl",
			env: map[string]string{
				envHealthCacheTTL: "0s",
			},
			wantErr: true,
		},
		{
			name: "invalid max backups",
			env: map[string]string{
				envMaxBackups: "0",
			},
			wantErr: true,
		},
		{
			name: "rpc url without scheme",
			env: map[string]string{
				envRPCURL:      "rpc.gnosischain.com",
				envSafeAddress: "0xSafe",
			},
			wantErr: true,
		},
		{
			name: "rpc url requires safe address",
			env: map[string]string{
				envRPCURL: "https://rpc.gnosischain.com",
			},
			wantErr: true,
		},
		{
			name: "invalid min balance",
			env: map[string]string{
				envMinBalanceWei: "-5",
			},
			wantErr: true,
		},
		{
			name: "invalid dry run",
			env: map[string]string{
				envDryRun: "maybe",
			},
			wantErr: true,
		},
		{
			name: "custom store path and poll interval",
			env: map[string]string{
				envStorePath:    "/var/lib/quorum-agent",
				envPollInterval: "45s",
				envLogLevel:     "debug",
			},
			want: Config{
				StorePath:               "/var/lib/quorum-agent",
				PollInterval:            45 * time.Second,
				HTTPPort:                defaultHTTPPort,
				HealthCacheTTL:          defaultHealthCacheTTL,
				FastTransitionThreshold: defaultFastTransitionThreshold,
				FastTransitionWindow:    defaultFastTransitionWindow,
				MaxBackups:              defaultMaxBackups,
				LogLevel:                "debug",
			},
		},
		{
			name: "slack webhook configured",
			env: map[string]string{
				envSlackWebhookURL: "https://hooks.slack.com/services/T00/B00/XXX",
			},
			want: Config{
				PollInterval:            defaultPollInterval,
				HTTPPort:                defaultHTTPPort,
				HealthCacheTTL:          defaultHealthCacheTTL,
				FastTransitionThreshold: defaultFastTransitionThreshold,
				FastTransitionWindow:    defaultFastTransitionWindow,
				MaxBackups:              defaultMaxBackups,
				LogLevel:                defaultLogLevel,
				SlackWebhookURL:         "https://hooks.slack.com/services/T00/B00/XXX",
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			restoreDir := mustChdir(t, tmpDir)
			defer restoreDir()

			for key, value := range tc.env {
				t.Setenv(key, value)
			}

			got, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got != tc.want {
				t.Fatalf("unexpected config: %+v", got)
			}
		})
	}
}

func TestLoad_MinBalanceParsed(t *testing.T) {
	tmpDir := t.TempDir()
	restoreDir := mustChdir(t, tmpDir)
	defer restoreDir()

	t.Setenv(envMinBalanceWei, "10000000000000000")

	got, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MinBalanceWei == nil || got.MinBalanceWei.String() != "10000000000000000" {
		t.Fatalf("unexpected min balance: %v", got.MinBalanceWei)
	}
}

func TestLoad_DotEnvAndEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	restoreDir := mustChdir(t, tmpDir)
	defer restoreDir()

	dotenv := []byte(`
# example .env
QA_STORE_PATH=/from/dotenv
QA_SLACK_WEBHOOK_URL=https://hooks.slack.com/services/test
QA_LOG_LEVEL=warn
`)

	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), dotenv, 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv(envStorePath, "/from/env")
	t.Setenv(envLogLevel, "debug")

	got, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.StorePath != "/from/env" {
		t.Fatalf("store path did not prefer env: %s", got.StorePath)
	}
	if got.LogLevel != "debug" {
		t.Fatalf("log level did not prefer env: %s", got.LogLevel)
	}
	if got.SlackWebhookURL != "https://hooks.slack.com/services/test" {
		t.Fatalf("slack webhook url not loaded from .env: %s", got.SlackWebhookURL)
	}
	if got.PollInterval != defaultPollInterval {
		t.Fatalf("unexpected poll interval: %s", got.PollInterval)
	}
}

func mustChdir(t *testing.T, dir string) func() {
	t.Helper()
	original, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return func() {
		if err := os.Chdir(original); err != nil {
			t.Fatalf("restore dir: %v", err)
		}
	}
}
