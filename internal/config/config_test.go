package config

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.AttemptWindow != 30*time.Minute {
		t.Errorf("AttemptWindow = %v, want 30m", cfg.AttemptWindow)
	}
	if cfg.ReleaseDaysOut != 7 {
		t.Errorf("ReleaseDaysOut = %d, want 7", cfg.ReleaseDaysOut)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SCHED_POLL_SECONDS", "2")
	t.Setenv("SCHED_MAX_ATTEMPTS", "3")
	t.Setenv("SCHED_BACKOFF_BASE_MS", "500")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.BackoffBase != 500*time.Millisecond {
		t.Errorf("BackoffBase = %v, want 500ms", cfg.BackoffBase)
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"SCHED_POLL_SECONDS":  "0",
		"SCHED_MAX_ATTEMPTS":  "-1",
		"SCHED_JITTER_FACTOR": "1.5",
		"PORTAL_RATE_PER_SEC": "0",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if _, err := FromEnv(); err == nil {
				t.Fatalf("want error for %s=%s", k, v)
			}
		})
	}
}

func TestCredEncKeyLength(t *testing.T) {
	t.Setenv("CRED_ENC_KEY", base64.StdEncoding.EncodeToString(make([]byte, 16)))
	if _, err := FromEnv(); err == nil {
		t.Fatal("want error for 16-byte key")
	}

	t.Setenv("CRED_ENC_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if len(cfg.CredEncKey) != 32 {
		t.Errorf("CredEncKey length = %d, want 32", len(cfg.CredEncKey))
	}
}
