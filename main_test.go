package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := parseFlags(nil, nil, io.Discard)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != 6969 || cfg.Threads != 5 || !cfg.APIEnable {
			t.Errorf("unexpected defaults: %+v", cfg)
		}
		if cfg.AnnounceInterval != 1800*time.Second {
			t.Errorf("expected announce interval 30m, got %v", cfg.AnnounceInterval)
		}
		if cfg.APIKeys["admin"] != "127.0.0.1" {
			t.Errorf("expected default admin key, got %v", cfg.APIKeys)
		}
	})

	t.Run("port from env var", func(t *testing.T) {
		cfg, err := parseFlags(nil, []string{"UDPT__PORT=8080"}, io.Discard)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != 8080 {
			t.Errorf("expected port 8080, got %d", cfg.Port)
		}
	})

	t.Run("invalid env var is an error", func(t *testing.T) {
		_, err := parseFlags(nil, []string{"UDPT__PORT=invalid"}, io.Discard)
		if err == nil {
			t.Error("expected error for non-numeric port")
		}
	})

	t.Run("unknown env key is an error", func(t *testing.T) {
		_, err := parseFlags(nil, []string{"UDPT__NOPE=1"}, io.Discard)
		if err == nil {
			t.Error("expected error for unknown key")
		}
	})

	t.Run("unrelated env vars are ignored", func(t *testing.T) {
		_, err := parseFlags(nil, []string{"HOME=/root", "PATH=/bin", "UDPT_PORT=1"}, io.Discard)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("port from flag overrides env var", func(t *testing.T) {
		cfg, err := parseFlags([]string{"-port", "9000"}, []string{"UDPT__PORT=8080"}, io.Discard)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != 9000 {
			t.Errorf("expected port 9000, got %d", cfg.Port)
		}
	})

	t.Run("secret from env var and flag", func(t *testing.T) {
		env := []string{"UDPT__SECRET=env-secret"}
		cfg, _ := parseFlags(nil, env, io.Discard)
		if cfg.Secret != "env-secret" {
			t.Errorf("expected secret 'env-secret', got '%s'", cfg.Secret)
		}
		cfg, _ = parseFlags([]string{"-s", "flag-secret"}, env, io.Discard)
		if cfg.Secret != "flag-secret" {
			t.Errorf("expected secret 'flag-secret', got '%s'", cfg.Secret)
		}
	})

	t.Run("tracking mode and filters from env", func(t *testing.T) {
		env := []string{"UDPT__IS_DYNAMIC=1", "UDPT__ALLOW_REMOTES=false", "UDPT__ALLOW_IANA_IPS=0"}
		cfg, err := parseFlags(nil, env, io.Discard)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !cfg.IsDynamic || cfg.AllowRemotes || cfg.AllowIANAIPs {
			t.Errorf("unexpected flags: dynamic=%v remotes=%v iana=%v", cfg.IsDynamic, cfg.AllowRemotes, cfg.AllowIANAIPs)
		}
	})

	t.Run("intervals accept seconds and durations", func(t *testing.T) {
		cfg, err := parseFlags(
			[]string{"-cleanup-interval", "2m"},
			[]string{"UDPT__ANNOUNCE_INTERVAL=60"},
			io.Discard,
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.AnnounceInterval != time.Minute {
			t.Errorf("expected 1m, got %v", cfg.AnnounceInterval)
		}
		if cfg.CleanupInterval != 2*time.Minute {
			t.Errorf("expected 2m, got %v", cfg.CleanupInterval)
		}

		cfg, _ = parseFlags([]string{"-announce-interval", "900"}, nil, io.Discard)
		if cfg.AnnounceInterval != 15*time.Minute {
			t.Errorf("expected 15m, got %v", cfg.AnnounceInterval)
		}

		if _, err := parseFlags([]string{"-announce-interval", "soon"}, nil, io.Discard); err == nil {
			t.Error("expected error for bad interval")
		}
	})

	t.Run("api keys replace the default", func(t *testing.T) {
		cfg, err := parseFlags(nil, []string{"UDPT__API_KEYS=ops=10.0.0.5,ci=10.0.0.6"}, io.Discard)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cfg.APIKeys) != 2 || cfg.APIKeys["ops"] != "10.0.0.5" || cfg.APIKeys["ci"] != "10.0.0.6" {
			t.Errorf("unexpected api keys: %v", cfg.APIKeys)
		}

		cfg, _ = parseFlags([]string{"-api-keys", "root=::1"}, nil, io.Discard)
		if len(cfg.APIKeys) != 1 || cfg.APIKeys["root"] != "::1" {
			t.Errorf("unexpected api keys: %v", cfg.APIKeys)
		}

		if _, err := parseFlags([]string{"-api-keys", "broken"}, nil, io.Discard); err == nil {
			t.Error("expected error for malformed api key")
		}
	})

	t.Run("health check reply can be turned off", func(t *testing.T) {
		cfg, _ := parseFlags(nil, nil, io.Discard)
		if !cfg.HealthCheck {
			t.Error("expected health check on by default")
		}
		cfg, _ = parseFlags(nil, []string{"UDPT__HEALTH_CHECK=false"}, io.Discard)
		if cfg.HealthCheck {
			t.Error("expected health check off from env")
		}
		cfg, _ = parseFlags([]string{"-health-check=false"}, nil, io.Discard)
		if cfg.HealthCheck {
			t.Error("expected health check off from flag")
		}
	})

	t.Run("debug mode from env", func(t *testing.T) {
		cfg, _ := parseFlags(nil, []string{"DEBUG=1"}, io.Discard)
		if !cfg.Debug {
			t.Error("expected debug to be true")
		}
		cfg, _ = parseFlags(nil, []string{"UDPT__DEBUG=true"}, io.Discard)
		if !cfg.Debug {
			t.Error("expected debug to be true")
		}
	})

	t.Run("debug mode from flag", func(t *testing.T) {
		cfg, _ := parseFlags([]string{"-d"}, nil, io.Discard)
		if !cfg.Debug {
			t.Error("expected debug to be true")
		}
	})

	t.Run("version flag", func(t *testing.T) {
		cfg, err := parseFlags([]string{"-v"}, nil, io.Discard)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !cfg.showVersion {
			t.Error("expected showVersion to be true")
		}
	})

	t.Run("help", func(t *testing.T) {
		_, err := parseFlags([]string{"-h"}, nil, io.Discard)
		if !errors.Is(err, flag.ErrHelp) {
			t.Errorf("expected flag.ErrHelp, got %v", err)
		}
	})

	t.Run("secret is left empty when not provided", func(t *testing.T) {
		cfg, _ := parseFlags(nil, nil, io.Discard)
		if cfg.Secret != "" {
			t.Errorf("expected empty secret, got '%s'", cfg.Secret)
		}
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitFailure},
		{&StartError{Kind: StartSocketFailed, Err: errors.New("x")}, 2},
		{&StartError{Kind: StartBindFailed, Err: errors.New("x")}, 3},
		{fmt.Errorf("wrapped: %w", &StartError{Kind: StartStorageFailed, Err: errors.New("x")}), 4},
		{&StartError{Kind: StartConfigInvalid, Err: errors.New("x")}, 5},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	if got := run([]string{"-no-such-flag"}); got != StartConfigInvalid.ExitCode() {
		t.Errorf("expected exit code %d, got %d", StartConfigInvalid.ExitCode(), got)
	}
}
