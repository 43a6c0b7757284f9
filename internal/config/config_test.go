package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Locks.StaleAfter != 5*time.Minute {
		t.Errorf("Locks.StaleAfter = %v, want 5m", cfg.Locks.StaleAfter)
	}
	if cfg.Messaging.RateLimit != 10 {
		t.Errorf("Messaging.RateLimit = %d, want 10", cfg.Messaging.RateLimit)
	}
	if cfg.Messaging.RateWindow != time.Minute {
		t.Errorf("Messaging.RateWindow = %v, want 1m", cfg.Messaging.RateWindow)
	}
	if cfg.Messaging.AllowUnsigned {
		t.Error("Messaging.AllowUnsigned should be false by default")
	}
	if cfg.Ack.Timeout != 30*time.Second {
		t.Errorf("Ack.Timeout = %v, want 30s", cfg.Ack.Timeout)
	}
	if cfg.Ack.MaxRetries != 3 {
		t.Errorf("Ack.MaxRetries = %d, want 3", cfg.Ack.MaxRetries)
	}
	if !cfg.Ack.Escalate {
		t.Error("Ack.Escalate should be true by default")
	}
	if cfg.Consensus.Strategy != StrategySimpleMajority {
		t.Errorf("Consensus.Strategy = %q", cfg.Consensus.Strategy)
	}
}

func TestLoad_FromViper(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("locks.stale_after", "90s")
	viper.Set("ack.max_retries", 5)
	viper.Set("consensus.strategy", StrategyEvidenceBased)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Locks.StaleAfter != 90*time.Second {
		t.Errorf("Locks.StaleAfter = %v, want 90s", cfg.Locks.StaleAfter)
	}
	if cfg.Ack.MaxRetries != 5 {
		t.Errorf("Ack.MaxRetries = %d, want 5", cfg.Ack.MaxRetries)
	}
	if cfg.Consensus.Strategy != StrategyEvidenceBased {
		t.Errorf("Consensus.Strategy = %q", cfg.Consensus.Strategy)
	}
	if cfg.Messaging.RateLimit != 10 {
		t.Errorf("Messaging.RateLimit = %d, want default 10", cfg.Messaging.RateLimit)
	}
}

func TestLoad_InvalidReturnsValidationErrors(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("messaging.transport", "carrier-pigeon")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want validation errors")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) != 1 || verrs[0].Field != "messaging.transport" {
		t.Errorf("errors = %v", verrs)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("uses XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/switchboard" {
			t.Errorf("ConfigDir() = %q", got)
		}
	})

	t.Run("falls back to home", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, err := os.UserHomeDir()
		if err != nil {
			t.Skip("no home directory")
		}
		want := filepath.Join(home, ".config", "switchboard")
		if got := ConfigDir(); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/x")
	if got := ConfigFile(); got != "/x/switchboard/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestStatePaths(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.State.Dir = dir

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state", cfg.StateDir(), dir},
		{"locks", cfg.LocksDir(), filepath.Join(dir, "locks")},
		{"pending", cfg.PendingDir(), filepath.Join(dir, "pending")},
		{"rounds", cfg.RoundsDir(), filepath.Join(dir, "rounds")},
		{"inbox", cfg.InboxDir(), filepath.Join(dir, "inbox")},
		{"agents", cfg.AgentsFile(), filepath.Join(dir, "agents.yaml")},
		{"deliveries", cfg.DeliveryLogPath(), filepath.Join(dir, "deliveries.jsonl")},
		{"audit", cfg.AuditDBPath(), filepath.Join(dir, "audit.db")},
		{"secret", cfg.SecretFile(), filepath.Join(dir, "secret")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestStateDir_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg := Default()
	cfg.State.Dir = "~/sb-state"
	if got, want := cfg.StateDir(), filepath.Join(home, "sb-state"); got != want {
		t.Errorf("StateDir() = %q, want %q", got, want)
	}
}

func TestLockRoot_DefaultsToWorkingDirectory(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if got := Default().LockRoot(); got != wd {
		t.Errorf("LockRoot() = %q, want %q", got, wd)
	}
}
