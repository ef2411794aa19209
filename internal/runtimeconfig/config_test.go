package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv(EnvConfigPath, filepath.Join(tmp, "missing.yaml"))
	t.Setenv("XDG_STATE_HOME", tmp)

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got, want := cfg.MaxActivePerOwner, 3; got != want {
		t.Fatalf("unexpected quota: got %d want %d", got, want)
	}
	if got, want := cfg.Teardown.DestroyTimeout(), 30*time.Second; got != want {
		t.Fatalf("unexpected destroy timeout: got %s want %s", got, want)
	}
	if got, want := cfg.Watchdog.OlderThan(), 30*time.Minute; got != want {
		t.Fatalf("unexpected watchdog threshold: got %s want %s", got, want)
	}
	if got, want := cfg.DatabasePath, filepath.Join(tmp, "labforge", "labs.db"); got != want {
		t.Fatalf("unexpected database path: got %q want %q", got, want)
	}
	if !cfg.Runtimes.ComposeEnabled() || cfg.Runtimes.MicroVMEnabled() {
		t.Fatalf("unexpected runtime defaults: compose %v microvm %v", cfg.Runtimes.ComposeEnabled(), cfg.Runtimes.MicroVMEnabled())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv(EnvConfigPath, "")
	configPath := filepath.Join(tmp, "labforge", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}

	content := `database_path: /srv/labforge/labs.db
max_active_per_owner: 5
lab_ttl_minutes: 45
teardown:
  max_attempts: 8
  initial_backoff_seconds: 0.5
watchdog:
  action: FAIL
runtimes:
  microvm:
    kernel_image: /srv/vmlinux
    rootfs: /srv/rootfs.ext4
netd:
  pool_cidr: 10.50.0.0/20
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if path != configPath {
		t.Fatalf("unexpected path: got %q want %q", path, configPath)
	}
	if got, want := cfg.DatabasePath, "/srv/labforge/labs.db"; got != want {
		t.Fatalf("unexpected database path: got %q want %q", got, want)
	}
	if got, want := cfg.LabTTL(), 45*time.Minute; got != want {
		t.Fatalf("unexpected lab ttl: got %s want %s", got, want)
	}
	if got, want := cfg.Teardown.InitialBackoff(), 500*time.Millisecond; got != want {
		t.Fatalf("unexpected initial backoff: got %s want %s", got, want)
	}
	if got, want := cfg.Teardown.BatchSize, 10; got != want {
		t.Fatalf("default batch size lost: got %d want %d", got, want)
	}
	if got, want := cfg.Watchdog.Action, "fail"; got != want {
		t.Fatalf("unexpected watchdog action: got %q want %q", got, want)
	}
	if !cfg.Runtimes.MicroVMEnabled() {
		t.Fatal("expected microvm runtime to be enabled once kernel and rootfs are set")
	}
	if got, want := cfg.Netd.PoolCIDR, "10.50.0.0/20"; got != want {
		t.Fatalf("unexpected pool: got %q want %q", got, want)
	}
}

func TestLoadRejectsUnknownWatchdogAction(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("watchdog:\n  action: delete\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("XDG_STATE_HOME", tmp)

	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("expected error for unknown watchdog action")
	}
}

func TestLoadRejectsTeardownBudgetOverClaimTTL(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_STATE_HOME", tmp)

	cases := map[string]string{
		"budget over ttl":    "claim_ttl_seconds: 300\nteardown:\n  max_attempts: 5\n  destroy_timeout_seconds: 50\n  max_backoff_seconds: 20\n",
		"budget equals ttl":  "claim_ttl_seconds: 300\nteardown:\n  max_attempts: 5\n  destroy_timeout_seconds: 30\n  max_backoff_seconds: 30\n",
		"unbounded destroy":  "teardown:\n  destroy_timeout_seconds: 0\n",
		"ttl under watchdog": "claim_ttl_seconds: 120\nteardown:\n  max_attempts: 1\n  destroy_timeout_seconds: 10\n  max_backoff_seconds: 10\n",
	}
	for name, content := range cases {
		configPath := filepath.Join(tmp, "bad.yaml")
		if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := LoadFile(configPath); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	configPath := filepath.Join(tmp, "ok.yaml")
	if err := os.WriteFile(configPath, []byte("claim_ttl_seconds: 300\nteardown:\n  max_attempts: 4\n  destroy_timeout_seconds: 30\n  max_backoff_seconds: 30\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(configPath); err != nil {
		t.Fatalf("LoadFile returned error for budget under ttl: %v", err)
	}
}
