package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/labforge/labforge/internal/paths"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "LABFORGE_CONFIG"

type Config struct {
	DatabasePath            string `yaml:"database_path"`
	MaxActivePerOwner       int    `yaml:"max_active_per_owner"`
	LabTTLMinutes           int64  `yaml:"lab_ttl_minutes"`
	ProvisionTimeoutSeconds int64  `yaml:"provision_timeout_seconds"`
	ClaimTTLSeconds         int64  `yaml:"claim_ttl_seconds"`
	// NetdEndpoint is where the unprivileged processes reach labforge-netd.
	NetdEndpoint string `yaml:"netd_endpoint"`

	Teardown TeardownConfig `yaml:"teardown"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Runtimes RuntimesConfig `yaml:"runtimes"`
	Netd     NetdConfig     `yaml:"netd"`
}

type TeardownConfig struct {
	Workers               int     `yaml:"workers"`
	BatchSize             int     `yaml:"batch_size"`
	MaxAttempts           int     `yaml:"max_attempts"`
	InitialBackoffSeconds float64 `yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     float64 `yaml:"max_backoff_seconds"`
	Concurrency           int     `yaml:"concurrency"`
	PollSeconds           int64   `yaml:"poll_seconds"`
	DestroyTimeoutSeconds int64   `yaml:"destroy_timeout_seconds"`
	// DestroyRatePerSecond caps destroy calls per worker; zero is unlimited.
	DestroyRatePerSecond float64 `yaml:"destroy_rate_per_second"`
}

type WatchdogConfig struct {
	OlderThanMinutes int64  `yaml:"older_than_minutes"`
	MaxLabs          int    `yaml:"max_labs"`
	Action           string `yaml:"action"`
	IntervalMinutes  int64  `yaml:"interval_minutes"`
}

type RuntimesConfig struct {
	Compose ComposeConfig `yaml:"compose"`
	MicroVM MicroVMConfig `yaml:"microvm"`
}

type ComposeConfig struct {
	Enabled            *bool  `yaml:"enabled"`
	Binary             string `yaml:"binary"`
	File               string `yaml:"file"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds"`
}

type MicroVMConfig struct {
	Enabled          *bool  `yaml:"enabled"`
	BinaryPath       string `yaml:"binary_path"`
	RunDir           string `yaml:"run_dir"`
	KernelImage      string `yaml:"kernel_image"`
	RootFS           string `yaml:"rootfs"`
	VCPUs            int64  `yaml:"vcpus"`
	MemoryMiB        int64  `yaml:"memory_mib"`
	GuestCID         uint32 `yaml:"guest_cid"`
	HealthPort       uint32 `yaml:"health_port"`
	BootSeconds      int64  `yaml:"boot_seconds"` // API socket readiness timeout
	StopGraceSeconds int64  `yaml:"stop_grace_seconds"`
}

type NetdConfig struct {
	Listen      string `yaml:"listen"`
	PoolCIDR    string `yaml:"pool_cidr"`
	TapOwner    int    `yaml:"tap_owner"`
	SocketGroup int    `yaml:"socket_group"`
}

func Default() Config {
	return Config{
		MaxActivePerOwner:       3,
		LabTTLMinutes:           120,
		ProvisionTimeoutSeconds: 300,
		ClaimTTLSeconds:         600,
		Teardown: TeardownConfig{
			Workers:               2,
			BatchSize:             10,
			MaxAttempts:           5,
			InitialBackoffSeconds: 1,
			MaxBackoffSeconds:     30,
			Concurrency:           4,
			PollSeconds:           5,
			DestroyTimeoutSeconds: 30,
		},
		Watchdog: WatchdogConfig{
			OlderThanMinutes: 30,
			MaxLabs:          20,
			Action:           "force",
			IntervalMinutes:  10,
		},
		Runtimes: RuntimesConfig{
			Compose: ComposeConfig{Binary: "docker", StopTimeoutSeconds: 10},
			MicroVM: MicroVMConfig{
				BinaryPath:       "firecracker",
				VCPUs:            2,
				MemoryMiB:        1024,
				GuestCID:         3,
				HealthPort:       10700,
				BootSeconds:      30,
				StopGraceSeconds: 10,
			},
		},
		Netd: NetdConfig{
			PoolCIDR:    "10.200.0.0/16",
			TapOwner:    -1,
			SocketGroup: -1,
		},
	}
}

func Path() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	return paths.ConfigPath()
}

// Load reads the config file over Default. A missing file is not an error.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.resolve()
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) resolve() error {
	c.DatabasePath = strings.TrimSpace(c.DatabasePath)
	if c.DatabasePath == "" {
		p, err := paths.DatabasePath()
		if err != nil {
			return err
		}
		c.DatabasePath = p
	}
	if c.Runtimes.MicroVM.RunDir == "" {
		dir, err := paths.RunBaseDir()
		if err != nil {
			return err
		}
		c.Runtimes.MicroVM.RunDir = dir
	}
	c.Watchdog.Action = strings.ToLower(strings.TrimSpace(c.Watchdog.Action))
	switch c.Watchdog.Action {
	case "", "force", "fail":
	default:
		return fmt.Errorf("watchdog.action must be force or fail, got %q", c.Watchdog.Action)
	}
	if c.MaxActivePerOwner < 0 {
		return fmt.Errorf("max_active_per_owner must not be negative, got %d", c.MaxActivePerOwner)
	}
	return c.checkTeardownBudget()
}

// watchdogDestroyBound matches the detached timeout the watchdog gives a forced destroy.
const watchdogDestroyBound = 2 * time.Minute

// checkTeardownBudget rejects settings where a worker's full retry sequence
// could outlast its claim. Unset values take the worker defaults.
func (c Config) checkTeardownBudget() error {
	d := Default()
	claimTTL := positiveOr(c.ClaimTTL(), d.ClaimTTL())
	if claimTTL <= watchdogDestroyBound {
		return fmt.Errorf("claim_ttl %s must exceed the watchdog's %s forced destroy bound", claimTTL, watchdogDestroyBound)
	}
	destroyTimeout := c.Teardown.DestroyTimeout()
	if destroyTimeout <= 0 {
		return fmt.Errorf("teardown.destroy_timeout_seconds must be positive, got %d", c.Teardown.DestroyTimeoutSeconds)
	}
	maxBackoff := positiveOr(c.Teardown.MaxBackoff(), d.Teardown.MaxBackoff())
	attempts := c.Teardown.MaxAttempts
	if attempts <= 0 {
		attempts = d.Teardown.MaxAttempts
	}
	budget := time.Duration(attempts) * (destroyTimeout + maxBackoff)
	if budget >= claimTTL {
		return fmt.Errorf("teardown budget %s (max_attempts %d x (destroy_timeout %s + max_backoff %s)) must be shorter than claim_ttl %s",
			budget, attempts, destroyTimeout, maxBackoff, claimTTL)
	}
	return nil
}

func positiveOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func (c Config) LabTTL() time.Duration {
	return time.Duration(c.LabTTLMinutes) * time.Minute
}

func (c Config) ProvisionTimeout() time.Duration {
	return time.Duration(c.ProvisionTimeoutSeconds) * time.Second
}

func (c Config) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

func (t TeardownConfig) InitialBackoff() time.Duration {
	return time.Duration(t.InitialBackoffSeconds * float64(time.Second))
}

func (t TeardownConfig) MaxBackoff() time.Duration {
	return time.Duration(t.MaxBackoffSeconds * float64(time.Second))
}

func (t TeardownConfig) PollInterval() time.Duration {
	return time.Duration(t.PollSeconds) * time.Second
}

func (t TeardownConfig) DestroyTimeout() time.Duration {
	return time.Duration(t.DestroyTimeoutSeconds) * time.Second
}

func (w WatchdogConfig) OlderThan() time.Duration {
	return time.Duration(w.OlderThanMinutes) * time.Minute
}

func (w WatchdogConfig) Interval() time.Duration {
	return time.Duration(w.IntervalMinutes) * time.Minute
}

// ComposeEnabled defaults to true.
func (r RuntimesConfig) ComposeEnabled() bool {
	return r.Compose.Enabled == nil || *r.Compose.Enabled
}

// MicroVMEnabled defaults to true only when a kernel and rootfs are configured.
func (r RuntimesConfig) MicroVMEnabled() bool {
	if r.MicroVM.Enabled != nil {
		return *r.MicroVM.Enabled
	}
	return r.MicroVM.KernelImage != "" && r.MicroVM.RootFS != ""
}
