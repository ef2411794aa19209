package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labforge/labforge/internal/endpoint"
	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/labstore"
	"github.com/labforge/labforge/internal/netclient"
	"github.com/labforge/labforge/internal/orchestrator"
	"github.com/labforge/labforge/internal/runtime"
	"github.com/labforge/labforge/internal/runtime/compose"
	"github.com/labforge/labforge/internal/runtime/microvm"
	"github.com/labforge/labforge/internal/runtimeconfig"
	"github.com/labforge/labforge/internal/teardown"
	"github.com/labforge/labforge/internal/watchdog"
	"golang.org/x/time/rate"
)

func openStore(cfg runtimeconfig.Config) (*labstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return labstore.Open(labstore.Options{
		Path:              cfg.DatabasePath,
		MaxActivePerOwner: cfg.MaxActivePerOwner,
		ClaimTTL:          cfg.ClaimTTL(),
	})
}

func buildRuntimes(cfg runtimeconfig.Config, logger *log.Logger) runtime.Set {
	var runtimes []runtime.Runtime
	if cfg.Runtimes.ComposeEnabled() {
		c := cfg.Runtimes.Compose
		runtimes = append(runtimes, compose.New(compose.Options{
			Binary:             c.Binary,
			File:               c.File,
			StopTimeoutSeconds: c.StopTimeoutSeconds,
			Logger:             logger.With("subsystem", "compose"),
		}))
	}
	if cfg.Runtimes.MicroVMEnabled() {
		m := cfg.Runtimes.MicroVM
		runtimes = append(runtimes, microvm.New(microvm.Options{
			Binary:      m.BinaryPath,
			RunDir:      m.RunDir,
			KernelImage: m.KernelImage,
			RootFS:      m.RootFS,
			VCPUs:       m.VCPUs,
			MemoryMiB:   m.MemoryMiB,
			GuestCID:    m.GuestCID,
			HealthPort:  m.HealthPort,
			BootTimeout: seconds(m.BootSeconds),
			StopGrace:   seconds(m.StopGraceSeconds),
			Logger:      logger.With("subsystem", "microvm"),
		}))
	}
	return runtime.NewSet(runtimes...)
}

func dialNetwork(raw string) (*netclient.Client, endpoint.Endpoint, error) {
	ep, err := endpoint.Resolve(raw)
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}
	client, err := netclient.New(ep)
	if err != nil {
		return nil, ep, err
	}
	return client, ep, nil
}

func newOrchestrator(cfg runtimeconfig.Config, store *labstore.Store, runtimes runtime.Set, network orchestrator.Network, logger *log.Logger) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Options{
		Store:            store,
		Runtimes:         runtimes,
		Network:          network,
		Logger:           logger.With("subsystem", "orchestrator"),
		LabTTL:           cfg.LabTTL(),
		ProvisionTimeout: cfg.ProvisionTimeout(),
	})
}

func newWorker(cfg runtimeconfig.Config, store *labstore.Store, runtimes runtime.Set, network teardown.Network, logger *log.Logger) *teardown.Worker {
	t := cfg.Teardown
	w := &teardown.Worker{
		Store:          store,
		Runtimes:       runtimes,
		Network:        network,
		Logger:         logger.With("subsystem", "teardown"),
		BatchSize:      t.BatchSize,
		MaxAttempts:    t.MaxAttempts,
		InitialBackoff: t.InitialBackoff(),
		MaxBackoff:     t.MaxBackoff(),
		Concurrency:    t.Concurrency,
		DestroyTimeout: t.DestroyTimeout(),
	}
	if t.DestroyRatePerSecond > 0 {
		w.DestroyRate = rate.NewLimiter(rate.Limit(t.DestroyRatePerSecond), 1)
	}
	return w
}

type watchdogOverrides struct {
	OlderThanMinutes int64
	MaxLabs          int
	Action           string
	DryRun           bool
}

func newWatchdog(cfg runtimeconfig.Config, store *labstore.Store, runtimes runtime.Set, network watchdog.Network, logger *log.Logger, o watchdogOverrides) (*watchdog.Watchdog, error) {
	wc := cfg.Watchdog
	if o.OlderThanMinutes > 0 {
		wc.OlderThanMinutes = o.OlderThanMinutes
	}
	if o.MaxLabs > 0 {
		wc.MaxLabs = o.MaxLabs
	}
	if strings.TrimSpace(o.Action) != "" {
		wc.Action = o.Action
	}
	action, err := watchdog.ParseAction(wc.Action)
	if err != nil {
		return nil, err
	}
	return watchdog.New(watchdog.Options{
		Store:     store,
		Runtimes:  runtimes,
		Network:   network,
		Logger:    logger.With("subsystem", "watchdog"),
		OlderThan: wc.OlderThan(),
		MaxLabs:   wc.MaxLabs,
		Action:    action,
		DryRun:    o.DryRun,
	})
}

func joinKinds(kinds []lab.RuntimeKind) string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
