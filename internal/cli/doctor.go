package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labforge/labforge/internal/hosttools"
	"github.com/labforge/labforge/internal/runtimeconfig"
)

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// netdProbeLabID is never allocated; the daemon answers not-found for it.
const netdProbeLabID = "lab_doctorprobe"

var resolveBinary = hosttools.ResolveBinary

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	checks := runDoctorChecks(ctx.Config, ctx.ConfigPath)
	failed := false
	for _, c := range checks {
		if c.Status == "fail" {
			failed = true
		}
	}

	if d.JSON {
		if err := writeJSON(ctx.Stdout, map[string]any{"checks": checks}); err != nil {
			return err
		}
	} else {
		color := false
		if f, ok := ctx.Stdout.(*os.File); ok {
			color = shouldUseANSI(f)
		}
		if _, err := fmt.Fprint(ctx.Stdout, renderDoctorReport(checks, color)); err != nil {
			return err
		}
	}
	if failed {
		return exitCodeError{code: 1}
	}
	return nil
}

func runDoctorChecks(cfg runtimeconfig.Config, configPath string) []doctorCheck {
	var checks []doctorCheck
	add := func(name, status, format string, args ...any) {
		checks = append(checks, doctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := os.Stat(configPath); err == nil {
		add("runtime_config", "pass", "using %s", configPath)
	} else {
		add("runtime_config", "warn", "no config at %s; using defaults", configPath)
	}

	if store, err := openStore(cfg); err != nil {
		add("database", "fail", "%v", err)
	} else {
		_ = store.Close()
		add("database", "pass", "opened %s", cfg.DatabasePath)
	}

	if cfg.Runtimes.ComposeEnabled() {
		if path, err := resolveBinary(cfg.Runtimes.Compose.Binary); err != nil {
			add("runtime_compose", "fail", "%v", err)
		} else {
			add("runtime_compose", "pass", "using %s", path)
		}
	} else {
		add("runtime_compose", "warn", "compose runtime disabled")
	}

	if cfg.Runtimes.MicroVMEnabled() {
		m := cfg.Runtimes.MicroVM
		if path, err := resolveBinary(m.BinaryPath); err != nil {
			add("runtime_microvm", "fail", "%v", err)
		} else {
			add("runtime_microvm", "pass", "using %s", path)
		}
		for _, asset := range []struct{ name, path string }{
			{name: "microvm_kernel", path: m.KernelImage},
			{name: "microvm_rootfs", path: m.RootFS},
		} {
			if _, err := os.Stat(asset.path); err != nil {
				add(asset.name, "fail", "%v", err)
			} else {
				add(asset.name, "pass", "found %s", asset.path)
			}
		}
	} else {
		add("runtime_microvm", "warn", "microvm runtime disabled (set runtimes.microvm.kernel_image and rootfs)")
	}

	client, ep, err := dialNetwork(cfg.NetdEndpoint)
	if err != nil {
		add("netd", "fail", "%v", err)
		return checks
	}
	probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := client.Status(probeCtx, netdProbeLabID); err != nil {
		add("netd", "fail", "%s: %v", endpointDisplay(ep), err)
	} else {
		add("netd", "pass", "reachable at %s", endpointDisplay(ep))
	}
	return checks
}
