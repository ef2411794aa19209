package cli

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDoctorReportsUnreachableNetd(t *testing.T) {
	setupConfig(t, "")
	old := resolveBinary
	t.Cleanup(func() { resolveBinary = old })
	resolveBinary = func(binary string) (string, error) {
		if binary == "docker" {
			return "/usr/bin/docker", nil
		}
		return "", errors.New(binary + " not found in PATH")
	}

	out, err := runCLI(t, "doctor", "--json")
	if got := ExitCode(err); got != 1 {
		t.Fatalf("ExitCode(%v) = %d, want 1", err, got)
	}
	var report struct {
		Checks []doctorCheck `json:"checks"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode doctor output %q: %v", out, err)
	}
	statuses := map[string]string{}
	for _, c := range report.Checks {
		statuses[c.Name] = c.Status
	}
	want := map[string]string{
		"runtime_config":  "pass",
		"database":        "pass",
		"runtime_compose": "pass",
		"runtime_microvm": "warn",
		"netd":            "fail",
	}
	for name, status := range want {
		if statuses[name] != status {
			t.Fatalf("check %s = %q, want %q (all: %v)", name, statuses[name], status, statuses)
		}
	}
}

func TestRenderDoctorReportPlain(t *testing.T) {
	out := renderDoctorReport([]doctorCheck{
		{Name: "runtime_config", Status: "pass", Message: "using /tmp/config.yaml"},
		{Name: "runtime_microvm", Status: "warn", Message: "disabled"},
	}, false)

	if !strings.Contains(out, "✓ [pass] runtime_config: using /tmp/config.yaml") {
		t.Fatalf("missing pass line: %q", out)
	}
	if !strings.Contains(out, "! [warn] runtime_microvm: disabled") {
		t.Fatalf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "summary: 1 pass, 1 warn, 0 fail") {
		t.Fatalf("missing summary line: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output should not contain ANSI escapes: %q", out)
	}
}
