package compose

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/netapi"
	"github.com/labforge/labforge/internal/runtime"
)

type fakeResult struct {
	output string
	err    error
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	envs    [][]string
	results map[string]fakeResult
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, env []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.envs = append(f.envs, env)
	res := f.results[strings.Join(args, " ")]
	return res.output, res.err
}

func newTestRuntime(results map[string]fakeResult) (*Runtime, *fakeRunner) {
	runner := &fakeRunner{results: results}
	rt := New(Options{File: "/etc/labforge/lab.yaml"})
	rt.runner = runner
	return rt, runner
}

func TestProvisionPassesLeaseEnv(t *testing.T) {
	t.Parallel()

	rt, runner := newTestRuntime(nil)
	h, err := rt.Provision(context.Background(), runtime.ProvisionRequest{
		LabID: "lab_1",
		Ref:   "lab-1",
		Lease: netapi.Lease{LabID: "lab_1", Bridge: "lfbaaaa", Device: "lftaaaa", GuestIP: "10.240.0.2", GatewayIP: "10.240.0.1", PrefixLength: 30},
	})
	if err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}
	if h.Ref != "lab-1" || h.Kind != lab.RuntimeCompose {
		t.Fatalf("handle = %+v", h)
	}
	if got, want := strings.Join(runner.calls[0], " "), "docker compose -p lab-1 -f /etc/labforge/lab.yaml up -d --wait"; got != want {
		t.Fatalf("command = %q, want %q", got, want)
	}
	env := strings.Join(runner.envs[0], "\n")
	for _, want := range []string{"LAB_ID=lab_1", "LAB_BRIDGE=lfbaaaa", "LAB_GUEST_IP=10.240.0.2", "LAB_PREFIX_LENGTH=30"} {
		if !strings.Contains(env, want) {
			t.Fatalf("env missing %q: %s", want, env)
		}
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	t.Parallel()

	rt, runner := newTestRuntime(map[string]fakeResult{
		"compose -p lab-1 down --volumes --remove-orphans --timeout 10": {output: "Warning: No resource found to remove for project \"lab-1\"."},
	})
	h := runtime.Handle{Kind: lab.RuntimeCompose, Ref: "lab-1"}
	for i := 0; i < 2; i++ {
		if err := rt.Destroy(context.Background(), h); err != nil {
			t.Fatalf("Destroy %d returned error: %v", i, err)
		}
	}
	if len(runner.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(runner.calls))
	}
}

func TestDestroyToleratesMissingProjectError(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(map[string]fakeResult{
		"compose -p lab-1 down --volumes --remove-orphans --timeout 10": {output: "no such project: lab-1", err: errors.New("exit status 1")},
	})
	if err := rt.Destroy(context.Background(), runtime.Handle{Ref: "lab-1"}); err != nil {
		t.Fatalf("Destroy returned error: %v", err)
	}
}

func TestDestroySurfacesDaemonErrors(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(map[string]fakeResult{
		"compose -p lab-1 down --volumes --remove-orphans --timeout 10": {output: "Cannot connect to the Docker daemon", err: errors.New("exit status 1")},
	})
	err := rt.Destroy(context.Background(), runtime.Handle{Ref: "lab-1"})
	if err == nil || !strings.Contains(err.Error(), "Cannot connect") {
		t.Fatalf("Destroy error = %v, want daemon error", err)
	}
	if err := rt.Destroy(context.Background(), runtime.Handle{}); !errors.Is(err, lab.ErrMissingResourceRef) {
		t.Fatalf("Destroy without ref error = %v, want ErrMissingResourceRef", err)
	}
}

func TestResourcesExist(t *testing.T) {
	t.Parallel()

	filter := "label=com.docker.compose.project=lab-1"
	rt, _ := newTestRuntime(map[string]fakeResult{
		"ps -a --filter " + filter + " -q":      {output: ""},
		"network ls --filter " + filter + " -q": {output: "3f2a9c\n"},
	})
	exists, err := rt.ResourcesExist(context.Background(), runtime.Handle{Ref: "lab-1"})
	if err != nil || !exists {
		t.Fatalf("ResourcesExist = %v, %v; want true", exists, err)
	}

	gone, _ := newTestRuntime(nil)
	exists, err = gone.ResourcesExist(context.Background(), runtime.Handle{Ref: "lab-1"})
	if err != nil || exists {
		t.Fatalf("ResourcesExist = %v, %v; want false", exists, err)
	}
}

func TestHealthCheckParsesBothFormats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		output string
		want   bool
	}{
		{name: "array", output: `[{"Name":"a","State":"running","Health":"healthy"}]`, want: true},
		{name: "lines", output: "{\"Name\":\"a\",\"State\":\"running\"}\n{\"Name\":\"b\",\"State\":\"running\",\"Health\":\"\"}\n", want: true},
		{name: "unhealthy", output: `{"Name":"a","State":"running","Health":"unhealthy"}`, want: false},
		{name: "exited", output: `{"Name":"a","State":"exited"}`, want: false},
		{name: "empty", output: "", want: false},
	}
	for _, tc := range cases {
		rt, _ := newTestRuntime(map[string]fakeResult{
			"compose -p lab-1 ps --format json": {output: tc.output},
		})
		got, err := rt.HealthCheck(context.Background(), runtime.Handle{Ref: "lab-1"})
		if err != nil {
			t.Fatalf("%s: HealthCheck returned error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: HealthCheck = %v, want %v", tc.name, got, tc.want)
		}
	}
}
