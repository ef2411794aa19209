package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/labstore"
	"github.com/labforge/labforge/internal/netapi"
	"github.com/labforge/labforge/internal/runtime"
	"github.com/labforge/labforge/internal/runtime/runtimetest"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeNetwork struct {
	mu       sync.Mutex
	err      error
	block    bool
	allocate []string
}

func (n *fakeNetwork) Allocate(ctx context.Context, labID string) (netapi.Lease, error) {
	n.mu.Lock()
	n.allocate = append(n.allocate, labID)
	err, block := n.err, n.block
	n.mu.Unlock()
	if block {
		<-ctx.Done()
		return netapi.Lease{}, ctx.Err()
	}
	if err != nil {
		return netapi.Lease{}, err
	}
	return netapi.Lease{
		LabID:        labID,
		Bridge:       "lfb0",
		Device:       "lft0",
		GuestIP:      "10.200.0.2",
		GatewayIP:    "10.200.0.1",
		PrefixLength: 30,
		State:        netapi.LeaseAllocated,
	}, nil
}

func newTestOrchestrator(t *testing.T, network Network, runtimes ...runtime.Runtime) (*Orchestrator, *labstore.Store) {
	t.Helper()
	var seq atomic.Int64
	store, err := labstore.Open(labstore.Options{
		Path:              filepath.Join(t.TempDir(), "labs.db"),
		MaxActivePerOwner: 3,
		Now:               func() time.Time { return testNow },
		NewID:             func() string { return fmt.Sprintf("lab_%04d", seq.Add(1)) },
	})
	if err != nil {
		t.Fatalf("labstore.Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	o, err := New(Options{
		ID:       "orchestrator-test",
		Store:    store,
		Runtimes: runtime.NewSet(runtimes...),
		Network:  network,
		LabTTL:   time.Hour,
		Now:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return o, store
}

func TestStartQueuedProvisionsToRunning(t *testing.T) {
	t.Parallel()

	rt := runtimetest.New(lab.RuntimeCompose)
	o, store := newTestOrchestrator(t, &fakeNetwork{}, rt)
	ctx := context.Background()

	admitted, err := o.Admit(ctx, "owner-1", "compose")
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	report, err := o.StartQueued(ctx, 0)
	if err != nil {
		t.Fatalf("StartQueued returned error: %v", err)
	}
	if len(report.Started) != 1 || report.Started[0] != admitted.ID {
		t.Fatalf("started = %v, want [%s]", report.Started, admitted.ID)
	}

	got, err := store.Get(ctx, admitted.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != lab.StatusRunning {
		t.Fatalf("status = %s, want %s", got.Status, lab.StatusRunning)
	}
	if got.ResourceRef != "lab-0001" {
		t.Fatalf("resource ref = %q, want %q", got.ResourceRef, "lab-0001")
	}
	if got.NetworkLeaseRef != admitted.ID {
		t.Fatalf("network lease ref = %q, want %q", got.NetworkLeaseRef, admitted.ID)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("expires_at = %v, want %s", got.ExpiresAt, testNow.Add(time.Hour))
	}
	if got.ClaimedBy != "" {
		t.Fatalf("claimed_by = %q, want cleared claim", got.ClaimedBy)
	}
	if !rt.Live("lab-0001") {
		t.Fatal("expected runtime resources to exist after provisioning")
	}
}

func TestStartQueuedProvisionFailureMovesToEnding(t *testing.T) {
	t.Parallel()

	rt := runtimetest.New(lab.RuntimeMicroVM)
	rt.ProvisionHook = func(context.Context, runtime.ProvisionRequest) error {
		return errors.New("kernel image missing")
	}
	o, store := newTestOrchestrator(t, &fakeNetwork{}, rt)
	ctx := context.Background()

	admitted, err := o.Admit(ctx, "owner-1", "microvm")
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	report, err := o.StartQueued(ctx, 10)
	if err != nil {
		t.Fatalf("StartQueued returned error: %v", err)
	}
	if len(report.Failed) != 1 || len(report.Started) != 0 {
		t.Fatalf("report = %+v, want one failed lab", report)
	}

	got, err := store.Get(ctx, admitted.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != lab.StatusEnding {
		t.Fatalf("status = %s, want %s", got.Status, lab.StatusEnding)
	}
	if !strings.Contains(got.FailureReason, "kernel image missing") {
		t.Fatalf("failure reason = %q, want provisioning error", got.FailureReason)
	}
	if got.ResourceRef != "vm-0001" {
		t.Fatalf("resource ref = %q, want refs recorded before provisioning", got.ResourceRef)
	}
	if got.FinalStatus() != lab.StatusFailed {
		t.Fatalf("final status = %s, want %s", got.FinalStatus(), lab.StatusFailed)
	}
}

func TestStartQueuedAllocationTimeout(t *testing.T) {
	t.Parallel()

	rt := runtimetest.New(lab.RuntimeCompose)
	o, store := newTestOrchestrator(t, &fakeNetwork{block: true}, rt)
	o.provisionTimeout = 20 * time.Millisecond
	ctx := context.Background()

	admitted, err := o.Admit(ctx, "owner-1", "compose")
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if _, err := o.StartQueued(ctx, 10); err != nil {
		t.Fatalf("StartQueued returned error: %v", err)
	}

	got, err := store.Get(ctx, admitted.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != lab.StatusEnding {
		t.Fatalf("status = %s, want %s", got.Status, lab.StatusEnding)
	}
	if !strings.Contains(got.FailureReason, "timed out") {
		t.Fatalf("failure reason = %q, want timeout", got.FailureReason)
	}
	if rt.ProvisionCalls("lab-0001") != 0 {
		t.Fatalf("provision calls = %d, want 0 after allocation timeout", rt.ProvisionCalls("lab-0001"))
	}
}

func TestAdmitRejectsUnservedRuntime(t *testing.T) {
	t.Parallel()

	o, store := newTestOrchestrator(t, &fakeNetwork{}, runtimetest.New(lab.RuntimeCompose))
	ctx := context.Background()

	if _, err := o.Admit(ctx, "owner-1", "microvm"); !errors.Is(err, lab.ErrUnknownRuntime) {
		t.Fatalf("Admit microvm error = %v, want ErrUnknownRuntime", err)
	}
	if _, err := o.Admit(ctx, "owner-1", "kubernetes"); !errors.Is(err, lab.ErrUnknownRuntime) {
		t.Fatalf("Admit kubernetes error = %v, want ErrUnknownRuntime", err)
	}
	n, err := store.CountActive(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CountActive returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("active labs = %d, want 0", n)
	}
}

func TestAdmitEnforcesQuota(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t, &fakeNetwork{}, runtimetest.New(lab.RuntimeCompose))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := o.Admit(ctx, "owner-1", "compose"); err != nil {
			t.Fatalf("Admit #%d returned error: %v", i+1, err)
		}
	}
	_, err := o.Admit(ctx, "owner-1", "compose")
	var quota *lab.QuotaError
	if !errors.As(err, &quota) {
		t.Fatalf("Admit error = %v, want *lab.QuotaError", err)
	}
	if quota.Active != 3 || quota.Limit != 3 {
		t.Fatalf("quota error = %+v, want 3/3", quota)
	}
}
