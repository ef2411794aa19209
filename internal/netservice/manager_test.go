package netservice

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeHost struct {
	mu      sync.Mutex
	links   map[string]Link
	deleted []string
	failTap error
}

func newFakeHost() *fakeHost {
	return &fakeHost{links: map[string]Link{}}
}

func (h *fakeHost) ListLinks(context.Context) ([]Link, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Link, 0, len(h.links))
	for _, link := range h.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (h *fakeHost) EnsureBridge(_ context.Context, name, alias string, gateway netip.Prefix) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.links[name] = Link{Name: name, Kind: LinkKindBridge, Alias: alias, Addrs: []netip.Prefix{gateway}}
	return nil
}

func (h *fakeHost) EnsureTap(_ context.Context, name, bridge, alias string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failTap != nil {
		return h.failTap
	}
	h.links[name] = Link{Name: name, Kind: LinkKindTap, Alias: alias, Master: bridge}
	return nil
}

func (h *fakeHost) DeleteLink(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links, name)
	h.deleted = append(h.deleted, name)
	return nil
}

func (h *fakeHost) has(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.links[name]
	return ok
}

func newTestManager(t *testing.T, host Host) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Host:     host,
		PoolCIDR: "10.240.0.0/16",
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m
}

func readyManager(t *testing.T, host Host) *Manager {
	t.Helper()
	m := newTestManager(t, host)
	if _, err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	return m
}

func TestRequestsRefusedBeforeReconcile(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newFakeHost())
	if _, err := m.Allocate(context.Background(), "lab_one"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Allocate error = %v, want ErrNotReady", err)
	}
	if _, err := m.Release(context.Background(), "lab_one"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Release error = %v, want ErrNotReady", err)
	}
	if _, err := m.Status(context.Background(), "lab_one"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Status error = %v, want ErrNotReady", err)
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	m := readyManager(t, host)

	first, err := m.Allocate(context.Background(), "lab_one")
	if err != nil {
		t.Fatalf("first Allocate returned error: %v", err)
	}
	second, err := m.Allocate(context.Background(), "lab_one")
	if err != nil {
		t.Fatalf("second Allocate returned error: %v", err)
	}
	if first != second {
		t.Fatalf("second lease = %+v, want %+v", second, first)
	}

	names := NamesFor("lab_one")
	if first.Bridge != names.Bridge || first.Device != names.Tap {
		t.Fatalf("lease devices = %s/%s, want %s/%s", first.Bridge, first.Device, names.Bridge, names.Tap)
	}
	if !host.has(names.Bridge) || !host.has(names.Tap) {
		t.Fatalf("expected devices %s and %s on host", names.Bridge, names.Tap)
	}
	if first.GuestMAC != GuestMAC("lab_one") {
		t.Fatalf("guest mac = %q, want %q", first.GuestMAC, GuestMAC("lab_one"))
	}
}

func TestAllocateDistinctLabsGetDistinctSubnets(t *testing.T) {
	t.Parallel()

	m := readyManager(t, newFakeHost())
	seen := map[string]string{}
	for _, id := range []string{"lab_a", "lab_b", "lab_c", "lab_d"} {
		lease, err := m.Allocate(context.Background(), id)
		if err != nil {
			t.Fatalf("Allocate(%s) returned error: %v", id, err)
		}
		if other, ok := seen[lease.GatewayIP]; ok {
			t.Fatalf("gateway %s shared by %s and %s", lease.GatewayIP, other, id)
		}
		seen[lease.GatewayIP] = id
	}
}

func TestReleaseThenStatusNotFound(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	m := readyManager(t, host)
	if _, err := m.Allocate(context.Background(), "lab_one"); err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	released, err := m.Release(context.Background(), "lab_one")
	if err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if !released {
		t.Fatal("expected first release to report released")
	}
	if _, err := m.Status(context.Background(), "lab_one"); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("Status error = %v, want ErrLeaseNotFound", err)
	}
	names := NamesFor("lab_one")
	if host.has(names.Bridge) || host.has(names.Tap) {
		t.Fatal("expected devices to be removed from host")
	}

	released, err = m.Release(context.Background(), "lab_one")
	if err != nil {
		t.Fatalf("second Release returned error: %v", err)
	}
	if released {
		t.Fatal("expected second release to be a no-op")
	}
}

func TestAllocateRejectsForeignDevice(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	m := readyManager(t, host)
	names := NamesFor("lab_one")
	host.links[names.Bridge] = Link{Name: names.Bridge, Kind: LinkKindBridge, Alias: "lab_other"}

	if _, err := m.Allocate(context.Background(), "lab_one"); !errors.Is(err, ErrLeaseConflict) {
		t.Fatalf("Allocate error = %v, want ErrLeaseConflict", err)
	}
}

func TestAllocateCleansUpOnTapFailure(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.failTap = errors.New("tap boom")
	m := readyManager(t, host)

	if _, err := m.Allocate(context.Background(), "lab_one"); err == nil {
		t.Fatal("expected allocate to fail")
	}
	if host.has(NamesFor("lab_one").Bridge) {
		t.Fatal("expected bridge to be cleaned up after tap failure")
	}
	if _, err := m.Status(context.Background(), "lab_one"); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("Status error = %v, want ErrLeaseNotFound", err)
	}
}

func TestReconcileAdoptsAndRemoves(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	first := readyManager(t, host)
	want, err := first.Allocate(context.Background(), "lab_keep")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	orphanTap := TapPrefix + "deadbeef0000"
	host.links[orphanTap] = Link{Name: orphanTap, Kind: LinkKindTap}
	stray := NamesFor("lab_stray")
	host.links[stray.Bridge] = Link{Name: stray.Bridge, Kind: LinkKindBridge, Alias: "lab_stray"}
	host.links["eth0"] = Link{Name: "eth0"}

	restarted := newTestManager(t, host)
	report, err := restarted.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if len(report.Adopted) != 1 || report.Adopted[0] != "lab_keep" {
		t.Fatalf("adopted = %v, want [lab_keep]", report.Adopted)
	}
	if len(report.Removed) != 2 {
		t.Fatalf("removed = %v, want two stray links", report.Removed)
	}
	if report.Removed[0] != orphanTap {
		t.Fatalf("first removed = %q, want tap %q removed before bridges", report.Removed[0], orphanTap)
	}
	if !host.has("eth0") {
		t.Fatal("unmanaged link must not be touched")
	}

	got, err := restarted.Status(context.Background(), "lab_keep")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if got.Bridge != want.Bridge || got.Device != want.Device || got.GuestIP != want.GuestIP {
		t.Fatalf("adopted lease = %+v, want devices and address of %+v", got, want)
	}

	again, err := restarted.Allocate(context.Background(), "lab_keep")
	if err != nil {
		t.Fatalf("Allocate after adopt returned error: %v", err)
	}
	if again != got {
		t.Fatalf("allocate after adopt = %+v, want %+v", again, got)
	}
}

func TestReconcileRemovesBridgeWithoutPoolAddress(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	names := NamesFor("lab_one")
	host.links[names.Bridge] = Link{
		Name:  names.Bridge,
		Kind:  LinkKindBridge,
		Alias: "lab_one",
		Addrs: []netip.Prefix{netip.MustParsePrefix("192.168.9.1/30")},
	}
	host.links[names.Tap] = Link{Name: names.Tap, Kind: LinkKindTap, Alias: "lab_one", Master: names.Bridge}

	m := newTestManager(t, host)
	report, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if len(report.Adopted) != 0 {
		t.Fatalf("adopted = %v, want none", report.Adopted)
	}
	if host.has(names.Bridge) || host.has(names.Tap) {
		t.Fatal("expected unrecognised devices to be removed")
	}
}
