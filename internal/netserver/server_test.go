package netserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/labforge/labforge/internal/endpoint"
	"github.com/labforge/labforge/internal/netapi"
	"github.com/labforge/labforge/internal/netclient"
	"github.com/labforge/labforge/internal/netservice"
)

type memoryService struct {
	mu     sync.Mutex
	leases map[string]netapi.Lease
	calls  int
}

func (s *memoryService) Allocate(_ context.Context, labID string) (netapi.Lease, error) {
	if err := netapi.ValidateLabID(labID); err != nil {
		return netapi.Lease{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if lease, ok := s.leases[labID]; ok {
		return lease, nil
	}
	names := netservice.NamesFor(labID)
	lease := netapi.Lease{
		LabID:        labID,
		Bridge:       names.Bridge,
		Device:       names.Tap,
		GuestIP:      "10.240.0.2",
		GatewayIP:    "10.240.0.1",
		PrefixLength: 30,
		GuestMAC:     netservice.GuestMAC(labID),
		State:        netapi.LeaseAllocated,
		AllocatedAt:  time.Unix(1700000000, 0).UTC(),
	}
	s.leases[labID] = lease
	return lease, nil
}

func (s *memoryService) Release(_ context.Context, labID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leases[labID]
	delete(s.leases, labID)
	return ok, nil
}

func (s *memoryService) Status(_ context.Context, labID string) (netapi.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[labID]
	if !ok {
		return netapi.Lease{}, netservice.ErrLeaseNotFound
	}
	return lease, nil
}

func startUnixServer(t *testing.T, svc Service) endpoint.Endpoint {
	t.Helper()

	dir, err := os.MkdirTemp("", "lfnetd")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	ep := endpoint.Endpoint{Scheme: "unix", Address: filepath.Join(dir, "netd.sock"), BaseURL: "http://unix"}
	ln, err := listen(ep, DefaultSocketOptions())
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	srv := &http.Server{Handler: New(svc, nil).Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ep
}

func TestUnixSocketRoundTrip(t *testing.T) {
	t.Parallel()

	svc := &memoryService{leases: map[string]netapi.Lease{}}
	ep := startUnixServer(t, svc)

	info, err := os.Stat(ep.Address)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o660 {
		t.Fatalf("socket mode = %o, want 660", got)
	}

	client, err := netclient.New(ep)
	if err != nil {
		t.Fatalf("netclient.New returned error: %v", err)
	}
	ctx := context.Background()

	first, err := client.Allocate(ctx, "lab_one")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	second, err := client.Allocate(ctx, "lab_one")
	if err != nil {
		t.Fatalf("second Allocate returned error: %v", err)
	}
	if !first.AllocatedAt.Equal(second.AllocatedAt) || first.Bridge != second.Bridge || first.GuestMAC != second.GuestMAC {
		t.Fatalf("second lease = %+v, want %+v", second, first)
	}

	lease, found, err := client.Status(ctx, "lab_one")
	if err != nil || !found {
		t.Fatalf("Status = %+v, %v, %v; want found", lease, found, err)
	}
	if lease.Device != first.Device {
		t.Fatalf("status device = %q, want %q", lease.Device, first.Device)
	}

	released, err := client.Release(ctx, "lab_one")
	if err != nil || !released {
		t.Fatalf("Release = %v, %v; want true, nil", released, err)
	}
	_, found, err = client.Status(ctx, "lab_one")
	if err != nil {
		t.Fatalf("Status after release returned error: %v", err)
	}
	if found {
		t.Fatal("expected lease to be gone after release")
	}
}

func TestMissingLabIDIsInvalidArgument(t *testing.T) {
	t.Parallel()

	ep := startUnixServer(t, &memoryService{leases: map[string]netapi.Lease{}})
	client, err := netclient.New(ep)
	if err != nil {
		t.Fatalf("netclient.New returned error: %v", err)
	}
	_, err = client.Allocate(context.Background(), " ")
	if got := connect.CodeOf(err); got != connect.CodeInvalidArgument {
		t.Fatalf("code = %v, want %v (err %v)", got, connect.CodeInvalidArgument, err)
	}
}

func TestToConnectErrorCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want connect.Code
	}{
		{err: netservice.ErrNotReady, want: connect.CodeUnavailable},
		{err: fmt.Errorf("wrap: %w", netservice.ErrLeaseConflict), want: connect.CodeAlreadyExists},
		{err: netservice.ErrLeaseNotFound, want: connect.CodeNotFound},
		{err: netservice.ErrPoolExhausted, want: connect.CodeResourceExhausted},
		{err: netapi.ErrMissingLabID, want: connect.CodeInvalidArgument},
		{err: context.DeadlineExceeded, want: connect.CodeDeadlineExceeded},
		{err: errors.New("boom"), want: connect.CodeInternal},
	}
	for _, tc := range cases {
		if got := connect.CodeOf(toConnectError(tc.err)); got != tc.want {
			t.Fatalf("toConnectError(%v) code = %v, want %v", tc.err, got, tc.want)
		}
	}
}
