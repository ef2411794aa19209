package netservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labforge/labforge/internal/netapi"
)

var (
	ErrNotReady      = errors.New("network daemon has not reconciled host state yet")
	ErrLeaseConflict = errors.New("network lease conflict")
	ErrLeaseNotFound = errors.New("network lease not found")
)

type Options struct {
	Host     Host
	PoolCIDR string
	Logger   *log.Logger
	Now      func() time.Time
}

// Manager owns the lab network leases on this host.
type Manager struct {
	host   Host
	pool   Pool
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	ready  bool
	leases map[string]netapi.Lease
	slots  map[uint32]string
}

type ReconcileReport struct {
	Adopted []string          `json:"adopted"`
	Removed []string          `json:"removed"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Host == nil {
		return nil, errors.New("missing network host implementation")
	}
	pool, err := NewPool(opts.PoolCIDR)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		host:   opts.Host,
		pool:   pool,
		logger: logger,
		now:    now,
		leases: map[string]netapi.Lease{},
		slots:  map[uint32]string{},
	}, nil
}

// Reconcile rebuilds the lease table from the devices present on the host.
// Devices that map back to a lab through the naming scheme are adopted; every
// other managed device is torn down. Requests are refused until it succeeds.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	links, err := m.host.ListLinks(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list host links: %w", err)
	}
	byName := make(map[string]Link, len(links))
	for _, link := range links {
		if isManagedName(link.Name) {
			byName[link.Name] = link
		}
	}

	leases := map[string]netapi.Lease{}
	slots := map[uint32]string{}
	keep := map[string]struct{}{}

	bridgeNames := make([]string, 0, len(byName))
	for name := range byName {
		if strings.HasPrefix(name, BridgePrefix) {
			bridgeNames = append(bridgeNames, name)
		}
	}
	sort.Strings(bridgeNames)

	for _, name := range bridgeNames {
		bridge := byName[name]
		labID := strings.TrimSpace(bridge.Alias)
		if labID == "" {
			continue
		}
		names := NamesFor(labID)
		if names.Bridge != bridge.Name {
			continue
		}
		tap, ok := byName[names.Tap]
		if !ok || strings.TrimSpace(tap.Alias) != labID {
			continue
		}
		subnet, ok := m.subnetFromAddrs(bridge.Addrs)
		if !ok {
			continue
		}
		if _, taken := slots[subnet.Slot]; taken {
			continue
		}
		if tap.Master != bridge.Name {
			if err := m.host.EnsureTap(ctx, tap.Name, bridge.Name, labID); err != nil {
				m.logger.Warn("re-attach adopted tap failed", "lab_id", labID, "error", err)
				continue
			}
		}
		leases[labID] = m.leaseFor(labID, names, subnet)
		slots[subnet.Slot] = labID
		keep[bridge.Name] = struct{}{}
		keep[tap.Name] = struct{}{}
	}

	report := ReconcileReport{}
	for labID := range leases {
		report.Adopted = append(report.Adopted, labID)
	}
	sort.Strings(report.Adopted)

	// Taps before bridges so a bridge is never removed with a port still attached.
	var orphans []string
	for name := range byName {
		if _, ok := keep[name]; !ok {
			orphans = append(orphans, name)
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		iTap := strings.HasPrefix(orphans[i], TapPrefix)
		jTap := strings.HasPrefix(orphans[j], TapPrefix)
		if iTap != jTap {
			return iTap
		}
		return orphans[i] < orphans[j]
	})
	for _, name := range orphans {
		if err := m.host.DeleteLink(ctx, name); err != nil {
			if report.Failed == nil {
				report.Failed = map[string]string{}
			}
			report.Failed[name] = err.Error()
			m.logger.Warn("remove orphaned link failed", "link", name, "error", err)
			continue
		}
		report.Removed = append(report.Removed, name)
	}

	m.leases = leases
	m.slots = slots
	m.ready = true
	m.logger.Info("network state reconciled", "adopted", len(report.Adopted), "removed", len(report.Removed), "failed", len(report.Failed))
	return report, nil
}

// Allocate returns the lab's lease, creating its devices on first use.
func (m *Manager) Allocate(ctx context.Context, labID string) (netapi.Lease, error) {
	if err := netapi.ValidateLabID(labID); err != nil {
		return netapi.Lease{}, err
	}
	labID = strings.TrimSpace(labID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return netapi.Lease{}, ErrNotReady
	}
	if lease, ok := m.leases[labID]; ok {
		return lease, nil
	}

	names := NamesFor(labID)
	links, err := m.host.ListLinks(ctx)
	if err != nil {
		return netapi.Lease{}, fmt.Errorf("list host links: %w", err)
	}
	for _, link := range links {
		if link.Name != names.Bridge && link.Name != names.Tap {
			continue
		}
		if alias := strings.TrimSpace(link.Alias); alias != labID {
			return netapi.Lease{}, fmt.Errorf("%w: device %s belongs to %q", ErrLeaseConflict, link.Name, alias)
		}
	}

	used := make(map[uint32]struct{}, len(m.slots))
	for slot := range m.slots {
		used[slot] = struct{}{}
	}
	subnet, err := m.pool.Pick(labID, used)
	if err != nil {
		return netapi.Lease{}, err
	}

	if err := m.host.EnsureBridge(ctx, names.Bridge, labID, subnet.GatewayPrefix()); err != nil {
		m.cleanupLocked(names)
		return netapi.Lease{}, fmt.Errorf("create bridge %s: %w", names.Bridge, err)
	}
	if err := m.host.EnsureTap(ctx, names.Tap, names.Bridge, labID); err != nil {
		m.cleanupLocked(names)
		return netapi.Lease{}, fmt.Errorf("create tap %s: %w", names.Tap, err)
	}

	lease := m.leaseFor(labID, names, subnet)
	m.leases[labID] = lease
	m.slots[subnet.Slot] = labID
	m.logger.Info("network lease allocated", "lab_id", labID, "bridge", names.Bridge, "tap", names.Tap)
	return lease, nil
}

// Release removes the lab's devices. Unknown labs are a no-op.
func (m *Manager) Release(ctx context.Context, labID string) (bool, error) {
	if err := netapi.ValidateLabID(labID); err != nil {
		return false, err
	}
	labID = strings.TrimSpace(labID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return false, ErrNotReady
	}
	lease, ok := m.leases[labID]
	if !ok {
		return false, nil
	}
	if err := m.host.DeleteLink(ctx, lease.Device); err != nil {
		return false, fmt.Errorf("delete tap %s: %w", lease.Device, err)
	}
	if err := m.host.DeleteLink(ctx, lease.Bridge); err != nil {
		return false, fmt.Errorf("delete bridge %s: %w", lease.Bridge, err)
	}
	delete(m.leases, labID)
	for slot, owner := range m.slots {
		if owner == labID {
			delete(m.slots, slot)
		}
	}
	m.logger.Info("network lease released", "lab_id", labID)
	return true, nil
}

func (m *Manager) Status(_ context.Context, labID string) (netapi.Lease, error) {
	if err := netapi.ValidateLabID(labID); err != nil {
		return netapi.Lease{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return netapi.Lease{}, ErrNotReady
	}
	lease, ok := m.leases[strings.TrimSpace(labID)]
	if !ok {
		return netapi.Lease{}, ErrLeaseNotFound
	}
	return lease, nil
}

func (m *Manager) leaseFor(labID string, names DeviceNames, subnet Subnet) netapi.Lease {
	return netapi.Lease{
		LabID:        labID,
		Bridge:       names.Bridge,
		Device:       names.Tap,
		GuestIP:      subnet.Guest.String(),
		GatewayIP:    subnet.Gateway.String(),
		PrefixLength: subnet.Bits,
		GuestMAC:     GuestMAC(labID),
		State:        netapi.LeaseAllocated,
		AllocatedAt:  m.now().UTC(),
	}
}

func (m *Manager) subnetFromAddrs(addrs []netip.Prefix) (Subnet, bool) {
	for _, addr := range addrs {
		slot, ok := m.pool.SlotOf(addr.Addr())
		if !ok {
			continue
		}
		return m.pool.Subnet(slot), true
	}
	return Subnet{}, false
}

func (m *Manager) cleanupLocked(names DeviceNames) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range []string{names.Tap, names.Bridge} {
		if err := m.host.DeleteLink(ctx, name); err != nil {
			m.logger.Warn("cleanup after failed allocation", "link", name, "error", err)
		}
	}
}
