package microvm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/labforge/labforge/internal/netapi"
)

type firecrackerConfig struct {
	BootSource        bootSource         `json:"boot-source"`
	Drives            []drive            `json:"drives"`
	MachineConfig     machineConfig      `json:"machine-config"`
	NetworkInterfaces []networkInterface `json:"network-interfaces"`
	Vsock             *vsockConfig       `json:"vsock,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac"`
	HostDevName string `json:"host_dev_name"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

const baseBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// bootArgs adds the kernel ip= parameter so the guest comes up on its lease
// address without a DHCP server on the bridge.
func bootArgs(lease netapi.Lease) (string, error) {
	guest, err := netip.ParseAddr(lease.GuestIP)
	if err != nil {
		return "", fmt.Errorf("lease guest ip %q: %w", lease.GuestIP, err)
	}
	gateway, err := netip.ParseAddr(lease.GatewayIP)
	if err != nil {
		return "", fmt.Errorf("lease gateway ip %q: %w", lease.GatewayIP, err)
	}
	if lease.PrefixLength <= 0 || lease.PrefixLength > 32 {
		return "", fmt.Errorf("lease prefix length %d out of range", lease.PrefixLength)
	}
	mask := netmask(lease.PrefixLength)
	return strings.Join([]string{
		baseBootArgs,
		fmt.Sprintf("ip=%s::%s:%s::eth0:off", guest, gateway, mask),
	}, " "), nil
}

func netmask(bits int) netip.Addr {
	var b [4]byte
	for i := 0; i < bits; i++ {
		b[i/8] |= 0x80 >> (i % 8)
	}
	return netip.AddrFrom4(b)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
