package netservice

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	BridgePrefix = "lfb"
	TapPrefix    = "lft"

	nameHashLen = 12
)

// DeviceNames are the host link names owned by one lab. They fit IFNAMSIZ.
type DeviceNames struct {
	Bridge string
	Tap    string
}

func NamesFor(labID string) DeviceNames {
	sum := labHash(labID)
	suffix := hex.EncodeToString(sum[:])[:nameHashLen]
	return DeviceNames{
		Bridge: BridgePrefix + suffix,
		Tap:    TapPrefix + suffix,
	}
}

// GuestMAC derives a locally administered unicast MAC for the lab's guest NIC.
func GuestMAC(labID string) string {
	sum := labHash(labID)
	mac := []byte{0x52, 0x54, 0x00, sum[0], sum[1], sum[2]}
	mac[0] = (mac[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

func isManagedName(name string) bool {
	return strings.HasPrefix(name, BridgePrefix) || strings.HasPrefix(name, TapPrefix)
}

func labHash(labID string) [32]byte {
	return sha256.Sum256([]byte(strings.TrimSpace(labID)))
}
