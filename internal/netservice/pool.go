package netservice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// slotBits is the size of each lab subnet: a /30 holds the gateway and one guest.
const slotBits = 2

var ErrPoolExhausted = errors.New("network pool exhausted")

// Pool carves per-lab /30 subnets out of an IPv4 prefix.
type Pool struct {
	prefix netip.Prefix
	slots  uint32
}

type Subnet struct {
	Slot    uint32
	Gateway netip.Addr
	Guest   netip.Addr
	Bits    int
}

func (s Subnet) GatewayPrefix() netip.Prefix {
	return netip.PrefixFrom(s.Gateway, s.Bits)
}

func NewPool(cidr string) (Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return Pool{}, fmt.Errorf("parse pool cidr %q: %w", cidr, err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return Pool{}, fmt.Errorf("pool cidr %q must be IPv4", cidr)
	}
	hostBits := 32 - prefix.Bits()
	if hostBits < slotBits {
		return Pool{}, fmt.Errorf("pool cidr %q is too small for a /%d subnet", cidr, 32-slotBits)
	}
	return Pool{prefix: prefix, slots: uint32(1) << (hostBits - slotBits)}, nil
}

func (p Pool) Prefix() netip.Prefix {
	return p.prefix
}

func (p Pool) Slots() uint32 {
	return p.slots
}

func (p Pool) Subnet(slot uint32) Subnet {
	base := binary.BigEndian.Uint32(p.prefix.Addr().AsSlice()) + slot<<slotBits
	return Subnet{
		Slot:    slot,
		Gateway: addrFromUint32(base + 1),
		Guest:   addrFromUint32(base + 2),
		Bits:    32 - slotBits,
	}
}

// SlotOf maps a gateway address back to its slot.
func (p Pool) SlotOf(gateway netip.Addr) (uint32, bool) {
	if !gateway.Is4() || !p.prefix.Contains(gateway) {
		return 0, false
	}
	offset := binary.BigEndian.Uint32(gateway.AsSlice()) - binary.BigEndian.Uint32(p.prefix.Addr().AsSlice())
	if offset&((1<<slotBits)-1) != 1 {
		return 0, false
	}
	return offset >> slotBits, true
}

// Pick probes linearly from the lab's preferred slot for one not in use.
func (p Pool) Pick(labID string, used map[uint32]struct{}) (Subnet, error) {
	if p.slots == 0 {
		return Subnet{}, ErrPoolExhausted
	}
	sum := labHash(labID)
	start := binary.BigEndian.Uint32(sum[:4]) % p.slots
	for i := uint32(0); i < p.slots; i++ {
		slot := (start + i) % p.slots
		if _, taken := used[slot]; taken {
			continue
		}
		return p.Subnet(slot), nil
	}
	return Subnet{}, ErrPoolExhausted
}

func addrFromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
