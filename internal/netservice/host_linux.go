//go:build linux

package netservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkHost manages bridges and TAP devices through rtnetlink.
type NetlinkHost struct {
	// TapOwner is the uid allowed to open created TAP devices. Negative means root only.
	TapOwner int
}

func NewHost(tapOwner int) Host {
	return &NetlinkHost{TapOwner: tapOwner}
}

func (h *NetlinkHost) ListLinks(_ context.Context) ([]Link, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]string, len(links))
	for _, link := range links {
		byIndex[link.Attrs().Index] = link.Attrs().Name
	}

	out := make([]Link, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		if !isManagedName(attrs.Name) {
			continue
		}
		entry := Link{
			Name:   attrs.Name,
			Kind:   link.Type(),
			Alias:  attrs.Alias,
			Master: byIndex[attrs.MasterIndex],
		}
		addrs, err := netlink.AddrList(link, unix.AF_INET)
		if err != nil {
			return nil, fmt.Errorf("list addresses on %s: %w", attrs.Name, err)
		}
		for _, addr := range addrs {
			if prefix, ok := prefixFromIPNet(addr.IPNet); ok {
				entry.Addrs = append(entry.Addrs, prefix)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (h *NetlinkHost) EnsureBridge(_ context.Context, name, alias string, gateway netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("get bridge %s: %w", name, err)
		}
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create bridge %s: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return fmt.Errorf("get bridge %s: %w", name, err)
		}
	}
	if link.Attrs().Alias != alias {
		if err := netlink.LinkSetAlias(link, alias); err != nil {
			return fmt.Errorf("set alias on %s: %w", name, err)
		}
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(gateway.Addr().AsSlice()),
		Mask: net.CIDRMask(gateway.Bits(), 32),
	}}
	if err := ensureAddress(link, addr); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	return nil
}

func (h *NetlinkHost) EnsureTap(_ context.Context, name, bridge, alias string) error {
	master, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("get bridge %s: %w", bridge, err)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("get tap %s: %w", name, err)
		}
		tap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: name},
			Mode:      netlink.TUNTAP_MODE_TAP,
			Flags:     netlink.TUNTAP_NO_PI | netlink.TUNTAP_VNET_HDR,
		}
		if h.TapOwner >= 0 {
			tap.Owner = uint32(h.TapOwner)
		}
		if err := netlink.LinkAdd(tap); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create tap %s: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return fmt.Errorf("get tap %s: %w", name, err)
		}
	}
	if link.Attrs().Alias != alias {
		if err := netlink.LinkSetAlias(link, alias); err != nil {
			return fmt.Errorf("set alias on %s: %w", name, err)
		}
	}
	if link.Attrs().MasterIndex != master.Attrs().Index {
		if err := netlink.LinkSetMaster(link, master); err != nil {
			return fmt.Errorf("attach %s to %s: %w", name, bridge, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	return nil
}

func (h *NetlinkHost) DeleteLink(_ context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return fmt.Errorf("get link %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil && !isLinkNotFound(err) {
		return fmt.Errorf("delete link %s: %w", name, err)
	}
	return nil
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if a.IPNet != nil && a.IP.Equal(addr.IP) && a.Mask.String() == addr.Mask.String() {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

func prefixFromIPNet(ipnet *net.IPNet) (netip.Prefix, bool) {
	if ipnet == nil {
		return netip.Prefix{}, false
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(ip4)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := ipnet.Mask.Size()
	return netip.PrefixFrom(addr, ones), true
}
