package netservice

import (
	"context"
	"net/netip"
)

const (
	LinkKindBridge = "bridge"
	LinkKindTap    = "tuntap"
)

// Link is the subset of host link state the daemon reconciles against.
type Link struct {
	Name   string
	Kind   string
	Alias  string
	Master string
	Addrs  []netip.Prefix
}

// Host performs the privileged device operations. Implementations must treat
// "already exists with the requested shape" and "already gone" as success.
type Host interface {
	ListLinks(ctx context.Context) ([]Link, error)
	EnsureBridge(ctx context.Context, name, alias string, gateway netip.Prefix) error
	EnsureTap(ctx context.Context, name, bridge, alias string) error
	DeleteLink(ctx context.Context, name string) error
}
