//go:build !linux

package netservice

import (
	"context"
	"errors"
	"net/netip"
)

var errUnsupportedHost = errors.New("network daemon requires linux")

type unsupportedHost struct{}

func NewHost(int) Host {
	return unsupportedHost{}
}

func (unsupportedHost) ListLinks(context.Context) ([]Link, error) {
	return nil, errUnsupportedHost
}

func (unsupportedHost) EnsureBridge(context.Context, string, string, netip.Prefix) error {
	return errUnsupportedHost
}

func (unsupportedHost) EnsureTap(context.Context, string, string, string) error {
	return errUnsupportedHost
}

func (unsupportedHost) DeleteLink(context.Context, string) error {
	return errUnsupportedHost
}
