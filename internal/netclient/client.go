// Package netclient talks to the network daemon from the orchestrator side.
package netclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/labforge/labforge/internal/endpoint"
	"github.com/labforge/labforge/internal/netapi"
	"golang.org/x/net/http2"
)

type Client struct {
	allocate *connect.Client[netapi.AllocateRequest, netapi.AllocateResponse]
	release  *connect.Client[netapi.ReleaseRequest, netapi.ReleaseResponse]
	status   *connect.Client[netapi.StatusRequest, netapi.StatusResponse]
}

func New(ep endpoint.Endpoint) (*Client, error) {
	baseURL := strings.TrimRight(ep.BaseURL, "/")
	httpClient := &http.Client{Transport: buildTransport(ep)}
	opts := []connect.ClientOption{connect.WithCodec(netapi.Codec{})}
	return &Client{
		allocate: connect.NewClient[netapi.AllocateRequest, netapi.AllocateResponse](httpClient, baseURL+netapi.AllocateProcedure, opts...),
		release:  connect.NewClient[netapi.ReleaseRequest, netapi.ReleaseResponse](httpClient, baseURL+netapi.ReleaseProcedure, opts...),
		status:   connect.NewClient[netapi.StatusRequest, netapi.StatusResponse](httpClient, baseURL+netapi.StatusProcedure, opts...),
	}, nil
}

func buildTransport(ep endpoint.Endpoint) http.RoundTripper {
	dialer := &net.Dialer{}
	network, address := "tcp", ep.Address
	if ep.Scheme == "unix" {
		network = "unix"
	}
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
	}
}

// Allocate asks the daemon for the lab's lease. Repeated calls return the same lease.
func (c *Client) Allocate(ctx context.Context, labID string) (netapi.Lease, error) {
	resp, err := c.allocate.CallUnary(ctx, connect.NewRequest(&netapi.AllocateRequest{LabID: labID}))
	if err != nil {
		return netapi.Lease{}, err
	}
	return resp.Msg.Lease, nil
}

func (c *Client) Release(ctx context.Context, labID string) (bool, error) {
	resp, err := c.release.CallUnary(ctx, connect.NewRequest(&netapi.ReleaseRequest{LabID: labID}))
	if err != nil {
		return false, err
	}
	return resp.Msg.Released, nil
}

// Status reports found=false when the daemon holds no lease for the lab.
func (c *Client) Status(ctx context.Context, labID string) (netapi.Lease, bool, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&netapi.StatusRequest{LabID: labID}))
	if err != nil {
		if connect.CodeOf(err) == connect.CodeNotFound {
			return netapi.Lease{}, false, nil
		}
		return netapi.Lease{}, false, err
	}
	return resp.Msg.Lease, true, nil
}
