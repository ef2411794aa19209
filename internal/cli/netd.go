package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/labforge/labforge/internal/endpoint"
	"github.com/labforge/labforge/internal/netserver"
	"github.com/labforge/labforge/internal/netservice"
	"github.com/labforge/labforge/internal/runtimeconfig"
)

// NetdCLI is the command line of the privileged network daemon.
type NetdCLI struct {
	Listen      string `help:"Listen endpoint (unix://path or http://host:port)"`
	PoolCIDR    string `name:"pool-cidr" help:"Address pool carved into per-lab /30 subnets (defaults to config)"`
	SocketGroup *int   `help:"Group id allowed to connect to the unix socket"`
	TapOwner    *int   `help:"User id that owns created TAP devices"`
	LogLevel    string `help:"Log level (debug|info|warn|error)"`
}

var newNetHost = netservice.NewHost

func RunNetd(args []string, version string) error {
	cfg, _, err := runtimeconfig.Load()
	if err != nil {
		return err
	}
	c := NetdCLI{}
	parser, err := kong.New(&c,
		kong.Name("labforge-netd"),
		kong.Description("Per-lab network device daemon ("+version+")"),
	)
	if err != nil {
		return err
	}
	if _, err := parser.Parse(args); err != nil {
		return err
	}
	opts := c.resolve(cfg.Netd)

	logger, err := newLogger(c.LogLevel, "netd")
	if err != nil {
		return err
	}
	ep, err := endpoint.ResolveListen(opts.listen)
	if err != nil {
		return err
	}
	if ep.Scheme == "unix" {
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return fmt.Errorf("create socket directory: %w", err)
		}
	}

	manager, err := netservice.NewManager(netservice.Options{
		Host:     newNetHost(opts.tapOwner),
		PoolCIDR: opts.poolCIDR,
		Logger:   logger.With("subsystem", "manager"),
	})
	if err != nil {
		return err
	}

	runCtx, cancel := notifyContext(context.Background())
	defer cancel()

	report, err := manager.Reconcile(runCtx)
	if err != nil {
		return fmt.Errorf("reconcile network devices: %w", err)
	}
	logger.Info("reconcile complete", "adopted", len(report.Adopted), "removed", len(report.Removed), "failed", len(report.Failed))

	sock := netserver.DefaultSocketOptions()
	sock.GID = opts.socketGroup
	server := netserver.New(manager, logger.With("subsystem", "http"))
	return netserver.Serve(runCtx, ep, server.Handler(), logger, sock)
}

type netdOptions struct {
	listen      string
	poolCIDR    string
	socketGroup int
	tapOwner    int
}

// resolve applies flags over the netd config section.
func (c NetdCLI) resolve(cfg runtimeconfig.NetdConfig) netdOptions {
	opts := netdOptions{
		listen:      cfg.Listen,
		poolCIDR:    cfg.PoolCIDR,
		socketGroup: cfg.SocketGroup,
		tapOwner:    cfg.TapOwner,
	}
	if v := strings.TrimSpace(c.Listen); v != "" {
		opts.listen = v
	}
	if v := strings.TrimSpace(c.PoolCIDR); v != "" {
		opts.poolCIDR = v
	}
	if c.SocketGroup != nil {
		opts.socketGroup = *c.SocketGroup
	}
	if c.TapOwner != nil {
		opts.tapOwner = *c.TapOwner
	}
	return opts
}
