package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/labstore"
	"github.com/labforge/labforge/internal/runtime"
	"github.com/labforge/labforge/internal/runtimeconfig"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

type runtimeContext struct {
	Stdout     io.Writer
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Serve    ServeCommand    `cmd:"" help:"Run the orchestrator, teardown workers and scheduled watchdog"`
	Teardown TeardownCommand `cmd:"" help:"Run a standalone teardown worker"`
	Watchdog WatchdogCommand `cmd:"" help:"Repair labs stuck in ENDING"`
	Lab      LabCommand      `cmd:"" help:"Lab lifecycle commands"`
	Net      NetCommand      `cmd:"" help:"Network daemon commands"`
	Doctor   DoctorCommand   `cmd:"" help:"Run environment and runtime diagnostics"`
	Version  VersionCommand  `cmd:"" help:"Print the labforge version"`
}

type ServeCommand struct {
	LogLevel        string `help:"Log level (debug|info|warn|error)"`
	Workers         int    `help:"Teardown workers to run in this process (defaults to config)"`
	IntervalSeconds int64  `help:"Orchestrator poll interval in seconds" default:"5"`
	NoWatchdog      bool   `help:"Do not schedule the watchdog in this process"`
}

type TeardownCommand struct {
	LogLevel string `help:"Log level (debug|info|warn|error)"`
	Once     bool   `help:"Process a single batch and exit"`
	JSON     bool   `help:"Print the --once report as JSON"`
}

type WatchdogCommand struct {
	LogLevel         string `help:"Log level (debug|info|warn|error)"`
	OlderThanMinutes int64  `help:"Minimum minutes in ENDING before a lab is repaired (defaults to config)"`
	MaxLabs          int    `help:"Maximum labs handled per run (defaults to config)"`
	Action           string `help:"What to do when resources still exist (force|fail)"`
	DryRun           bool   `help:"List candidates without changing anything"`
	JSON             bool   `help:"Print the report as JSON"`
}

type LabCommand struct {
	Create       LabCreateCommand       `cmd:"" help:"Queue a new lab"`
	Get          LabGetCommand          `cmd:"" help:"Show one lab"`
	List         LabListCommand         `cmd:"" help:"List labs"`
	Stop         LabStopCommand         `cmd:"" help:"Stop a lab"`
	Health       LabHealthCommand       `cmd:"" help:"Check a running lab's backend"`
	SweepExpired LabSweepExpiredCommand `cmd:"" name:"sweep-expired" help:"Move expired RUNNING labs to ENDING"`
}

type LabCreateCommand struct {
	Owner   string `required:"" help:"Owner id"`
	Runtime string `default:"compose" help:"Runtime kind (compose|microvm)"`
	JSON    bool   `help:"Print the lab as JSON"`
}

type LabGetCommand struct {
	ID   string `arg:"" help:"Lab id"`
	JSON bool   `help:"Print the lab as JSON"`
}

type LabListCommand struct {
	Owner  string `help:"Only labs of this owner"`
	Status string `help:"Only labs in this status"`
	Limit  int    `default:"50" help:"Maximum rows"`
	Offset int    `help:"Rows to skip"`
	JSON   bool   `help:"Print labs as JSON"`
}

type LabStopCommand struct {
	ID     string `arg:"" help:"Lab id"`
	Reason string `help:"Stop reason recorded on the lab"`
}

type LabHealthCommand struct {
	ID string `arg:"" help:"Lab id"`
}

type LabSweepExpiredCommand struct{}

type NetCommand struct {
	Status NetStatusCommand `cmd:"" help:"Show a lab's network lease"`
}

type NetStatusCommand struct {
	ID   string `arg:"" help:"Lab id"`
	Host string `help:"Network daemon endpoint (unix://path or http://host:port)"`
	JSON bool   `help:"Print the lease as JSON"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var notifyContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func Run(args []string, version string) error {
	return run(args, version, os.Stdout)
}

func run(args []string, version string, stdout io.Writer) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := newParser(&cli)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(
		cli,
		kong.Name("labforge"),
		kong.Description("Lab lifecycle orchestration"),
	)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	switch {
	case errors.Is(err, lab.ErrQuotaExceeded):
		return 3
	case errors.Is(err, lab.ErrNotFound):
		return 4
	case errors.Is(err, lab.ErrInvalidTransition), errors.Is(err, labstore.ErrClaimed):
		return 5
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "serve")
	if err != nil {
		return err
	}
	cfg := ctx.Config

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	runtimes := buildRuntimes(cfg, logger)
	network, ep, err := dialNetwork(cfg.NetdEndpoint)
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(cfg, store, runtimes, network, logger)
	if err != nil {
		return err
	}
	workers := s.Workers
	if workers <= 0 {
		workers = max(cfg.Teardown.Workers, 1)
	}

	if shouldShowStartupHeader(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "labforge serve",
			Fields: []startupField{
				{Key: "database", Value: cfg.DatabasePath},
				{Key: "netd", Value: endpointDisplay(ep)},
				{Key: "runtimes", Value: joinKinds(runtimes.Kinds())},
				{Key: "teardown workers", Value: fmt.Sprint(workers)},
				{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			},
		}, shouldUseANSI(ctx.Stderr))
	}

	runCtx, cancel := notifyContext(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return orch.Run(gctx, time.Duration(s.IntervalSeconds)*time.Second)
	})
	for i := 0; i < workers; i++ {
		w := newWorker(cfg, store, runtimes, network, logger)
		g.Go(func() error {
			return w.Run(gctx, cfg.Teardown.PollInterval())
		})
	}
	if !s.NoWatchdog {
		wd, err := newWatchdog(cfg, store, runtimes, network, logger, watchdogOverrides{})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return wd.Run(gctx, cfg.Watchdog.Interval())
		})
	}
	return g.Wait()
}

func (t *TeardownCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(t.LogLevel, "teardown")
	if err != nil {
		return err
	}
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	network, _, err := dialNetwork(ctx.Config.NetdEndpoint)
	if err != nil {
		return err
	}
	w := newWorker(ctx.Config, store, buildRuntimes(ctx.Config, logger), network, logger)

	runCtx, cancel := notifyContext(context.Background())
	defer cancel()
	if !t.Once {
		return w.Run(runCtx, ctx.Config.Teardown.PollInterval())
	}

	report, err := w.RunOnce(runCtx)
	if t.JSON {
		if encErr := writeJSON(ctx.Stdout, report); encErr != nil {
			return encErr
		}
	} else {
		_, _ = fmt.Fprintf(ctx.Stdout, "claimed %d: %d finished, %d failed, %d parked, %d released\n",
			report.Claimed, len(report.Finished), len(report.Failed), len(report.Parked), len(report.Released))
	}
	return err
}

func (w *WatchdogCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(w.LogLevel, "watchdog")
	if err != nil {
		return err
	}
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	network, _, err := dialNetwork(ctx.Config.NetdEndpoint)
	if err != nil {
		return err
	}
	wd, err := newWatchdog(ctx.Config, store, buildRuntimes(ctx.Config, logger), network, logger, watchdogOverrides{
		OlderThanMinutes: w.OlderThanMinutes,
		MaxLabs:          w.MaxLabs,
		Action:           w.Action,
		DryRun:           w.DryRun,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := notifyContext(context.Background())
	defer cancel()
	report, err := wd.Sweep(runCtx)
	if w.JSON {
		if encErr := writeJSON(ctx.Stdout, report); encErr != nil {
			return encErr
		}
	} else {
		_, _ = io.WriteString(ctx.Stdout, renderWatchdogReport(report, false))
	}
	return err
}

func (c *LabCreateCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger("warn", "lab")
	if err != nil {
		return err
	}
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	network, _, err := dialNetwork(ctx.Config.NetdEndpoint)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(ctx.Config, store, buildRuntimes(ctx.Config, logger), network, logger)
	if err != nil {
		return err
	}
	created, err := orch.Admit(context.Background(), c.Owner, c.Runtime)
	if err != nil {
		return err
	}
	return printLab(ctx.Stdout, created, c.JSON)
}

func (c *LabGetCommand) Run(ctx *runtimeContext) error {
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	got, err := store.Get(context.Background(), c.ID)
	if err != nil {
		return err
	}
	return printLab(ctx.Stdout, got, c.JSON)
}

func (c *LabListCommand) Run(ctx *runtimeContext) error {
	filter := labstore.ListFilter{OwnerID: strings.TrimSpace(c.Owner)}
	if raw := strings.TrimSpace(c.Status); raw != "" {
		status := lab.Status(strings.ToUpper(raw))
		if !status.Valid() {
			return fmt.Errorf("unknown lab status %q", c.Status)
		}
		filter.Status = status
	}
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	labs, err := store.List(context.Background(), c.Limit, c.Offset, filter)
	if err != nil {
		return err
	}
	if c.JSON {
		views := make([]labView, 0, len(labs))
		for _, l := range labs {
			views = append(views, newLabView(l))
		}
		return writeJSON(ctx.Stdout, views)
	}
	_, err = io.WriteString(ctx.Stdout, renderLabTable(labs, time.Now()))
	return err
}

func (c *LabStopCommand) Run(ctx *runtimeContext) error {
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	stopped, err := store.Stop(context.Background(), c.ID, c.Reason)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "%s %s (%s)\n", stopped.ID, stopped.Status, stopped.StopReason)
	return err
}

func (c *LabHealthCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger("warn", "lab")
	if err != nil {
		return err
	}
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	l, err := store.Get(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if l.Status != lab.StatusRunning {
		return fmt.Errorf("lab %s is %s, not RUNNING", l.ID, l.Status)
	}
	rt, err := buildRuntimes(ctx.Config, logger).For(l.RuntimeKind)
	if err != nil {
		return err
	}
	checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	healthy, err := rt.HealthCheck(checkCtx, runtime.HandleFor(l))
	if err != nil {
		return err
	}
	if !healthy {
		_, _ = fmt.Fprintf(ctx.Stdout, "%s unhealthy\n", l.ID)
		return exitCodeError{code: 2}
	}
	_, err = fmt.Fprintf(ctx.Stdout, "%s healthy\n", l.ID)
	return err
}

func (c *LabSweepExpiredCommand) Run(ctx *runtimeContext) error {
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	n, err := store.UpdateExpired(context.Background())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "%d expired labs moved to ENDING\n", n)
	return err
}

func (c *NetStatusCommand) Run(ctx *runtimeContext) error {
	host := c.Host
	if strings.TrimSpace(host) == "" {
		host = ctx.Config.NetdEndpoint
	}
	client, _, err := dialNetwork(host)
	if err != nil {
		return err
	}
	statusCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lease, found, err := client.Status(statusCtx, c.ID)
	if err != nil {
		return err
	}
	if !found {
		_, _ = fmt.Fprintf(ctx.Stdout, "no lease for %s\n", c.ID)
		return exitCodeError{code: 4}
	}
	if c.JSON {
		return writeJSON(ctx.Stdout, lease)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "%s %s bridge=%s tap=%s guest=%s/%d gateway=%s mac=%s\n",
		lease.LabID, lease.State, lease.Bridge, lease.Device, lease.GuestIP, lease.PrefixLength, lease.GatewayIP, lease.GuestMAC)
	return err
}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintln(ctx.Stdout, ctx.Version)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLab(w io.Writer, l lab.Lab, asJSON bool) error {
	if asJSON {
		return writeJSON(w, newLabView(l))
	}
	_, err := io.WriteString(w, renderLab(l))
	return err
}

// newLogger writes text to a terminal and JSON everywhere else.
func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	formatter := log.JSONFormatter
	if interactive {
		formatter = log.TextFormatter
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: !interactive,
	})
	applyPolishedLoggerStyles(logger, interactive && shouldUseANSI(os.Stderr))
	return logger.With("component", component), nil
}
