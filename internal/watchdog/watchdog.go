// Package watchdog repairs labs that have sat in ENDING longer than a
// teardown worker should ever need.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labforge/labforge/internal/ids"
	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/labstore"
	"github.com/labforge/labforge/internal/runtime"
)

// Action decides what happens to a stale lab whose resources still exist.
type Action string

const (
	ActionForce Action = "force"
	ActionFail  Action = "fail"
)

func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionForce, ActionFail:
		return a, nil
	case "":
		return ActionForce, nil
	default:
		return "", fmt.Errorf("unknown watchdog action %q (expected force or fail)", raw)
	}
}

const (
	DefaultOlderThan = 30 * time.Minute
	DefaultMaxLabs   = 20

	stopReasonWatchdog = "watchdog"
)

type Network interface {
	Release(ctx context.Context, labID string) (bool, error)
}

type Options struct {
	Store      *labstore.Store
	Runtimes   runtime.Set
	Network    Network
	Logger     *log.Logger
	OlderThan  time.Duration
	MaxLabs    int
	Action     Action
	DryRun     bool
	ClaimOwner string
}

type Watchdog struct {
	opts Options
}

func New(opts Options) (*Watchdog, error) {
	if opts.Store == nil {
		return nil, errors.New("watchdog requires a lab store")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.OlderThan <= 0 {
		opts.OlderThan = DefaultOlderThan
	}
	if opts.MaxLabs <= 0 {
		opts.MaxLabs = DefaultMaxLabs
	}
	if opts.Action == "" {
		opts.Action = ActionForce
	}
	if opts.Action != ActionForce && opts.Action != ActionFail {
		return nil, fmt.Errorf("unknown watchdog action %q", opts.Action)
	}
	if opts.ClaimOwner == "" {
		opts.ClaimOwner = "watchdog-" + ids.Suffix(ids.NewWorkerID())
	}
	return &Watchdog{opts: opts}, nil
}

// Report lists lab ids by what the sweep did with them.
type Report struct {
	DryRun     bool     `json:"dry_run"`
	Candidates []string `json:"candidates"`
	Finished   []string `json:"finished"`
	Failed     []string `json:"failed"`
	Skipped    []string `json:"skipped"`
	Destroyed  []string `json:"destroyed"`
}

// Sweep handles at most MaxLabs stale ENDING labs. Labs another process is
// still working on are skipped by the claim, never waited on.
func (w *Watchdog) Sweep(ctx context.Context) (Report, error) {
	opts := w.opts
	report := Report{DryRun: opts.DryRun, Candidates: []string{}}

	if opts.DryRun {
		stale, err := opts.Store.ListStale(ctx, opts.OlderThan, opts.MaxLabs)
		if err != nil {
			return report, fmt.Errorf("list stale labs: %w", err)
		}
		for _, l := range stale {
			report.Candidates = append(report.Candidates, l.ID)
		}
		opts.Logger.Info("watchdog dry run", "candidates", report.Candidates)
		return report, nil
	}

	claims, err := opts.Store.ClaimStale(ctx, opts.ClaimOwner, opts.OlderThan, opts.MaxLabs)
	if err != nil {
		return report, fmt.Errorf("claim stale labs: %w", err)
	}

	var errs []error
	for _, claim := range claims {
		report.Candidates = append(report.Candidates, claim.Lab.ID)
		if err := w.repair(ctx, claim, &report); err != nil {
			errs = append(errs, err)
		}
	}
	if len(claims) > 0 {
		opts.Logger.Info("watchdog sweep complete",
			"finished", report.Finished, "failed", report.Failed, "skipped", report.Skipped)
	}
	return report, errors.Join(errs...)
}

func (w *Watchdog) repair(ctx context.Context, claim labstore.Claim, report *Report) error {
	opts := w.opts
	l := claim.Lab
	logger := opts.Logger.With("lab_id", l.ID)

	var (
		rt     runtime.Runtime
		exists bool
		err    error
	)
	if l.ResourceRef != "" {
		rt, err = opts.Runtimes.For(l.RuntimeKind)
		if err == nil {
			exists, err = rt.ResourcesExist(ctx, runtime.HandleFor(l))
		}
		if err != nil {
			logger.Warn("resource check failed; skipping", "error", err)
			report.Skipped = append(report.Skipped, l.ID)
			return w.release(ctx, claim, err)
		}
	}

	if !exists {
		if err := w.releaseLease(ctx, l); err != nil {
			logger.Warn("lease release failed; skipping", "error", err)
			report.Skipped = append(report.Skipped, l.ID)
			return w.release(ctx, claim, err)
		}
		final := l.FinalStatus()
		return w.finalize(ctx, claim, final, labstore.TransitionUpdate{}, report)
	}

	if opts.Action == ActionFail {
		return w.finalize(ctx, claim, lab.StatusFailed, labstore.TransitionUpdate{
			StopReason:    stopReasonWatchdog,
			FailureReason: fmt.Sprintf("watchdog: resources still present after %s in ENDING", opts.OlderThan),
		}, report)
	}

	destroyCtx, cancel := detached(ctx)
	defer cancel()
	attempts := l.DestroyAttempts + 1
	if err := rt.Destroy(destroyCtx, runtime.HandleFor(l)); err != nil {
		logger.Warn("forced destroy failed", "error", err)
		return w.finalize(ctx, claim, lab.StatusFailed, labstore.TransitionUpdate{
			StopReason:      stopReasonWatchdog,
			FailureReason:   fmt.Errorf("%w: %v", lab.ErrDestroyFailed, err).Error(),
			LastError:       err.Error(),
			DestroyAttempts: attempts,
		}, report)
	}
	report.Destroyed = append(report.Destroyed, l.ID)
	if err := w.releaseLease(ctx, l); err != nil {
		logger.Warn("lease release failed after forced destroy", "error", err)
		return w.finalize(ctx, claim, lab.StatusFailed, labstore.TransitionUpdate{
			StopReason:      stopReasonWatchdog,
			FailureReason:   "watchdog: release network lease: " + err.Error(),
			DestroyAttempts: attempts,
		}, report)
	}
	return w.finalize(ctx, claim, l.FinalStatus(), labstore.TransitionUpdate{DestroyAttempts: attempts}, report)
}

func (w *Watchdog) releaseLease(ctx context.Context, l lab.Lab) error {
	if l.NetworkLeaseRef == "" || w.opts.Network == nil {
		return nil
	}
	callCtx, cancel := detached(ctx)
	defer cancel()
	_, err := w.opts.Network.Release(callCtx, l.NetworkLeaseRef)
	return err
}

func (w *Watchdog) finalize(ctx context.Context, claim labstore.Claim, to lab.Status, update labstore.TransitionUpdate, report *Report) error {
	writeCtx, cancel := detached(ctx)
	defer cancel()
	if _, err := w.opts.Store.Transition(writeCtx, claim, to, update); err != nil {
		w.opts.Logger.Error("watchdog finalize failed", "lab_id", claim.Lab.ID, "status", to, "error", err)
		return err
	}
	w.opts.Logger.Info("watchdog finalized lab", "lab_id", claim.Lab.ID, "status", to)
	if to == lab.StatusFailed {
		report.Failed = append(report.Failed, claim.Lab.ID)
	} else {
		report.Finished = append(report.Finished, claim.Lab.ID)
	}
	return nil
}

func (w *Watchdog) release(ctx context.Context, claim labstore.Claim, cause error) error {
	writeCtx, cancel := detached(ctx)
	defer cancel()
	return w.opts.Store.ReleaseClaim(writeCtx, claim, labstore.Outcome{LastError: cause.Error()})
}

// Run sweeps on every tick until ctx is done.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.opts.Logger.Error("watchdog sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
}
