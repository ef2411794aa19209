// Package teardown claims ENDING labs, destroys their resources outside any
// database transaction and finalizes them.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labforge/labforge/internal/ids"
	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/labstore"
	"github.com/labforge/labforge/internal/runtime"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Network releases network leases. Releasing an unknown lab must succeed.
type Network interface {
	Release(ctx context.Context, labID string) (bool, error)
}

const (
	DefaultBatchSize      = 10
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultConcurrency    = 4
)

type Worker struct {
	ID       string
	Store    *labstore.Store
	Runtimes runtime.Set
	Network  Network
	Logger   *log.Logger

	BatchSize   int
	MaxAttempts int
	// InitialBackoff doubles after each failed attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Concurrency    int
	// DestroyTimeout bounds a single destroy call. Zero leaves it to the backend.
	DestroyTimeout time.Duration
	// RenewInterval is how often the claim is renewed while a call runs.
	// Defaults to a third of the store's claim TTL.
	RenewInterval time.Duration
	// DestroyRate paces destroy calls across the worker. Nil means unpaced.
	DestroyRate *rate.Limiter

	once  sync.Once
	sleep func(ctx context.Context, d time.Duration) error
}

func (w *Worker) init() {
	w.once.Do(func() {
		if w.ID == "" {
			w.ID = ids.NewWorkerID()
		}
		if w.Logger == nil {
			w.Logger = log.New(io.Discard)
		}
		if w.BatchSize <= 0 {
			w.BatchSize = DefaultBatchSize
		}
		if w.MaxAttempts <= 0 {
			w.MaxAttempts = DefaultMaxAttempts
		}
		if w.InitialBackoff <= 0 {
			w.InitialBackoff = DefaultInitialBackoff
		}
		if w.MaxBackoff < w.InitialBackoff {
			w.MaxBackoff = max(DefaultMaxBackoff, w.InitialBackoff)
		}
		if w.Concurrency <= 0 {
			w.Concurrency = DefaultConcurrency
		}
		if w.RenewInterval <= 0 {
			w.RenewInterval = w.Store.ClaimTTL() / 3
		}
		if w.sleep == nil {
			w.sleep = sleepContext
		}
	})
}

type Report struct {
	Claimed  int      `json:"claimed"`
	Finished []string `json:"finished"`
	Failed   []string `json:"failed"`
	Parked   []string `json:"parked"`
	Released []string `json:"released"`
}

func (r *Report) add(o outcome) {
	switch o.kind {
	case outcomeFinished:
		r.Finished = append(r.Finished, o.labID)
	case outcomeFailed:
		r.Failed = append(r.Failed, o.labID)
	case outcomeParked:
		r.Parked = append(r.Parked, o.labID)
	case outcomeReleased:
		r.Released = append(r.Released, o.labID)
	}
}

type outcomeKind int

const (
	outcomeFinished outcomeKind = iota
	outcomeFailed
	outcomeParked
	outcomeReleased
)

type outcome struct {
	labID string
	kind  outcomeKind
}

// RunOnce claims one batch and processes it. The claim is a single short
// transaction; destroy and release run after it commits.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	w.init()

	claims, err := w.Store.ClaimEnding(ctx, w.ID, w.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("claim ending labs: %w", err)
	}
	report := Report{Claimed: len(claims)}
	if len(claims) == 0 {
		return report, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(w.Concurrency)
	for _, claim := range claims {
		claim := claim
		g.Go(func() error {
			o, err := w.process(ctx, claim)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			report.add(o)
			return nil
		})
	}
	_ = g.Wait()
	return report, errors.Join(errs...)
}

func (w *Worker) process(ctx context.Context, claim labstore.Claim) (outcome, error) {
	l := claim.Lab
	logger := w.Logger.With("lab_id", l.ID)
	attempts := l.DestroyAttempts

	if l.ResourceRef == "" {
		// Provisioning never reached the point of naming resources.
		logger.Debug("no resource ref recorded; skipping destroy")
	} else {
		rt, err := w.Runtimes.For(l.RuntimeKind)
		if err != nil {
			return w.park(ctx, claim, attempts, err)
		}
		handle := runtime.HandleFor(l)
		n, err := w.retry(ctx, claim, func(callCtx context.Context) error {
			if w.DestroyRate != nil {
				if err := w.DestroyRate.Wait(callCtx); err != nil {
					return err
				}
			}
			return rt.Destroy(callCtx, handle)
		})
		attempts += n
		if err != nil {
			if errors.Is(err, lab.ErrClaimLost) {
				logger.Warn("claim lost during destroy; leaving lab to its new owner", "error", err)
				return outcome{}, err
			}
			if ctx.Err() != nil {
				return w.giveBack(claim, attempts, err)
			}
			return w.park(ctx, claim, attempts, fmt.Errorf("%w: %v", lab.ErrDestroyFailed, err))
		}
	}

	if l.NetworkLeaseRef != "" && w.Network != nil {
		_, err := w.retry(ctx, claim, func(callCtx context.Context) error {
			_, err := w.Network.Release(callCtx, l.NetworkLeaseRef)
			return err
		})
		if err != nil {
			if errors.Is(err, lab.ErrClaimLost) {
				logger.Warn("claim lost during lease release", "error", err)
				return outcome{}, err
			}
			if ctx.Err() != nil {
				return w.giveBack(claim, attempts, err)
			}
			return w.park(ctx, claim, attempts, fmt.Errorf("release network lease: %w", err))
		}
	}

	final := l.FinalStatus()
	writeCtx, cancel := detached(ctx)
	defer cancel()
	if _, err := w.Store.Transition(writeCtx, claim, final, labstore.TransitionUpdate{DestroyAttempts: attempts}); err != nil {
		logger.Error("finalize lab failed", "status", final, "error", err)
		return outcome{}, err
	}
	logger.Info("lab torn down", "status", final, "destroy_attempts", attempts)
	if final == lab.StatusFailed {
		return outcome{labID: l.ID, kind: outcomeFailed}, nil
	}
	return outcome{labID: l.ID, kind: outcomeFinished}, nil
}

// retry runs call up to MaxAttempts times with exponential backoff and reports
// how many attempts it made. Each call gets a context that the worker's own
// cancellation does not reach; only the wait between attempts is cancellable.
// The claim is renewed before every attempt and on a heartbeat while the call
// runs. Losing it cancels the call and ends the loop with ErrClaimLost.
func (w *Worker) retry(ctx context.Context, claim labstore.Claim, call func(ctx context.Context) error) (int, error) {
	backoff := w.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= w.MaxAttempts; attempt++ {
		if err := w.renew(ctx, claim); err != nil {
			if errors.Is(err, lab.ErrClaimLost) {
				return attempt - 1, err
			}
			w.Logger.Warn("claim renewal failed", "lab_id", claim.Lab.ID, "error", err)
		}
		err := w.callWithHeartbeat(ctx, claim, call)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !retryable(err) || attempt == w.MaxAttempts {
			return attempt, lastErr
		}
		if err := w.sleep(ctx, backoff); err != nil {
			return attempt, lastErr
		}
		backoff = min(backoff*2, w.MaxBackoff)
	}
	return w.MaxAttempts, lastErr
}

func (w *Worker) renew(ctx context.Context, claim labstore.Claim) error {
	renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return w.Store.RenewClaim(renewCtx, claim)
}

// callWithHeartbeat runs call while a goroutine keeps the claim fresh.
func (w *Worker) callWithHeartbeat(ctx context.Context, claim labstore.Claim, call func(ctx context.Context) error) error {
	callCtx, cancel := w.callContext(ctx)
	defer cancel()

	var lost atomic.Bool
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			err := w.renew(ctx, claim)
			if errors.Is(err, lab.ErrClaimLost) {
				lost.Store(true)
				cancel()
				return
			}
			if err != nil {
				w.Logger.Warn("claim renewal failed", "lab_id", claim.Lab.ID, "error", err)
			}
		}
	}()

	err := call(callCtx)
	close(done)
	<-stopped
	if lost.Load() {
		return fmt.Errorf("%w: %s", lab.ErrClaimLost, claim.Lab.ID)
	}
	return err
}

func (w *Worker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if w.DestroyTimeout > 0 {
		return context.WithTimeout(base, w.DestroyTimeout)
	}
	return context.WithCancel(base)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, lab.ErrMissingResourceRef),
		errors.Is(err, lab.ErrUnknownRuntime),
		errors.Is(err, lab.ErrInvalidTransition),
		errors.Is(err, lab.ErrClaimLost):
		return false
	}
	return true
}

// park leaves the lab in ENDING, hidden from workers, for the watchdog.
func (w *Worker) park(ctx context.Context, claim labstore.Claim, attempts int, cause error) (outcome, error) {
	writeCtx, cancel := detached(ctx)
	defer cancel()
	w.Logger.Warn("teardown exhausted; parking lab for watchdog", "lab_id", claim.Lab.ID, "destroy_attempts", attempts, "error", cause)
	if err := w.Store.ReleaseClaim(writeCtx, claim, labstore.Outcome{LastError: cause.Error(), DestroyAttempts: attempts, Park: true}); err != nil {
		return outcome{}, err
	}
	return outcome{labID: claim.Lab.ID, kind: outcomeParked}, nil
}

// giveBack returns the claim unparked so the next poll retries the lab.
func (w *Worker) giveBack(claim labstore.Claim, attempts int, cause error) (outcome, error) {
	writeCtx, cancel := detached(context.Background())
	defer cancel()
	if err := w.Store.ReleaseClaim(writeCtx, claim, labstore.Outcome{LastError: cause.Error(), DestroyAttempts: attempts}); err != nil {
		return outcome{}, err
	}
	return outcome{labID: claim.Lab.ID, kind: outcomeReleased}, nil
}

// Run polls for ENDING labs until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	w.init()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Logger.Info("teardown worker started", "worker_id", w.ID, "batch_size", w.BatchSize, "concurrency", w.Concurrency)
	for {
		report, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.Logger.Error("teardown batch failed", "error", err)
		}
		if report.Claimed > 0 {
			w.Logger.Info("teardown batch complete", "claimed", report.Claimed, "finished", len(report.Finished), "failed", len(report.Failed), "parked", len(report.Parked))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
