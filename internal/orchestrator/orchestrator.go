// Package orchestrator admits labs and drives QUEUED labs to RUNNING, or
// straight into ENDING when provisioning fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labforge/labforge/internal/ids"
	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/labstore"
	"github.com/labforge/labforge/internal/netapi"
	"github.com/labforge/labforge/internal/runtime"
)

// Network is the orchestrator's view of the network daemon.
type Network interface {
	Allocate(ctx context.Context, labID string) (netapi.Lease, error)
}

type Options struct {
	ID               string
	Store            *labstore.Store
	Runtimes         runtime.Set
	Network          Network
	Logger           *log.Logger
	LabTTL           time.Duration
	ProvisionTimeout time.Duration
	BatchSize        int
	Now              func() time.Time
}

type Orchestrator struct {
	id               string
	store            *labstore.Store
	runtimes         runtime.Set
	network          Network
	logger           *log.Logger
	labTTL           time.Duration
	provisionTimeout time.Duration
	batchSize        int
	now              func() time.Time
}

const (
	DefaultLabTTL           = 2 * time.Hour
	DefaultProvisionTimeout = 5 * time.Minute
	DefaultBatchSize        = 10

	stopReasonProvisionFailed = "provision failed"
)

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator requires a lab store")
	}
	if opts.Network == nil {
		return nil, errors.New("orchestrator requires a network client")
	}
	o := &Orchestrator{
		id:               opts.ID,
		store:            opts.Store,
		runtimes:         opts.Runtimes,
		network:          opts.Network,
		logger:           opts.Logger,
		labTTL:           opts.LabTTL,
		provisionTimeout: opts.ProvisionTimeout,
		batchSize:        opts.BatchSize,
		now:              opts.Now,
	}
	if o.id == "" {
		o.id = ids.NewWorkerID()
	}
	if o.logger == nil {
		o.logger = log.New(io.Discard)
	}
	if o.labTTL <= 0 {
		o.labTTL = DefaultLabTTL
	}
	if o.provisionTimeout <= 0 {
		o.provisionTimeout = DefaultProvisionTimeout
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Admit creates a QUEUED lab after checking a runtime serves the requested kind.
func (o *Orchestrator) Admit(ctx context.Context, ownerID, kind string) (lab.Lab, error) {
	parsed, err := lab.ParseRuntimeKind(kind)
	if err != nil {
		return lab.Lab{}, err
	}
	if _, err := o.runtimes.For(parsed); err != nil {
		return lab.Lab{}, err
	}
	created, err := o.store.Create(ctx, ownerID, parsed)
	if err != nil {
		return lab.Lab{}, err
	}
	o.logger.Info("lab admitted", "lab_id", created.ID, "runtime", created.RuntimeKind)
	return created, nil
}

type StartReport struct {
	Started []string `json:"started"`
	Failed  []string `json:"failed"`
}

// StartQueued claims up to limit QUEUED labs and provisions each. Provisioning
// failures end up as ENDING rows with a failure reason, not as returned errors.
func (o *Orchestrator) StartQueued(ctx context.Context, limit int) (StartReport, error) {
	if limit <= 0 {
		limit = o.batchSize
	}
	claims, err := o.store.ClaimQueued(ctx, o.id, limit)
	if err != nil {
		return StartReport{}, fmt.Errorf("claim queued labs: %w", err)
	}

	var report StartReport
	var errs []error
	for i := range claims {
		started, err := o.start(ctx, &claims[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if started {
			report.Started = append(report.Started, claims[i].Lab.ID)
		} else {
			report.Failed = append(report.Failed, claims[i].Lab.ID)
		}
	}
	return report, errors.Join(errs...)
}

func (o *Orchestrator) start(ctx context.Context, claim *labstore.Claim) (bool, error) {
	l := claim.Lab
	logger := o.logger.With("lab_id", l.ID)

	rt, err := o.runtimes.For(l.RuntimeKind)
	if err != nil {
		return false, o.fail(ctx, *claim, err)
	}

	ref := runtime.ResourceRef(l.RuntimeKind, l.ID)
	if err := o.store.RecordRefs(ctx, claim, ref, l.ID); err != nil {
		return false, err
	}

	provisionCtx, cancel := context.WithTimeout(ctx, o.provisionTimeout)
	defer cancel()

	lease, err := o.network.Allocate(provisionCtx, l.ID)
	if err != nil {
		return false, o.fail(ctx, *claim, provisionError(provisionCtx, "allocate network lease", o.provisionTimeout, err))
	}
	handle, err := rt.Provision(provisionCtx, runtime.ProvisionRequest{LabID: l.ID, Ref: ref, Lease: lease})
	if err != nil {
		return false, o.fail(ctx, *claim, provisionError(provisionCtx, "provision", o.provisionTimeout, err))
	}

	startedAt := o.now().UTC()
	expiresAt := startedAt.Add(o.labTTL)
	writeCtx, cancelWrite := detached(ctx)
	defer cancelWrite()
	running, err := o.store.Transition(writeCtx, *claim, lab.StatusRunning, labstore.TransitionUpdate{
		ResourceRef:     handle.Ref,
		NetworkLeaseRef: lease.Ref(),
		StartedAt:       &startedAt,
		ExpiresAt:       &expiresAt,
	})
	if err != nil {
		logger.Error("record running lab failed", "error", err)
		return false, err
	}
	logger.Info("lab running", "runtime", running.RuntimeKind, "expires_at", expiresAt)
	return true, nil
}

// fail moves the claimed lab to ENDING so teardown cleans up whatever was created.
func (o *Orchestrator) fail(ctx context.Context, claim labstore.Claim, cause error) error {
	reason := fmt.Errorf("%w: %v", lab.ErrProvisionFailed, cause)
	o.logger.Warn("lab provisioning failed", "lab_id", claim.Lab.ID, "error", reason)
	writeCtx, cancel := detached(ctx)
	defer cancel()
	_, err := o.store.Transition(writeCtx, claim, lab.StatusEnding, labstore.TransitionUpdate{
		StopReason:    stopReasonProvisionFailed,
		FailureReason: reason.Error(),
	})
	if err != nil {
		return fmt.Errorf("record provisioning failure for lab %s: %w", claim.Lab.ID, err)
	}
	return nil
}

func provisionError(ctx context.Context, step string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s: %w", step, timeout, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// SweepExpired moves RUNNING labs past their expiry into ENDING.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	n, err := o.store.UpdateExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep expired labs: %w", err)
	}
	if n > 0 {
		o.logger.Info("expired labs moved to ending", "count", n)
	}
	return n, nil
}

// Run starts queued labs and sweeps expiry on every tick until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.StartQueued(ctx, o.batchSize); err != nil && ctx.Err() == nil {
			o.logger.Error("start queued labs failed", "error", err)
		}
		if _, err := o.SweepExpired(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("expiry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Status writes that close out work already done must land even during shutdown.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}
