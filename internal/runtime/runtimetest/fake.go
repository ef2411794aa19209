// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"sync"

	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/runtime"
)

// Fake records calls and tracks which refs currently have resources.
// Hooks run before the default behavior; a non-nil hook error is returned
// as the call's result.
type Fake struct {
	KindValue lab.RuntimeKind

	ProvisionHook func(ctx context.Context, req runtime.ProvisionRequest) error
	DestroyHook   func(ctx context.Context, h runtime.Handle) error
	ExistsHook    func(ctx context.Context, h runtime.Handle) (bool, error)

	mu        sync.Mutex
	live      map[string]bool
	provision map[string]int
	destroy   map[string]int
}

func New(kind lab.RuntimeKind) *Fake {
	return &Fake{KindValue: kind}
}

func (f *Fake) Kind() lab.RuntimeKind {
	return f.KindValue
}

func (f *Fake) Provision(ctx context.Context, req runtime.ProvisionRequest) (runtime.Handle, error) {
	f.mu.Lock()
	f.ensure()
	f.provision[req.Ref]++
	f.mu.Unlock()

	if f.ProvisionHook != nil {
		if err := f.ProvisionHook(ctx, req); err != nil {
			return runtime.Handle{}, err
		}
	}
	f.mu.Lock()
	f.live[req.Ref] = true
	f.mu.Unlock()
	return runtime.Handle{Kind: f.KindValue, Ref: req.Ref}, nil
}

func (f *Fake) Destroy(ctx context.Context, h runtime.Handle) error {
	f.mu.Lock()
	f.ensure()
	f.destroy[h.Ref]++
	f.mu.Unlock()

	if f.DestroyHook != nil {
		if err := f.DestroyHook(ctx, h); err != nil {
			return err
		}
	}
	f.mu.Lock()
	delete(f.live, h.Ref)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ResourcesExist(ctx context.Context, h runtime.Handle) (bool, error) {
	if f.ExistsHook != nil {
		return f.ExistsHook(ctx, h)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[h.Ref], nil
}

func (f *Fake) HealthCheck(ctx context.Context, h runtime.Handle) (bool, error) {
	return f.ResourcesExist(ctx, h)
}

// SetLive marks ref as having (or not having) backend resources.
func (f *Fake) SetLive(ref string, live bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure()
	if live {
		f.live[ref] = true
		return
	}
	delete(f.live, ref)
}

func (f *Fake) Live(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[ref]
}

func (f *Fake) ProvisionCalls(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provision[ref]
}

func (f *Fake) DestroyCalls(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroy[ref]
}

// TotalDestroyCalls sums destroy calls over every ref.
func (f *Fake) TotalDestroyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.destroy {
		total += n
	}
	return total
}

func (f *Fake) ensure() {
	if f.live == nil {
		f.live = map[string]bool{}
		f.provision = map[string]int{}
		f.destroy = map[string]int{}
	}
}
