// Package runtime is the backend contract shared by the orchestrator, the
// teardown worker and the watchdog. None of them see backend specifics.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/labforge/labforge/internal/ids"
	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/netapi"
)

// Runtime provisions and destroys the resources backing one lab.
//
// Destroy and ResourcesExist must treat resources that are already gone as
// success, and Destroy must tolerate partially created state.
type Runtime interface {
	Kind() lab.RuntimeKind
	Provision(ctx context.Context, req ProvisionRequest) (Handle, error)
	Destroy(ctx context.Context, h Handle) error
	ResourcesExist(ctx context.Context, h Handle) (bool, error)
	HealthCheck(ctx context.Context, h Handle) (bool, error)
}

type ProvisionRequest struct {
	LabID string
	Ref   string
	Lease netapi.Lease
}

// Handle identifies a lab's backend resources. Only Ref is persisted; backends
// rebuild the rest from it.
type Handle struct {
	Kind       lab.RuntimeKind
	Ref        string
	SocketPath string
	PID        int
}

// HandleFor rebuilds the persisted part of a handle from a lab row.
func HandleFor(l lab.Lab) Handle {
	return Handle{Kind: l.RuntimeKind, Ref: l.ResourceRef}
}

// ResourceRef is the deterministic backend name for a lab.
func ResourceRef(kind lab.RuntimeKind, labID string) string {
	suffix := strings.ToLower(ids.Suffix(labID))
	switch kind {
	case lab.RuntimeMicroVM:
		return "vm-" + suffix
	default:
		return "lab-" + suffix
	}
}

// Set selects a Runtime by kind.
type Set map[lab.RuntimeKind]Runtime

func NewSet(runtimes ...Runtime) Set {
	set := make(Set, len(runtimes))
	for _, rt := range runtimes {
		if rt != nil {
			set[rt.Kind()] = rt
		}
	}
	return set
}

func (s Set) For(kind lab.RuntimeKind) (Runtime, error) {
	rt, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no runtime configured for %q", lab.ErrUnknownRuntime, kind)
	}
	return rt, nil
}

func (s Set) Kinds() []lab.RuntimeKind {
	kinds := make([]lab.RuntimeKind, 0, len(s))
	for kind := range s {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
