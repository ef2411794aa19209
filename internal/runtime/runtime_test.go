package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/labforge/labforge/internal/lab"
)

type stubRuntime struct{ kind lab.RuntimeKind }

func (s stubRuntime) Kind() lab.RuntimeKind { return s.kind }

func (stubRuntime) Provision(context.Context, ProvisionRequest) (Handle, error) {
	return Handle{}, nil
}

func (stubRuntime) Destroy(context.Context, Handle) error { return nil }

func (stubRuntime) ResourcesExist(context.Context, Handle) (bool, error) { return false, nil }

func (stubRuntime) HealthCheck(context.Context, Handle) (bool, error) { return false, nil }

func TestResourceRef(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind lab.RuntimeKind
		id   string
		want string
	}{
		{kind: lab.RuntimeCompose, id: "lab_01JABCDEF", want: "lab-01jabcdef"},
		{kind: lab.RuntimeMicroVM, id: "lab_01JABCDEF", want: "vm-01jabcdef"},
		{kind: lab.RuntimeCompose, id: "plain", want: "lab-plain"},
	}
	for _, tc := range cases {
		if got := ResourceRef(tc.kind, tc.id); got != tc.want {
			t.Fatalf("ResourceRef(%s, %s) = %q, want %q", tc.kind, tc.id, got, tc.want)
		}
	}
}

func TestSetFor(t *testing.T) {
	t.Parallel()

	set := NewSet(stubRuntime{kind: lab.RuntimeCompose}, nil)
	if _, err := set.For(lab.RuntimeCompose); err != nil {
		t.Fatalf("For(compose) returned error: %v", err)
	}
	if _, err := set.For(lab.RuntimeMicroVM); !errors.Is(err, lab.ErrUnknownRuntime) {
		t.Fatalf("For(microvm) error = %v, want ErrUnknownRuntime", err)
	}
	if kinds := set.Kinds(); len(kinds) != 1 || kinds[0] != lab.RuntimeCompose {
		t.Fatalf("Kinds = %v, want [compose]", kinds)
	}
}
