package endpoint

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
)

func TestResolveUnixForms(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"unix:///tmp/netd.sock", "/tmp/netd.sock", "  /tmp/netd.sock "} {
		ep, err := Resolve(raw)
		if err != nil {
			t.Fatalf("Resolve(%q) returned error: %v", raw, err)
		}
		if ep.Scheme != "unix" || ep.Address != "/tmp/netd.sock" || ep.BaseURL != "http://unix" {
			t.Fatalf("Resolve(%q) = %+v", raw, ep)
		}
	}
}

func TestResolveHTTP(t *testing.T) {
	t.Parallel()

	ep, err := Resolve("http://127.0.0.1:7070")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if ep.Scheme != "http" || ep.Address != "127.0.0.1:7070" || ep.BaseURL != "http://127.0.0.1:7070" {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
	if _, err := Resolve("http://host/path"); err == nil {
		t.Fatal("expected http endpoint with path to fail")
	}
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	_, err := Resolve("tcp://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected unsupported scheme to fail")
	}
	if !strings.Contains(err.Error(), "unix://") {
		t.Fatalf("expected helpful error message, got %q", err)
	}
	if _, err := Resolve("unix://"); err == nil {
		t.Fatal("expected empty unix path to fail")
	}
}

type socketInfo struct{ fs.FileInfo }

func (socketInfo) IsDir() bool { return false }

func (socketInfo) Mode() fs.FileMode { return fs.ModeSocket | 0o660 }

func TestDefaultClientEndpointPrefersSystemSocket(t *testing.T) {
	oldStat, oldEUID := endpointStat, endpointGeteuid
	t.Cleanup(func() {
		endpointStat, endpointGeteuid = oldStat, oldEUID
	})
	t.Setenv(envSocket, "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	endpointGeteuid = func() int { return 1000 }

	endpointStat = func(string) (os.FileInfo, error) { return socketInfo{}, nil }
	if got := defaultClientEndpoint().Address; got != DefaultSystemSocketPath {
		t.Fatalf("client endpoint = %q, want %q", got, DefaultSystemSocketPath)
	}

	endpointStat = func(string) (os.FileInfo, error) { return nil, errors.New("missing") }
	if got, want := defaultClientEndpoint().Address, "/run/user/1000/labforge/netd.sock"; got != want {
		t.Fatalf("client endpoint = %q, want %q", got, want)
	}
}

func TestResolveUsesEnvironment(t *testing.T) {
	t.Setenv(envSocket, "unix:///srv/netd.sock")

	ep, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if ep.Address != "/srv/netd.sock" {
		t.Fatalf("address = %q, want /srv/netd.sock", ep.Address)
	}
}

func TestResolveListenDefaultsByPrivilege(t *testing.T) {
	oldEUID := endpointGeteuid
	t.Cleanup(func() { endpointGeteuid = oldEUID })
	t.Setenv(envSocket, "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	endpointGeteuid = func() int { return 0 }
	ep, err := ResolveListen("")
	if err != nil {
		t.Fatalf("ResolveListen returned error: %v", err)
	}
	if ep.Address != DefaultSystemSocketPath {
		t.Fatalf("root listen address = %q, want %q", ep.Address, DefaultSystemSocketPath)
	}

	endpointGeteuid = func() int { return 1000 }
	ep, err = ResolveListen("")
	if err != nil {
		t.Fatalf("ResolveListen returned error: %v", err)
	}
	if want := "/run/user/1000/labforge/netd.sock"; ep.Address != want {
		t.Fatalf("user listen address = %q, want %q", ep.Address, want)
	}
}
