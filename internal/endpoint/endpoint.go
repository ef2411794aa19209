// Package endpoint resolves where the network daemon listens and where
// clients dial it.
package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Endpoint locates the network daemon socket.
type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string
}

const DefaultSystemSocketPath = "/var/run/labforge/netd.sock"

const envSocket = "LABFORGE_NETD_SOCKET"

var (
	endpointStat    = os.Stat
	endpointGeteuid = os.Geteuid
)

// userSocketPath is the socket used by a daemon run without root.
func userSocketPath() string {
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "labforge", "netd.sock")
}

func defaultListenEndpoint() Endpoint {
	if endpointGeteuid() == 0 {
		return unixEndpoint(DefaultSystemSocketPath)
	}
	return unixEndpoint(userSocketPath())
}

// The daemon runs as root while clients usually do not, so clients prefer
// the system socket whenever it exists.
func defaultClientEndpoint() Endpoint {
	st, err := endpointStat(DefaultSystemSocketPath)
	if err == nil && !st.IsDir() && st.Mode()&os.ModeSocket != 0 {
		return unixEndpoint(DefaultSystemSocketPath)
	}
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, defaultListenEndpoint)
}

func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, defaultClientEndpoint)
}

func resolve(raw string, fallback func() Endpoint) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(envSocket))
	}
	if value == "" {
		return fallback(), nil
	}
	return Parse(value)
}

// Parse accepts unix://PATH, an absolute socket path, or http://HOST:PORT.
func Parse(value string) (Endpoint, error) {
	if strings.HasPrefix(value, "/") {
		return unixEndpoint(value), nil
	}
	scheme, rest, ok := strings.Cut(value, "://")
	if !ok {
		return Endpoint{}, unsupported(value)
	}
	switch scheme {
	case "unix":
		if rest == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return unixEndpoint(rest), nil
	case "http":
		host := strings.TrimSuffix(rest, "/")
		if host == "" || strings.Contains(host, "/") {
			return Endpoint{}, fmt.Errorf("invalid http endpoint %q", value)
		}
		return Endpoint{Scheme: "http", Address: host, BaseURL: "http://" + host}, nil
	}
	return Endpoint{}, unsupported(value)
}

func unsupported(value string) error {
	return fmt.Errorf("unsupported endpoint %q (expected unix://, http:// or an absolute socket path)", value)
}

func unixEndpoint(path string) Endpoint {
	return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}
}
