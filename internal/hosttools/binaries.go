// Package hosttools locates host binaries the runtimes shell out to.
package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// Searched after PATH since daemons often start with a minimal PATH and
// firecracker releases are usually unpacked under /opt.
var installPrefixes = []string{"/usr/local", "/opt/firecracker", "/usr"}

var installHints = map[string]string{
	"docker":      "install Docker Engine with the compose plugin",
	"firecracker": "download a firecracker release binary and set runtimes.microvm.binary_path",
}

// ResolveBinary returns a usable path for binary. Names containing a path
// separator are taken literally; bare names go through PATH and then the
// known install prefixes.
func ResolveBinary(binary string) (string, error) {
	return resolveBinary(binary, exec.LookPath, os.Stat, candidateBinaryPaths(binary, installPrefixes))
}

type finder struct {
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

func (f finder) isFile(path string) (bool, error) {
	info, err := f.stat(path)
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func resolveBinary(
	binary string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	candidates []string,
) (string, error) {
	name := strings.TrimSpace(binary)
	if name == "" {
		return "", errors.New("binary name is required")
	}
	f := finder{lookPath: lookPath, stat: stat}

	if isPath(name) {
		ok, err := f.isFile(name)
		switch {
		case err != nil:
			return "", fmt.Errorf("%s: %w", name, err)
		case !ok:
			return "", fmt.Errorf("%s is a directory", name)
		}
		return name, nil
	}

	if found, err := f.lookPath(name); err == nil {
		return found, nil
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c == "" {
			continue
		}
		if ok, _ := f.isFile(c); ok {
			return c, nil
		}
	}
	return "", notFound(name, len(candidates) > 0)
}

func notFound(name string, searchedPrefixes bool) error {
	where := "PATH"
	if searchedPrefixes {
		where = "PATH or known install locations"
	}
	msg := fmt.Sprintf("%s not found in %s", name, where)
	if hint, ok := installHints[filepath.Base(name)]; ok {
		msg += "; " + hint
	}
	return errors.New(msg)
}

func isPath(name string) bool {
	return strings.ContainsRune(name, filepath.Separator)
}

// candidateBinaryPaths lists <prefix>/bin/<name> and <prefix>/sbin/<name>
// for each prefix, without duplicates.
func candidateBinaryPaths(binary string, prefixes []string) []string {
	name := strings.TrimSpace(binary)
	if name == "" || isPath(name) {
		return nil
	}
	var out []string
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		for _, dir := range []string{"bin", "sbin"} {
			p := filepath.Join(prefix, dir, name)
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	return out
}
