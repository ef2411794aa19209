// Package compose runs labs as docker compose projects, one project per lab.
package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/runtime"
)

const (
	defaultBinary = "docker"
	projectLabel  = "com.docker.compose.project"
)

type Options struct {
	Binary string
	// File is the compose file every lab project is started from.
	File string
	// StopTimeoutSeconds is passed to `compose down --timeout`.
	StopTimeoutSeconds int
	Logger             *log.Logger
}

type commandRunner interface {
	Run(ctx context.Context, name string, args []string, env []string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, env []string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	output, err := cmd.CombinedOutput()
	return string(output), err
}

type Runtime struct {
	binary      string
	file        string
	stopTimeout int
	logger      *log.Logger
	runner      commandRunner
}

func New(opts Options) *Runtime {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	stopTimeout := opts.StopTimeoutSeconds
	if stopTimeout <= 0 {
		stopTimeout = 10
	}
	return &Runtime{
		binary:      binary,
		file:        strings.TrimSpace(opts.File),
		stopTimeout: stopTimeout,
		logger:      opts.Logger,
		runner:      execRunner{},
	}
}

func (r *Runtime) Kind() lab.RuntimeKind {
	return lab.RuntimeCompose
}

func (r *Runtime) Provision(ctx context.Context, req runtime.ProvisionRequest) (runtime.Handle, error) {
	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		return runtime.Handle{}, lab.ErrMissingResourceRef
	}
	if r.file == "" {
		return runtime.Handle{}, errors.New("compose runtime has no compose file configured")
	}
	args := []string{"compose", "-p", ref, "-f", r.file, "up", "-d", "--wait"}
	output, err := r.runner.Run(ctx, r.binary, args, leaseEnv(req))
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("compose up %s: %w", ref, wrapOutput(output, err))
	}
	return runtime.Handle{Kind: lab.RuntimeCompose, Ref: ref}, nil
}

// Destroy removes the project's containers, networks and volumes. Compose
// itself succeeds on a project that no longer exists.
func (r *Runtime) Destroy(ctx context.Context, h runtime.Handle) error {
	ref := strings.TrimSpace(h.Ref)
	if ref == "" {
		return lab.ErrMissingResourceRef
	}
	args := []string{"compose", "-p", ref, "down", "--volumes", "--remove-orphans", "--timeout", strconv.Itoa(r.stopTimeout)}
	output, err := r.runner.Run(ctx, r.binary, args, nil)
	if err != nil {
		if isProjectNotFoundOutput(output, err) {
			return nil
		}
		return fmt.Errorf("compose down %s: %w", ref, wrapOutput(output, err))
	}
	if r.logger != nil {
		r.logger.Debug("compose project removed", "ref", ref)
	}
	return nil
}

// ResourcesExist reports whether any container or network still carries the project label.
func (r *Runtime) ResourcesExist(ctx context.Context, h runtime.Handle) (bool, error) {
	ref := strings.TrimSpace(h.Ref)
	if ref == "" {
		return false, lab.ErrMissingResourceRef
	}
	filter := "label=" + projectLabel + "=" + ref
	for _, args := range [][]string{
		{"ps", "-a", "--filter", filter, "-q"},
		{"network", "ls", "--filter", filter, "-q"},
	} {
		output, err := r.runner.Run(ctx, r.binary, args, nil)
		if err != nil {
			return false, fmt.Errorf("docker %s for %s: %w", args[0], ref, wrapOutput(output, err))
		}
		if strings.TrimSpace(output) != "" {
			return true, nil
		}
	}
	return false, nil
}

// HealthCheck is true when the project has containers and all are running and
// not reporting unhealthy.
func (r *Runtime) HealthCheck(ctx context.Context, h runtime.Handle) (bool, error) {
	ref := strings.TrimSpace(h.Ref)
	if ref == "" {
		return false, lab.ErrMissingResourceRef
	}
	output, err := r.runner.Run(ctx, r.binary, []string{"compose", "-p", ref, "ps", "--format", "json"}, nil)
	if err != nil {
		return false, fmt.Errorf("compose ps %s: %w", ref, wrapOutput(output, err))
	}
	containers, err := parsePS(output)
	if err != nil {
		return false, fmt.Errorf("parse compose ps output for %s: %w", ref, err)
	}
	if len(containers) == 0 {
		return false, nil
	}
	for _, c := range containers {
		if !strings.EqualFold(c.State, "running") {
			return false, nil
		}
		if health := strings.ToLower(c.Health); health != "" && health != "healthy" {
			return false, nil
		}
	}
	return true, nil
}

type psEntry struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

// parsePS accepts both the JSON array older compose releases print and the
// one-object-per-line form newer ones print.
func parsePS(output string) ([]psEntry, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var entries []psEntry
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}
	var entries []psEntry
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry psEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func leaseEnv(req runtime.ProvisionRequest) []string {
	lease := req.Lease
	return []string{
		"LAB_ID=" + req.LabID,
		"LAB_BRIDGE=" + lease.Bridge,
		"LAB_TAP=" + lease.Device,
		"LAB_GUEST_IP=" + lease.GuestIP,
		"LAB_GATEWAY_IP=" + lease.GatewayIP,
		"LAB_PREFIX_LENGTH=" + strconv.Itoa(lease.PrefixLength),
		"LAB_GUEST_MAC=" + lease.GuestMAC,
	}
}

func isProjectNotFoundOutput(output string, err error) bool {
	combined := strings.ToLower(strings.TrimSpace(output))
	if err != nil {
		combined = strings.TrimSpace(combined + " " + err.Error())
	}
	if combined == "" {
		return false
	}
	return strings.Contains(combined, "no such project") ||
		strings.Contains(combined, "no resource found to remove") ||
		strings.Contains(combined, "no such container")
}

func wrapOutput(output string, err error) error {
	output = strings.TrimSpace(output)
	if output == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, output)
}
