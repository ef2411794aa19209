// Package microvm runs each lab as a firecracker microVM attached to the
// lab's TAP device.
package microvm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
	"github.com/labforge/labforge/internal/guesthealth"
	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/runtime"
	"golang.org/x/sys/unix"
)

const (
	defaultBinary     = "firecracker"
	defaultGuestCID   = 3
	defaultHealthPort = guesthealth.DefaultPort

	configFile = "firecracker-config.json"
	pidFile    = "firecracker.pid"
	apiSocket  = "firecracker.sock"
	vsockFile  = "vsock.sock"
	rootfsFile = "rootfs.ext4"
)

type Options struct {
	Binary      string
	RunDir      string
	KernelImage string
	RootFS      string
	VCPUs       int64
	MemoryMiB   int64
	GuestCID    uint32
	// HealthPort is the guest vsock port the health check dials.
	HealthPort uint32
	// BootTimeout bounds how long Provision waits for the API socket.
	BootTimeout time.Duration
	// StopGrace is how long Destroy waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	Logger    *log.Logger
}

type Runtime struct {
	opts Options
}

var (
	startProcess = func(cmd *exec.Cmd) error { return cmd.Start() }
	signalPID    = unix.Kill
	dialGuest    = func(ctx context.Context, path string, port uint32) (net.Conn, error) {
		return fcvsock.DialContext(ctx, path, port)
	}
	readCmdline = func(pid int) (string, error) {
		b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
		return strings.ReplaceAll(string(b), "\x00", " "), err
	}
)

func New(opts Options) *Runtime {
	if strings.TrimSpace(opts.Binary) == "" {
		opts.Binary = defaultBinary
	}
	if opts.VCPUs <= 0 {
		opts.VCPUs = 1
	}
	if opts.MemoryMiB <= 0 {
		opts.MemoryMiB = 512
	}
	if opts.GuestCID == 0 {
		opts.GuestCID = defaultGuestCID
	}
	if opts.HealthPort == 0 {
		opts.HealthPort = defaultHealthPort
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Runtime{opts: opts}
}

func (r *Runtime) Kind() lab.RuntimeKind {
	return lab.RuntimeMicroVM
}

func (r *Runtime) instanceDir(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", lab.ErrMissingResourceRef
	}
	if strings.ContainsAny(ref, `/\`) || ref == "." || ref == ".." {
		return "", fmt.Errorf("invalid microvm ref %q", ref)
	}
	if strings.TrimSpace(r.opts.RunDir) == "" {
		return "", errors.New("microvm runtime has no run directory configured")
	}
	return filepath.Join(r.opts.RunDir, ref), nil
}

func (r *Runtime) Provision(ctx context.Context, req runtime.ProvisionRequest) (runtime.Handle, error) {
	dir, err := r.instanceDir(req.Ref)
	if err != nil {
		return runtime.Handle{}, err
	}
	if r.opts.KernelImage == "" || r.opts.RootFS == "" {
		return runtime.Handle{}, errors.New("kernel_image and rootfs must be configured for the microvm runtime")
	}
	if strings.TrimSpace(req.Lease.Device) == "" {
		return runtime.Handle{}, errors.New("microvm provision requires a network lease with a tap device")
	}
	firecrackerPath, err := exec.LookPath(r.opts.Binary)
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("firecracker binary not found (%q): %w", r.opts.Binary, err)
	}
	args, err := bootArgs(req.Lease)
	if err != nil {
		return runtime.Handle{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return runtime.Handle{}, err
	}

	vmRootFS := filepath.Join(dir, rootfsFile)
	if err := copyFile(r.opts.RootFS, vmRootFS); err != nil {
		return runtime.Handle{}, fmt.Errorf("prepare per-lab rootfs: %w", err)
	}
	cfg := firecrackerConfig{
		BootSource: bootSource{KernelImagePath: r.opts.KernelImage, BootArgs: args},
		Drives: []drive{
			{DriveID: "rootfs", PathOnHost: vmRootFS, IsRootDevice: true},
		},
		MachineConfig: machineConfig{VCPUCount: r.opts.VCPUs, MemSizeMiB: r.opts.MemoryMiB},
		NetworkInterfaces: []networkInterface{
			{IfaceID: "eth0", GuestMAC: req.Lease.GuestMAC, HostDevName: req.Lease.Device},
		},
		Vsock: &vsockConfig{VsockID: "labforge-vsock", GuestCID: r.opts.GuestCID, UDSPath: filepath.Join(dir, vsockFile)},
	}
	cfgPath := filepath.Join(dir, configFile)
	if err := writeJSON(cfgPath, cfg); err != nil {
		return runtime.Handle{}, err
	}

	socketPath := filepath.Join(dir, apiSocket)
	_ = os.Remove(socketPath)
	logFile, err := os.OpenFile(filepath.Join(dir, "firecracker.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return runtime.Handle{}, err
	}
	defer logFile.Close()

	// The VM outlives this call, so it is not bound to ctx and runs in its own session.
	cmd := exec.Command(firecrackerPath, "--api-sock", socketPath, "--config-file", cfgPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := startProcess(cmd); err != nil {
		return runtime.Handle{}, fmt.Errorf("start firecracker: %w", err)
	}
	pid := cmd.Process.Pid
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()
	if err := os.WriteFile(filepath.Join(dir, pidFile), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return runtime.Handle{}, fmt.Errorf("write pid file: %w", err)
	}

	if err := waitForSocket(ctx, socketPath, exited, r.opts.BootTimeout); err != nil {
		return runtime.Handle{}, err
	}
	if r.opts.Logger != nil {
		r.opts.Logger.Debug("microvm started", "ref", req.Ref, "pid", pid)
	}
	return runtime.Handle{Kind: lab.RuntimeMicroVM, Ref: req.Ref, SocketPath: socketPath, PID: pid}, nil
}

func waitForSocket(ctx context.Context, path string, exited <-chan error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return nil
		}
		select {
		case err := <-exited:
			if err == nil {
				return errors.New("firecracker exited before its API socket appeared")
			}
			return fmt.Errorf("firecracker exited before its API socket appeared: %w", err)
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for firecracker API socket (%s): %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Destroy stops the VM process if it is still ours and removes the instance
// directory. Missing pid files and directories are success.
func (r *Runtime) Destroy(ctx context.Context, h runtime.Handle) error {
	dir, err := r.instanceDir(h.Ref)
	if err != nil {
		return err
	}
	pid, err := r.livePID(dir)
	if err != nil {
		return err
	}
	if pid > 0 {
		if err := r.stop(ctx, pid); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove microvm directory %s: %w", dir, err)
	}
	return nil
}

func (r *Runtime) stop(ctx context.Context, pid int) error {
	if err := signalPID(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal firecracker %d: %w", pid, err)
	}
	if waitExit(ctx, pid, r.opts.StopGrace) {
		return nil
	}
	if err := signalPID(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill firecracker %d: %w", pid, err)
	}
	if !waitExit(ctx, pid, r.opts.StopGrace) {
		return fmt.Errorf("firecracker %d still running after SIGKILL", pid)
	}
	return nil
}

func waitExit(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !alive(pid)
		case <-deadline.C:
			return !alive(pid)
		case <-ticker.C:
		}
	}
}

func alive(pid int) bool {
	err := signalPID(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// livePID returns the recorded firecracker pid when that process is still
// running for this instance, or zero. A recycled pid is not ours to kill.
func (r *Runtime) livePID(dir string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(dir, pidFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, nil
	}
	if !alive(pid) {
		return 0, nil
	}
	cmdline, err := readCmdline(pid)
	if err != nil || !strings.Contains(cmdline, dir) {
		return 0, nil
	}
	return pid, nil
}

func (r *Runtime) ResourcesExist(_ context.Context, h runtime.Handle) (bool, error) {
	dir, err := r.instanceDir(h.Ref)
	if err != nil {
		return false, err
	}
	pid, err := r.livePID(dir)
	if err != nil {
		return false, err
	}
	if pid > 0 {
		return true, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HealthCheck dials the guest agent port over the VM's vsock socket.
func (r *Runtime) HealthCheck(ctx context.Context, h runtime.Handle) (bool, error) {
	dir, err := r.instanceDir(h.Ref)
	if err != nil {
		return false, err
	}
	pid, err := r.livePID(dir)
	if err != nil || pid == 0 {
		return false, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := dialGuest(dialCtx, filepath.Join(dir, vsockFile), r.opts.HealthPort)
	if err != nil {
		return false, nil
	}
	defer conn.Close()
	healthy, err := guesthealth.Probe(conn, 2*time.Second)
	if err != nil {
		if r.opts.Logger != nil {
			r.opts.Logger.Debug("guest health probe failed", "ref", h.Ref, "error", err)
		}
		return false, nil
	}
	return healthy, nil
}
