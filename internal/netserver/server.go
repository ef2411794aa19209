// Package netserver exposes the network daemon over connect on a local socket.
package netserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"connectrpc.com/connect"
	"github.com/charmbracelet/log"
	"github.com/labforge/labforge/internal/endpoint"
	"github.com/labforge/labforge/internal/netapi"
	"github.com/labforge/labforge/internal/netservice"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Service is the operation set served to orchestrator hosts.
type Service interface {
	Allocate(ctx context.Context, labID string) (netapi.Lease, error)
	Release(ctx context.Context, labID string) (bool, error)
	Status(ctx context.Context, labID string) (netapi.Lease, error)
}

type Server struct {
	service Service
	logger  *log.Logger
}

func New(service Service, logger *log.Logger) *Server {
	return &Server{service: service, logger: logger}
}

// SocketOptions controls who may connect to the unix socket.
type SocketOptions struct {
	Mode os.FileMode
	// GID is applied to the socket when non-negative.
	GID int
}

func DefaultSocketOptions() SocketOptions {
	return SocketOptions{Mode: 0o660, GID: -1}
}

func (s *Server) Handler() http.Handler {
	opts := []connect.HandlerOption{
		connect.WithCodec(netapi.Codec{}),
		connect.WithInterceptors(s.logRequests()),
	}

	mux := http.NewServeMux()
	mux.Handle(netapi.AllocateProcedure, connect.NewUnaryHandler(netapi.AllocateProcedure, s.Allocate, opts...))
	mux.Handle(netapi.ReleaseProcedure, connect.NewUnaryHandler(netapi.ReleaseProcedure, s.Release, opts...))
	mux.Handle(netapi.StatusProcedure, connect.NewUnaryHandler(netapi.StatusProcedure, s.Status, opts...))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) Allocate(ctx context.Context, req *connect.Request[netapi.AllocateRequest]) (*connect.Response[netapi.AllocateResponse], error) {
	lease, err := s.service.Allocate(ctx, req.Msg.LabID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&netapi.AllocateResponse{Lease: lease}), nil
}

func (s *Server) Release(ctx context.Context, req *connect.Request[netapi.ReleaseRequest]) (*connect.Response[netapi.ReleaseResponse], error) {
	released, err := s.service.Release(ctx, req.Msg.LabID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&netapi.ReleaseResponse{Released: released}), nil
}

func (s *Server) Status(ctx context.Context, req *connect.Request[netapi.StatusRequest]) (*connect.Response[netapi.StatusResponse], error) {
	lease, err := s.service.Status(ctx, req.Msg.LabID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&netapi.StatusResponse{Lease: lease}), nil
}

func (s *Server) logRequests() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if s.logger != nil {
				fields := []any{"procedure", req.Spec().Procedure, "duration", time.Since(start)}
				if err != nil {
					s.logger.Warn("network request failed", append(fields, "code", connect.CodeOf(err), "error", err)...)
				} else {
					s.logger.Debug("network request served", fields...)
				}
			}
			return resp, err
		}
	}
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, netapi.ErrMissingLabID):
		code = connect.CodeInvalidArgument
	case errors.Is(err, netservice.ErrLeaseNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, netservice.ErrLeaseConflict):
		code = connect.CodeAlreadyExists
	case errors.Is(err, netservice.ErrPoolExhausted):
		code = connect.CodeResourceExhausted
	case errors.Is(err, netservice.ErrNotReady):
		code = connect.CodeUnavailable
	}
	return connect.NewError(code, err)
}

func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, sock SocketOptions) error {
	listener, err := listen(ep, sock)
	if err != nil {
		return err
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving network API", "endpoint", ep.Address, "scheme", ep.Scheme)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("network API shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("network API serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint, sock SocketOptions) (net.Listener, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, err
		}
		mode := sock.Mode
		if mode == 0 {
			mode = 0o600
		}
		if err := os.Chmod(ep.Address, mode); err != nil {
			_ = listener.Close()
			return nil, err
		}
		if sock.GID >= 0 {
			if err := os.Chown(ep.Address, -1, sock.GID); err != nil {
				_ = listener.Close()
				return nil, fmt.Errorf("set socket group: %w", err)
			}
		}
		return listener, nil
	case "http":
		return net.Listen("tcp", ep.Address)
	}
	return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}
