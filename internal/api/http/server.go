package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/kernelsup/internal/api"
	"github.com/Paintersrp/kernelsup/internal/kernel"
	"github.com/Paintersrp/kernelsup/internal/metrics"
)

// DefaultAddr is used when no address is configured.
const DefaultAddr = "127.0.0.1:7664"

const statusClientClosed = 499

// Option customises a Server.
type Option func(*Server)

// WithShutdownTimeout bounds how long Run waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithReadHeaderTimeout overrides the request header read timeout.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.srv.ReadHeaderTimeout = d
		}
	}
}

// Server exposes a kernel Controller and the metrics registry over HTTP.
type Server struct {
	ctrl            api.Controller
	ln              net.Listener
	srv             *http.Server
	shutdownTimeout time.Duration
}

// Listen opens a TCP listener for addr. A bare ":port" binds loopback only.
func Listen(addr string) (net.Listener, error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		addr = DefaultAddr
	case strings.HasPrefix(addr, ":"):
		addr = "127.0.0.1" + addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// NewServer serves ctrl on ln once Run is called.
func NewServer(ln net.Listener, ctrl api.Controller, opts ...Option) (*Server, error) {
	if ctrl == nil || (reflect.ValueOf(ctrl).Kind() == reflect.Ptr && reflect.ValueOf(ctrl).IsNil()) {
		return nil, fmt.Errorf("httpapi: nil controller (%T)", ctrl)
	}
	if ln == nil {
		return nil, errors.New("httpapi: nil listener")
	}
	s := &Server{
		ctrl:            ctrl,
		ln:              ln,
		shutdownTimeout: 5 * time.Second,
	}
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.EmitBuildInfo()
	return s, nil
}

// Addr is the address the server is bound to.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx stdcontext.Context) error {
	served := make(chan error, 1)
	go func() { served <- s.srv.Serve(s.ln) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
	defer cancel()
	shutdownErr := s.srv.Shutdown(drainCtx)
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if errors.Is(shutdownErr, stdcontext.DeadlineExceeded) {
		return s.srv.Close()
	}
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("POST /api/v1/kernels/{name}/{action}", s.kernelAction)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) kernelAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var (
		result any
		err    error
	)
	switch action := r.PathValue("action"); action {
	case "restart":
		result, err = s.ctrl.RestartKernel(r.Context(), name)
	case "interrupt":
		result, err = s.ctrl.InterruptKernel(r.Context(), name)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: apiError{
			Code:    "unknown_action",
			Message: fmt.Sprintf("unknown action %q", action),
			Kernel:  name,
		}})
		return
	}
	if err != nil {
		writeError(w, err, name)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type apiError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Kernel  string    `json:"kernel,omitempty"`
	Time    time.Time `json:"time"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error, kernelName string) {
	status, code := classifyError(err)
	writeJSON(w, status, errorResponse{Error: apiError{
		Code:    code,
		Message: err.Error(),
		Kernel:  kernelName,
		Time:    time.Now().UTC(),
	}})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, api.ErrUnknownKernel):
		return http.StatusNotFound, "unknown_kernel"
	case errors.Is(err, api.ErrNoKernels):
		return http.StatusConflict, "no_kernels"
	case errors.Is(err, api.ErrKernelNotRunning):
		return http.StatusConflict, "kernel_not_running"
	case errors.Is(err, kernel.ErrInvalidState), errors.Is(err, api.ErrOperationConflict):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, kernel.ErrRestart):
		return http.StatusBadGateway, "restart_failed"
	case errors.Is(err, api.ErrReadinessTimeout), errors.Is(err, stdcontext.DeadlineExceeded):
		return http.StatusGatewayTimeout, "readiness_timeout"
	case errors.Is(err, stdcontext.Canceled):
		return statusClientClosed, "canceled"
	}
	return http.StatusInternalServerError, "internal_error"
}
