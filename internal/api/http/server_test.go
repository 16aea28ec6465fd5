package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/kernelsup/internal/api"
	"github.com/Paintersrp/kernelsup/internal/kernel"
	"github.com/Paintersrp/kernelsup/internal/metrics"
)

type stubController struct {
	status    func(stdcontext.Context) (*api.StatusReport, error)
	restart   func(stdcontext.Context, string) (*api.RestartResult, error)
	interrupt func(stdcontext.Context, string) (*api.InterruptResult, error)
}

func (c *stubController) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if c.status == nil {
		return &api.StatusReport{}, nil
	}
	return c.status(ctx)
}

func (c *stubController) RestartKernel(ctx stdcontext.Context, name string) (*api.RestartResult, error) {
	if c.restart == nil {
		return &api.RestartResult{Kernel: name}, nil
	}
	return c.restart(ctx, name)
}

func (c *stubController) InterruptKernel(ctx stdcontext.Context, name string) (*api.InterruptResult, error) {
	if c.interrupt == nil {
		return &api.InterruptResult{Kernel: name}, nil
	}
	return c.interrupt(ctx, name)
}

func newTestServer(t *testing.T, ctrl api.Controller) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	srv, err := NewServer(ln, ctrl)
	require.NoError(t, err)
	return srv
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestNewServerRejectsMissingArguments(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = NewServer(ln, (*stubController)(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stubController")

	_, err = NewServer(nil, &stubController{})
	assert.Error(t, err)
}

func TestListenDefaultsToLoopback(t *testing.T) {
	ln, err := Listen(":0")
	require.NoError(t, err)
	defer ln.Close()
	host, _, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, &stubController{
		status: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{
				Version:     "1",
				GeneratedAt: time.Unix(123, 0),
				Kernels:     map[string]api.KernelReport{"py": {Name: "py", State: "running", Alive: true}},
			}, nil
		},
	})

	rec := serve(srv, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report api.StatusReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "running", report.Kernels["py"].State)
	assert.True(t, report.Kernels["py"].Alive)
}

func TestStatusErrors(t *testing.T) {
	srv := newTestServer(t, &stubController{
		status: func(stdcontext.Context) (*api.StatusReport, error) { return nil, api.ErrNoKernels },
	})
	rec := serve(srv, http.MethodGet, "/api/v1/status")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_kernels", decodeError(t, rec).Code)

	rec = serve(srv, http.MethodPost, "/api/v1/status")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), http.MethodGet)
}

func TestKernelActions(t *testing.T) {
	var interrupted string
	srv := newTestServer(t, &stubController{
		restart: func(_ stdcontext.Context, name string) (*api.RestartResult, error) {
			return &api.RestartResult{Kernel: name, Restarts: 1, PID: 4242}, nil
		},
		interrupt: func(_ stdcontext.Context, name string) (*api.InterruptResult, error) {
			interrupted = name
			return &api.InterruptResult{Kernel: name, Interrupts: 2}, nil
		},
	})

	rec := serve(srv, http.MethodPost, "/api/v1/kernels/py/restart")
	require.Equal(t, http.StatusOK, rec.Code)
	var restarted api.RestartResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&restarted))
	assert.Equal(t, api.RestartResult{Kernel: "py", Restarts: 1, PID: 4242}, restarted)

	rec = serve(srv, http.MethodPost, "/api/v1/kernels/r/interrupt")
	require.Equal(t, http.StatusOK, rec.Code)
	var result api.InterruptResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, 2, result.Interrupts)
	assert.Equal(t, "r", interrupted)
}

func TestKernelActionRouting(t *testing.T) {
	srv := newTestServer(t, &stubController{})

	rec := serve(srv, http.MethodPost, "/api/v1/kernels/py/explode")
	require.Equal(t, http.StatusNotFound, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, "unknown_action", apiErr.Code)
	assert.Equal(t, "py", apiErr.Kernel)

	for _, path := range []string{"/api/v1/kernels/", "/api/v1/kernels/py", "/api/v1/kernels/py/restart/now"} {
		assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodPost, path).Code, path)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, serve(srv, http.MethodGet, "/api/v1/kernels/py/restart").Code)
}

func TestKernelActionErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown kernel", fmt.Errorf("%w: ghost", api.ErrUnknownKernel), http.StatusNotFound, "unknown_kernel"},
		{"invalid state", &kernel.InvalidStateError{Op: "restart", State: kernel.StateShuttingDown}, http.StatusConflict, "invalid_state"},
		{"restart failed", &kernel.RestartError{Kernel: "py", Attempts: 3, Err: errors.New("spawn failed")}, http.StatusBadGateway, "restart_failed"},
		{"not running", api.ErrKernelNotRunning, http.StatusConflict, "kernel_not_running"},
		{"deadline", stdcontext.DeadlineExceeded, http.StatusGatewayTimeout, "readiness_timeout"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &stubController{
				restart: func(stdcontext.Context, string) (*api.RestartResult, error) { return nil, tt.err },
			})
			rec := serve(srv, http.MethodPost, "/api/v1/kernels/py/restart")
			assert.Equal(t, tt.status, rec.Code)
			apiErr := decodeError(t, rec)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, "py", apiErr.Kernel)
			assert.False(t, apiErr.Time.IsZero())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubController{})

	name := "http_metrics"
	metrics.SetKernelAlive(name, true)
	metrics.IncrementKernelInterrupt(name)
	t.Cleanup(func() { metrics.ResetKernel(name) })

	rec := serve(srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, fmt.Sprintf(`kernelsup_kernel_alive{kernel="%s"} 1`, name))
	assert.Contains(t, body, fmt.Sprintf(`kernelsup_kernel_interrupts_total{kernel="%s"} 1`, name))
	assert.Contains(t, body, "kernelsup_build_info{")
}

func TestRunServesUntilCancelled(t *testing.T) {
	srv := newTestServer(t, &stubController{
		status: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{Version: "1"}, nil
		},
	})

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"version":"1"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
