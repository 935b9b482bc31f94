package opstatus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/engels74/mover-status-sub003/internal/config"
	"github.com/engels74/mover-status-sub003/internal/statemachine"
)

type fixedReporter struct{ state statemachine.State }

func (r fixedReporter) State() statemachine.State { return r.state }

func TestHandleHealthz(t *testing.T) {
	s := New("127.0.0.1:0", zap.NewNop(), fixedReporter{state: statemachine.StateIdle}, nil)

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("healthz body = %q, want \"ok\"", rec.Body.String())
	}
}

func TestHandleStatus_ReportsCurrentState(t *testing.T) {
	s := New("127.0.0.1:0", zap.NewNop(), fixedReporter{state: statemachine.StateMonitoring}, nil)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("status body is not JSON: %v", err)
	}
	if resp.State != string(statemachine.StateMonitoring) {
		t.Fatalf("status state = %q, want %q", resp.State, statemachine.StateMonitoring)
	}
	if resp.UptimeSeconds < 0 {
		t.Fatalf("uptime = %f, want >= 0", resp.UptimeSeconds)
	}
}

func TestHandleReload_NilReloaderResponds501(t *testing.T) {
	s := New("127.0.0.1:0", zap.NewNop(), fixedReporter{state: statemachine.StateIdle}, nil)

	rec := httptest.NewRecorder()
	s.handleReload(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("reload status = %d, want 501", rec.Code)
	}
}

func TestHandleReload_Success(t *testing.T) {
	calls := 0
	reload := func() (*config.Config, error) {
		calls++
		cfg := config.Defaults()
		return &cfg, nil
	}
	s := New("127.0.0.1:0", zap.NewNop(), fixedReporter{state: statemachine.StateIdle}, reload)

	rec := httptest.NewRecorder()
	s.handleReload(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d, want 200", rec.Code)
	}
	if calls != 1 {
		t.Fatalf("reloader called %d times, want 1", calls)
	}
	var resp reloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("reload body is not JSON: %v", err)
	}
	if !resp.OK {
		t.Fatalf("reload response OK = false, want true")
	}
	if resp.LogLevel != "info" {
		t.Fatalf("reload response log_level = %q, want the applied config's %q", resp.LogLevel, "info")
	}
}

func TestHandleReload_FailureKeepsRunning(t *testing.T) {
	reload := func() (*config.Config, error) {
		return nil, fmt.Errorf("validation failed: monitoring.interval must be >= 1s")
	}
	s := New("127.0.0.1:0", zap.NewNop(), fixedReporter{state: statemachine.StateIdle}, reload)

	rec := httptest.NewRecorder()
	s.handleReload(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("reload status = %d, want 500", rec.Code)
	}
	var resp reloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("reload body is not JSON: %v", err)
	}
	if resp.OK || resp.Error == "" {
		t.Fatalf("reload response = %+v, want OK=false with error message", resp)
	}
}
