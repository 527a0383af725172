package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devrev/mimus/internal/health"
	"github.com/devrev/mimus/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type okPinger struct{}

func (okPinger) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) *OpsServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RecordMessage("read_player", "success")

	hc := health.NewHealthChecker(zap.NewNop())
	hc.Register("backend", okPinger{})

	return NewOpsServer(&OpsServerConfig{
		Port:     0,
		Gatherer: reg,
		Stats:    func() interface{} { return map[string]int{"consumers": 4} },
	}, hc, zap.NewNop())
}

func TestOpsServer_Routes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/metrics", http.StatusOK, "mimus_worker_messages_total"},
		{"/health/live", http.StatusOK, `"alive"`},
		{"/health/ready", http.StatusOK, `"ready"`},
		{"/stats", http.StatusOK, `"consumers":4`},
		{"/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.True(t, strings.Contains(rec.Body.String(), tt.contains), rec.Body.String())
		})
	}
}

func TestOpsServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health/live", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
