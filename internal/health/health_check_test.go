package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthChecker(zap.NewNop())

	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "alive", status.Status)
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		backendErr error
		wantCode   int
		wantStatus string
	}{
		{"all healthy", nil, http.StatusOK, "ready"},
		{"backend down", errors.New("connection refused"), http.StatusServiceUnavailable, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(zap.NewNop())
			hc.Register("backend", pingFunc(func(context.Context) error { return tt.backendErr }))
			hc.Register("result_store", pingFunc(func(context.Context) error { return nil }))
			hc.Register("unset", nil)

			rec := httptest.NewRecorder()
			hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, "healthy", status.Checks["result_store"])
			assert.Len(t, status.Checks, 2)
		})
	}
}
