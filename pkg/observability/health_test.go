package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_CheckAllHealthy(t *testing.T) {
	checker := NewHealthChecker(
		DependencyCheck{Name: "storage", Fn: func(context.Context) error { return nil }},
		DependencyCheck{Name: "index", Fn: func(context.Context) error { return nil }},
	)

	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	require.Len(t, status.Dependencies, 2)
	assert.Equal(t, StatusHealthy, status.Dependencies["storage"].Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["index"].Status)
}

func TestHealthChecker_CheckOneUnhealthy(t *testing.T) {
	checker := NewHealthChecker(
		DependencyCheck{Name: "storage", Fn: func(context.Context) error { return nil }},
		DependencyCheck{Name: "index", Fn: func(context.Context) error { return errors.New("connection refused") }},
	)

	status := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["storage"].Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["index"].Status)
	assert.Equal(t, "connection refused", status.Dependencies["index"].Message)
}

func TestHealthChecker_CheckNoDependencies(t *testing.T) {
	checker := NewHealthChecker()
	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Empty(t, status.Dependencies)
}

func TestHealthChecker_ReadinessHandler(t *testing.T) {
	t.Run("healthy returns 200", func(t *testing.T) {
		checker := NewHealthChecker(DependencyCheck{Name: "storage", Fn: func(context.Context) error { return nil }})
		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, StatusHealthy, status.Status)
	})

	t.Run("unhealthy dependency returns 503", func(t *testing.T) {
		checker := NewHealthChecker(DependencyCheck{Name: "auth", Fn: func(context.Context) error { return errors.New("down") }})
		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
