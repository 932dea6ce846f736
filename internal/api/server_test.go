package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/defect-levels/internal/defect"
	"github.com/talgya/defect-levels/internal/filter"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	ds := defect.NewDataset(0, 3, -0.1, 3.1, "MgO")
	ds.Add(defect.Name{Name: "Va_O1", Charge: 1}, defect.EnergyRecord{Energy: 0.5, Converged: true})
	ds.Add(defect.Name{Name: "Va_O1", Charge: 0}, defect.EnergyRecord{Energy: 1.5, Converged: true})
	ds.Add(defect.Name{Name: "Va_O1", Charge: -1}, defect.EnergyRecord{Energy: 4.0, Converged: true})

	s := &Server{Dataset: ds, AdminKey: "s3cret"}
	require.NoError(t, s.Solve(context.Background()))
	return s
}

func TestHandleStatus(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "MgO", status["title"])
	assert.InDelta(t, 3.0, status["band_gap"].(float64), 1e-12)
	assert.InDelta(t, 1.0, status["profiles"].(float64), 1e-12)
}

func TestHandleDiagram(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handleDiagram(rec, httptest.NewRequest(http.MethodGet, "/api/v1/diagram/Va_O1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var p struct {
		Name        string `json:"name"`
		Transitions []any  `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "Va_O1", p.Name)
	assert.Len(t, p.Transitions, 2)

	rec = httptest.NewRecorder()
	s.handleDiagram(rec, httptest.NewRequest(http.MethodGet, "/api/v1/diagram/Va_Zz9", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUValue(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handleUValue(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uvalue/Va_O1?from=-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		U float64 `json:"u"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.InDelta(t, 4.0+0.5-2*1.5, result.U, 1e-12)

	// Missing charge state surfaces as 404.
	rec = httptest.NewRecorder()
	s.handleUValue(rec, httptest.NewRequest(http.MethodGet, "/api/v1/uvalue/Va_O1?from=5", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminOnly(t *testing.T) {
	s := testServer(t)
	handler := s.adminOnly(s.handleSolve)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/solve", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/solve", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Disabled entirely without a key.
	s.AdminKey = ""
	req = httptest.NewRequest(http.MethodPost, "/api/v1/solve", nil)
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleSolve_UpdatesFilter(t *testing.T) {
	s := testServer(t)

	body := strings.NewReader(`{"keywords": ["Va_O"], "drop_shallow": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/solve", body)
	rec := httptest.NewRecorder()
	s.handleSolve(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Va_O"}, s.Filter.Keywords)
	assert.True(t, s.Filter.DropShallow)
}

// TestHandleSolve_Concurrent hammers the solve endpoint from two goroutines
// that keep swapping the filter options; run under the race detector this
// pins down that option updates and solves are serialized.
func TestHandleSolve_Concurrent(t *testing.T) {
	s := testServer(t)

	bodies := []string{
		`{"keywords": ["Va_O"], "drop_shallow": true}`,
		`{"keywords": [], "exclude": ["Mg_i"], "drop_shallow": false}`,
	}

	var wg sync.WaitGroup
	for _, body := range bodies {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/solve", strings.NewReader(body))
				rec := httptest.NewRecorder()
				s.handleSolve(rec, req)
				if rec.Code != http.StatusOK {
					t.Errorf("solve returned %d: %s", rec.Code, rec.Body.String())
					return
				}
			}
		}(body)
	}
	wg.Wait()

	// Every GET must still see a consistent result set.
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDiagnostics_EmptyIsArray(t *testing.T) {
	s := testServer(t)
	s.removals = nil

	rec := httptest.NewRecorder()
	s.handleDiagnostics(rec, httptest.NewRequest(http.MethodGet, "/api/v1/diagnostics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var removals []filter.Removal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &removals))
	assert.Empty(t, removals)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "budget is per IP")
	assert.Positive(t, rl.RetryAfter("10.0.0.1"))
}

// TestRateLimiter_WindowReset verifies an expired window grants a fresh
// budget and that eviction drops the stale entry.
func TestRateLimiter_WindowReset(t *testing.T) {
	rl := NewRateLimiter(1, time.Nanosecond)
	defer rl.Close()

	assert.True(t, rl.Allow("10.0.0.1"))
	time.Sleep(time.Millisecond)
	assert.True(t, rl.Allow("10.0.0.1"), "expired window resets the budget")
	assert.Zero(t, rl.RetryAfter("10.0.0.3"), "unknown IP has nothing to wait for")

	time.Sleep(time.Millisecond)
	rl.evictStale()
	rl.mu.Lock()
	n := len(rl.windows)
	rl.mu.Unlock()
	assert.Zero(t, n)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4123"
	assert.Equal(t, "192.0.2.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}
