package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhinos0608/kvengine/internal/events"
	"github.com/rhinos0608/kvengine/internal/kos"
)

func newTestEngine(t *testing.T) *kos.Engine {
	t.Helper()
	opts := kos.DefaultOptions(t.TempDir())
	opts.Authority.Enforce = false
	eng, err := kos.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestHealthEndpoint(t *testing.T) {
	eng := newTestEngine(t)
	bus := events.New()
	s := New(eng, nil, nil, bus)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatsEndpointReflectsEngine(t *testing.T) {
	eng := newTestEngine(t)
	bus := events.New()
	s := New(eng, nil, nil, bus)

	_, err := eng.Put("settings", map[string]any{"key": "theme", "value": "dark"}, kos.PutOptions{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"settings":1`)
}

func TestWalEndpointWithoutWalWired(t *testing.T) {
	eng := newTestEngine(t)
	bus := events.New()
	s := New(eng, nil, nil, bus)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/wal/some-id", nil)
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestEventsEndpointRecordsTail(t *testing.T) {
	eng := newTestEngine(t)
	bus := events.New()
	s := New(eng, nil, nil, bus)

	bus.Emit(events.TopicStorageError, map[string]any{"reason": "disk full"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/events", nil)
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "storage:error")
	assert.Contains(t, w.Body.String(), "disk full")
}
