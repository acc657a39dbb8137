package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outliner-backend/internal/backend"
	"outliner-backend/internal/cache"
	"outliner-backend/internal/domain/node"
	"outliner-backend/internal/events"
	"outliner-backend/internal/hierarchy"
	"outliner-backend/internal/livesync"
	"outliner-backend/internal/mutation"
)

type fixedSync struct{ state livesync.State }

func (f fixedSync) State() livesync.State { return f.state }

func newOutline(t *testing.T) *mutation.Engine {
	t.Helper()
	ctx := context.Background()
	b := backend.NewMemoryBackend(nil)
	for _, n := range []*node.Node{
		{ID: "a", NodeType: node.TypeText, Content: "a", ParentID: node.Ptr(""), BeforeSiblingID: node.Ptr("")},
		{ID: "b", NodeType: node.TypeText, Content: "b", ParentID: node.Ptr(""), BeforeSiblingID: node.Ptr("a")},
		{ID: "a1", NodeType: node.TypeText, Content: "a1", ParentID: node.Ptr("a"), BeforeSiblingID: node.Ptr("")},
	} {
		_, err := b.CreateNode(ctx, n)
		require.NoError(t, err)
	}

	e := mutation.New(hierarchy.New(), cache.New(), b, events.NewBus())
	_, err := e.LoadChildren(ctx, hierarchy.Root, "a")
	require.NoError(t, err)
	return e
}

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("outliner_events_total 1\n"))
	})
	router := NewRouter(Options{
		Outline:     newOutline(t),
		Sync:        fixedSync{state: livesync.State{Status: livesync.StatusReconnecting, Reason: "attempt 1 of 5", Attempts: 1}},
		Metrics:     metrics,
		MetricsPath: "/metrics",
	})

	tests := []struct {
		name     string
		path     string
		status   int
		contains string
	}{
		{name: "health", path: "/health", status: http.StatusOK, contains: `"status":"ok"`},
		{name: "sync status", path: "/sync/status", status: http.StatusOK, contains: `"status":"reconnecting"`},
		{name: "metrics", path: "/metrics", status: http.StatusOK, contains: "outliner_events_total"},
		{name: "roots", path: "/api/v1/roots", status: http.StatusOK, contains: `"children":["a","b"]`},
		{name: "children", path: "/api/v1/nodes/a/children", status: http.StatusOK, contains: `"children":["a1"]`},
		{name: "leaf has empty children", path: "/api/v1/nodes/b/children", status: http.StatusOK, contains: `"children":[]`},
		{name: "unknown node", path: "/api/v1/nodes/nope", status: http.StatusNotFound, contains: "node not found"},
		{name: "unknown node children", path: "/api/v1/nodes/nope/children", status: http.StatusNotFound, contains: "node not found"},
		{name: "operations", path: "/api/v1/operations", status: http.StatusOK, contains: "["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, router, tt.path)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
			if tt.path != "/metrics" {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestGetNode(t *testing.T) {
	router := NewRouter(Options{Outline: newOutline(t)})

	rec := serve(t, router, "/api/v1/nodes/a")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Node        node.Node `json:"node"`
		Children    []string  `json:"children"`
		Placeholder bool      `json:"placeholder"`
		Pending     bool      `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "a", body.Node.ID)
	assert.Equal(t, "a", body.Node.Content)
	assert.Equal(t, []string{"a1"}, body.Children)
	assert.False(t, body.Placeholder)
	assert.False(t, body.Pending)
}

func TestOptionalSurfaces(t *testing.T) {
	router := NewRouter(Options{Outline: newOutline(t)})

	rec := serve(t, router, "/sync/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"disabled"}`, rec.Body.String())

	rec = serve(t, router, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
