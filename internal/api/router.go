package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"outliner-backend/internal/domain/node"
	"outliner-backend/internal/hierarchy"
	"outliner-backend/internal/livesync"
	"outliner-backend/internal/mutation"
)

// Outline is the read side of the mutation engine.
type Outline interface {
	Node(id string) *node.Node
	Children(parentID string) []string
	IsPlaceholder(id string) bool
	HasPendingOperation(id string) bool
	Operations() []mutation.Operation
}

// SyncState reports the change stream listener's state.
type SyncState interface {
	State() livesync.State
}

// Options wires the router. Sync and Metrics may be nil.
type Options struct {
	Outline        Outline
	Sync           SyncState
	Metrics        http.Handler
	MetricsPath    string
	RequestTimeout time.Duration
}

// NewRouter builds the chi router.
func NewRouter(opts Options) *chi.Mux {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	h := &handlers{outline: opts.Outline, sync: opts.Sync}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			Success(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/sync/status", h.syncStatus)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/operations", h.listOperations)
		r.Get("/roots", h.listRoots)
		r.Route("/nodes/{nodeId}", func(r chi.Router) {
			r.Get("/", h.getNode)
			r.Get("/children", h.listChildren)
		})
	})

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.Metrics)
	}

	return r
}

type handlers struct {
	outline Outline
	sync    SyncState
}

func (h *handlers) syncStatus(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		Success(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	Success(w, http.StatusOK, h.sync.State())
}

func (h *handlers) listOperations(w http.ResponseWriter, r *http.Request) {
	Success(w, http.StatusOK, h.outline.Operations())
}

func (h *handlers) listRoots(w http.ResponseWriter, r *http.Request) {
	Success(w, http.StatusOK, ChildrenResponse{
		ParentID: hierarchy.Root,
		Children: nonNil(h.outline.Children(hierarchy.Root)),
	})
}

func (h *handlers) getNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeId")
	n := h.outline.Node(id)
	if n == nil {
		Error(w, http.StatusNotFound, "node not found")
		return
	}
	Success(w, http.StatusOK, NodeResponse{
		Node:        n,
		Children:    nonNil(h.outline.Children(id)),
		Placeholder: h.outline.IsPlaceholder(id),
		Pending:     h.outline.HasPendingOperation(id),
	})
}

func (h *handlers) listChildren(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeId")
	if h.outline.Node(id) == nil {
		Error(w, http.StatusNotFound, "node not found")
		return
	}
	Success(w, http.StatusOK, ChildrenResponse{
		ParentID: id,
		Children: nonNil(h.outline.Children(id)),
	})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
