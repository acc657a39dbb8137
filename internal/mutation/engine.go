// Package mutation implements the outliner's mutation engine: every structural
// and content change goes through it so the structure tree, the node cache and
// the backend stay consistent.
//
// Engine state is guarded by one mutex that is released only while waiting on
// the backend. Operations that touch the same node are additionally serialized
// by a per-node gate, so a fast indent followed by an outdent of the same node
// never observes the indent half-finished.
package mutation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"outliner-backend/internal/backend"
	"outliner-backend/internal/cache"
	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
	"outliner-backend/internal/events"
	"outliner-backend/internal/hierarchy"
)

const (
	defaultHistorySize     = 256
	defaultLoadConcurrency = 4
)

// CreateNodeInput describes a node created next to AfterNodeID.
type CreateNodeInput = node.CreateInput

// stored is what the engine last saw the backend hold for a node.
type stored struct {
	parent  string
	before  string
	version int64
}

// Engine orchestrates mutations.
type Engine struct {
	mu      sync.Mutex
	tree    *hierarchy.Tree
	cache   *cache.NodeCache
	backend backend.Backend
	bus     *events.Bus
	gate    *gate
	synced  map[string]stored
	ops     []*Operation

	historySize     int
	loadConcurrency int
	checkInvariants bool
	now             func() time.Time
	logger          *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces the time source used for operation timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithHistorySize bounds the operation history.
func WithHistorySize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historySize = n
		}
	}
}

// WithLoadConcurrency bounds parallel backend reads in LoadChildren.
func WithLoadConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.loadConcurrency = n
		}
	}
}

// WithInvariantChecks validates the structure tree after every commit.
func WithInvariantChecks(enabled bool) Option {
	return func(e *Engine) {
		e.checkInvariants = enabled
	}
}

// New creates an engine over the given tree, cache, backend and bus.
func New(tree *hierarchy.Tree, c *cache.NodeCache, b backend.Backend, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		tree:            tree,
		cache:           c,
		backend:         b,
		bus:             bus,
		gate:            newGate(),
		synced:          make(map[string]stored),
		historySize:     defaultHistorySize,
		loadConcurrency: defaultLoadConcurrency,
		now:             time.Now,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Node returns a copy of the cached node, or nil.
func (e *Engine) Node(id string) *node.Node {
	return e.cache.Get(id)
}

// Children returns the ordered child IDs of parentID ("" for top level).
func (e *Engine) Children(parentID string) []string {
	return e.tree.Children(parentID)
}

// Parent returns the parent of id. ok is false for unknown nodes.
func (e *Engine) Parent(id string) (string, bool) {
	return e.tree.Parent(id)
}

// IsPlaceholder reports whether id exists only locally.
func (e *Engine) IsPlaceholder(id string) bool {
	return e.cache.IsPlaceholder(id)
}

// HasPendingOperation reports whether a mutation on id is in flight.
func (e *Engine) HasPendingOperation(id string) bool {
	return e.gate.busy(id)
}

// release unlocks the engine and delivers the events queued so far.
func (e *Engine) release(t *txn) {
	out := t.drain()
	e.mu.Unlock()
	e.publish(events.NamespaceLocal, out)
}

func (e *Engine) publish(ns events.Namespace, payloads []events.Payload) {
	if e.bus == nil {
		return
	}
	for _, p := range payloads {
		e.bus.Emit(ns, p)
	}
}

// persistedBefore returns the nearest preceding sibling of id that exists in
// the backend. Persisted sibling pointers skip placeholders. Callers hold e.mu.
func (e *Engine) persistedBefore(id string) string {
	parent, ok := e.tree.Parent(id)
	if !ok {
		return ""
	}
	siblings := e.tree.Children(parent)
	idx := -1
	for i, s := range siblings {
		if s == id {
			idx = i
			break
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if e.cache.IsPersisted(siblings[i]) {
			return siblings[i]
		}
	}
	return ""
}

// awaitingPersistence reports whether id is a local node that should be
// created in the backend once its parent exists there. Deliberate
// placeholders are excluded until they receive content.
func (e *Engine) awaitingPersistence(id string) bool {
	if e.cache.IsPersisted(id) || !e.cache.Has(id) {
		return false
	}
	prov, _ := e.cache.Provenance(id)
	return prov != node.ProvenancePlaceholder
}

type pointerWrite struct {
	id     string
	parent string
	before string
	prev   stored
	known  bool
}

// planRelink lists the backend pointer writes needed for ids to match the
// tree. Nodes under a placeholder parent are deferred. Callers hold e.mu.
func (e *Engine) planRelink(ids []string) []pointerWrite {
	var writes []pointerWrite
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] || !e.cache.IsPersisted(id) {
			continue
		}
		seen[id] = true

		parent, ok := e.tree.Parent(id)
		if !ok {
			continue
		}
		if parent != hierarchy.Root && !e.cache.IsPersisted(parent) {
			e.logger.Debug("Deferring pointer update until parent is persisted",
				zap.String("node_id", id),
				zap.String("parent_id", parent),
			)
			continue
		}
		before := e.persistedBefore(id)
		s, known := e.synced[id]
		if known && s.parent == parent && s.before == before {
			continue
		}
		writes = append(writes, pointerWrite{id: id, parent: parent, before: before, prev: s, known: known})
	}
	return writes
}

// relink brings the backend's parent and sibling pointers for ids in line
// with the tree. Each write queues its inverse on t. Callers must not hold
// e.mu.
func (e *Engine) relink(ctx context.Context, t *txn, ids []string) error {
	e.mu.Lock()
	writes := e.planRelink(ids)
	e.mu.Unlock()

	for _, w := range writes {
		n, err := e.backend.SetParent(ctx, w.id, w.parent, w.before)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.absorb(n)
		e.mu.Unlock()
		if w.known {
			t.onUndo(e.revertPointers(w.id, w.prev))
		}
	}
	return nil
}

// persist creates id in the backend, then any local children that were
// waiting on it. A node whose parent is still local is left for later.
// Callers must not hold e.mu.
func (e *Engine) persist(ctx context.Context, t *txn, id string) error {
	e.mu.Lock()
	parent, ok := e.tree.Parent(id)
	n := e.cache.Get(id)
	if !ok || n == nil {
		e.mu.Unlock()
		return notFound("persist", id)
	}
	if parent != hierarchy.Root && !e.cache.IsPersisted(parent) {
		e.mu.Unlock()
		e.logger.Debug("Deferring node creation until parent is persisted",
			zap.String("node_id", id),
			zap.String("parent_id", parent),
		)
		return nil
	}
	e.capture(t, id)
	n.ParentID = node.Ptr(parent)
	n.BeforeSiblingID = node.Ptr(e.persistedBefore(id))
	e.mu.Unlock()

	created, err := e.backend.CreateNode(ctx, n)
	if err != nil {
		return err
	}
	t.onUndo(e.revertCreate(id))

	e.mu.Lock()
	e.absorb(created)
	var waiting []string
	for _, c := range e.tree.Children(id) {
		if e.awaitingPersistence(c) {
			waiting = append(waiting, c)
		}
	}
	e.mu.Unlock()

	for _, c := range waiting {
		if err := e.persist(ctx, t, c); err != nil {
			return err
		}
	}
	return nil
}

// writeContent stores content for a persisted node at the given version and
// queues a write of previous as its inverse. Callers must not hold e.mu.
func (e *Engine) writeContent(ctx context.Context, t *txn, id string, version int64, content, previous string) error {
	updated, err := e.backend.UpdateNode(ctx, id, version, backend.ContentPatch(content))
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.absorb(updated)
	e.mu.Unlock()

	t.onUndo(func(ctx context.Context) error {
		e.mu.Lock()
		current := e.synced[id].version
		e.mu.Unlock()

		restored, err := e.backend.UpdateNode(ctx, id, current, backend.ContentPatch(previous))
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.absorb(restored)
		e.mu.Unlock()
		return nil
	})
	return nil
}

func (e *Engine) revertPointers(id string, prev stored) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := e.backend.SetParent(ctx, id, prev.parent, prev.before)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.absorb(n)
		e.mu.Unlock()
		return nil
	}
}

func (e *Engine) revertCreate(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := e.backend.DeleteNode(ctx, id); err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		e.mu.Lock()
		delete(e.synced, id)
		e.mu.Unlock()
		return nil
	}
}

// revertDelete stores n again with the pointers it had when it was deleted.
func (e *Engine) revertDelete(n *node.Node) func(context.Context) error {
	return func(ctx context.Context) error {
		created, err := e.backend.CreateNode(ctx, n)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.absorb(created)
		e.mu.Unlock()
		return nil
	}
}

// absorb records a node returned by the backend: its stored pointers and
// version, and marks the cached copy durable. Callers hold e.mu.
func (e *Engine) absorb(n *node.Node) {
	if n == nil {
		return
	}
	if prev, ok := e.synced[n.ID]; !ok || n.Version >= prev.version {
		e.synced[n.ID] = stored{parent: n.Parent(), before: n.BeforeSibling(), version: n.Version}
	}

	cur := e.cache.Get(n.ID)
	if cur == nil {
		cur = n.Clone()
	} else {
		cur.Version = n.Version
		cur.CreatedAt = n.CreatedAt
		cur.ModifiedAt = n.ModifiedAt
	}
	if err := e.cache.Put(cur, node.ProvenanceDatabase); err != nil {
		e.logger.Debug("Backend response older than cached node",
			zap.String("node_id", n.ID),
			zap.Int64("version", n.Version),
		)
		e.cache.MarkPersisted(n.ID)
	}
}

// refreshLocal makes the cached parent and sibling fields of ids agree with
// the tree. Callers hold e.mu.
func (e *Engine) refreshLocal(ids ...string) {
	for _, id := range ids {
		n := e.cache.Get(id)
		if n == nil {
			continue
		}
		parent, ok := e.tree.Parent(id)
		if !ok {
			continue
		}
		prev, _ := e.tree.PreviousSibling(id)
		if n.Parent() == parent && n.BeforeSibling() == prev {
			continue
		}
		n.ParentID = node.Ptr(parent)
		n.BeforeSiblingID = node.Ptr(prev)

		prov := node.ProvenanceUser
		if p, _ := e.cache.Provenance(id); p == node.ProvenancePlaceholder {
			prov = node.ProvenancePlaceholder
		}
		if err := e.cache.Put(n, prov); err != nil {
			e.logger.Warn("Failed to refresh cached structure",
				zap.String("node_id", id),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) edge(parentID, childID string) node.Edge {
	order, _ := e.tree.Order(childID)
	return node.Edge{ParentID: parentID, ChildID: childID, Order: order}
}

func rebalanceEvents(parentID string, entries []hierarchy.ChildOrder) []events.Payload {
	out := make([]events.Payload, 0, len(entries))
	for _, c := range entries {
		out = append(out, events.EdgeEvent(events.EdgeUpdated, node.Edge{ParentID: parentID, ChildID: c.ChildID, Order: c.Order}))
	}
	return out
}

func union(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, id := range l {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func notFound(operation, id string) error {
	return apperrors.NotFound(apperrors.CodeNodeNotFound.String(), "node not found").
		WithOperation(operation).
		WithResource(id).
		Build()
}

func invalid(operation, id, message string) error {
	return apperrors.Validation(apperrors.CodeInvalidInput.String(), message).
		WithOperation(operation).
		WithResource(id).
		Build()
}
