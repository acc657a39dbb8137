package backend

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
)

// Hook runs before every MemoryBackend call. A non-nil error fails the call
// without touching stored state. Hooks may block to simulate latency.
type Hook func(ctx context.Context, op, id string) error

// Call is one recorded MemoryBackend invocation.
type Call struct {
	Op string
	ID string
}

// MemoryBackend is a process-local Backend used for development and tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	nodes  map[string]*node.Node
	calls  []Call
	hook   Hook
	now    func() time.Time
	logger *zap.Logger
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBackend{
		nodes:  make(map[string]*node.Node),
		now:    time.Now,
		logger: logger,
	}
}

// SetHook installs h, replacing any previous hook. nil removes it.
func (m *MemoryBackend) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Calls returns the recorded invocations in order.
func (m *MemoryBackend) Calls() []Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Call(nil), m.calls...)
}

// Len returns the number of stored nodes.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func (m *MemoryBackend) enter(ctx context.Context, op, id string) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, ID: id})
	hook := m.hook
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return apperrors.Timeout(apperrors.CodeBackendFailure.String(), "backend call cancelled").
			WithOperation(op).
			WithResource(id).
			WithCause(err).
			Build()
	}
	if hook != nil {
		return hook(ctx, op, id)
	}
	return nil
}

func (m *MemoryBackend) CreateNode(ctx context.Context, n *node.Node) (*node.Node, error) {
	if n == nil {
		return nil, apperrors.Validation(apperrors.CodeNodeIDEmpty.String(), "node is required").Build()
	}
	if err := m.enter(ctx, "createNode", n.ID); err != nil {
		return nil, err
	}

	stored := NormalizeContainer(n)
	if err := node.ValidateForPersistence(stored); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[stored.ID]; exists {
		return nil, alreadyExists("createNode", stored.ID)
	}
	if err := m.checkRefs("createNode", stored.ID, stored.Parent(), stored.BeforeSibling()); err != nil {
		return nil, err
	}

	now := m.now()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.ModifiedAt = now
	m.nodes[stored.ID] = stored

	m.logger.Debug("Node created", zap.String("node_id", stored.ID))
	return stored.Clone(), nil
}

func (m *MemoryBackend) GetNode(ctx context.Context, id string) (*node.Node, error) {
	if err := m.enter(ctx, "getNode", id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[id].Clone(), nil
}

func (m *MemoryBackend) UpdateNode(ctx context.Context, id string, version int64, patch Patch) (*node.Node, error) {
	if err := m.enter(ctx, "updateNode", id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.nodes[id]
	if !ok {
		return nil, notFound("updateNode", id)
	}
	if version > 0 && version != cur.Version {
		return nil, versionConflict("updateNode", id, version, cur.Version)
	}

	next := cur.Clone()
	patch.Apply(next)
	if err := node.ValidateForPersistence(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.ModifiedAt = m.now()
	m.nodes[id] = next
	return next.Clone(), nil
}

func (m *MemoryBackend) DeleteNode(ctx context.Context, id string) error {
	if err := m.enter(ctx, "deleteNode", id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return notFound("deleteNode", id)
	}
	delete(m.nodes, id)
	return nil
}

func (m *MemoryBackend) SetParent(ctx context.Context, childID, parentID, beforeSiblingID string) (*node.Node, error) {
	if err := m.enter(ctx, "setParent", childID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.nodes[childID]
	if !ok {
		return nil, notFound("setParent", childID)
	}
	if err := m.checkRefs("setParent", childID, parentID, beforeSiblingID); err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.ParentID = node.Ptr(parentID)
	next.BeforeSiblingID = node.Ptr(beforeSiblingID)
	next.Version = cur.Version + 1
	next.ModifiedAt = m.now()
	m.nodes[childID] = next
	return next.Clone(), nil
}

func (m *MemoryBackend) ListChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	if err := m.enter(ctx, "listChildren", parentID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*node.Node
	for _, n := range m.nodes {
		if n.Parent() == parentID {
			out = append(out, n.Clone())
		}
	}
	return OrderBySiblingChain(out), nil
}

// checkRefs rejects pointers to rows that do not exist, so nothing durable can
// reference an unsaved node. Callers hold m.mu.
func (m *MemoryBackend) checkRefs(op, id, parentID, beforeSiblingID string) error {
	for _, ref := range []string{parentID, beforeSiblingID} {
		if ref == "" {
			continue
		}
		if ref == id {
			return apperrors.Validation(apperrors.CodeSelfReference.String(), "node cannot reference itself").
				WithOperation(op).
				WithResource(id).
				Build()
		}
		if _, ok := m.nodes[ref]; !ok {
			return apperrors.Validation(apperrors.CodeBackendRejected.String(), "referenced node does not exist").
				WithOperation(op).
				WithResource(id).
				WithDetails(ref).
				Build()
		}
	}
	return nil
}
