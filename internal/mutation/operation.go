package mutation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"outliner-backend/internal/cache"
	apperrors "outliner-backend/internal/errors"
	"outliner-backend/internal/events"
	"outliner-backend/internal/hierarchy"
	"outliner-backend/internal/logging"
)

// State is the lifecycle state of an Operation.
type State string

const (
	StatePending    State = "pending"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled-back"
)

// Operation is one mutation as seen by the engine. IssuedAt is when the caller
// invoked it; StartedAt is when it cleared the per-node gate and began work.
type Operation struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	NodeID     string    `json:"nodeId"`
	State      State     `json:"state"`
	IssuedAt   time.Time `json:"issuedAt"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Err        error     `json:"-"`
}

// txn carries the undo information and the queued events of one operation.
// Everything except undo is only touched with the engine mutex held; undo
// belongs to the goroutine running the operation.
type txn struct {
	op      *Operation
	edges   []hierarchy.EdgeState
	held    map[string]bool
	entries []cache.Entry
	seen    map[string]bool
	touched []string
	outbox  []events.Payload
	undo    []func(context.Context) error
}

// begin opens an operation. Callers hold e.mu.
func (e *Engine) begin(name, nodeID string, issuedAt time.Time) *txn {
	op := &Operation{
		ID:        uuid.NewString(),
		Name:      name,
		NodeID:    nodeID,
		State:     StatePending,
		IssuedAt:  issuedAt,
		StartedAt: e.now(),
	}
	e.ops = append(e.ops, op)
	if len(e.ops) > e.historySize {
		e.ops = e.ops[len(e.ops)-e.historySize:]
	}
	return &txn{
		op:   op,
		held: make(map[string]bool),
		seen: make(map[string]bool),
	}
}

// hold records the tree placement of ids the first time they are seen. It
// must run before the operation moves them.
func (e *Engine) hold(t *txn, ids ...string) {
	var fresh []string
	for _, id := range ids {
		if id == "" || t.held[id] {
			continue
		}
		t.held[id] = true
		fresh = append(fresh, id)
	}
	if len(fresh) > 0 {
		t.edges = append(t.edges, e.tree.CaptureEdges(fresh...)...)
	}
}

// capture records the cache state of ids the first time they are seen. Only
// nodes whose record the operation itself rewrites are captured; neighbours
// are re-derived from the tree on rollback.
func (e *Engine) capture(t *txn, ids ...string) {
	var fresh []string
	for _, id := range ids {
		if id == "" || t.seen[id] {
			continue
		}
		t.seen[id] = true
		fresh = append(fresh, id)
	}
	if len(fresh) > 0 {
		t.entries = append(t.entries, e.cache.Capture(fresh...)...)
	}
}

// restructure refreshes the cached pointers of ids and remembers them for
// rollback. Callers hold e.mu.
func (e *Engine) restructure(t *txn, ids ...string) {
	t.touched = append(t.touched, ids...)
	e.refreshLocal(ids...)
}

func (t *txn) onUndo(fn func(context.Context) error) {
	t.undo = append(t.undo, fn)
}

func (t *txn) emit(payloads ...events.Payload) {
	t.outbox = append(t.outbox, payloads...)
}

func (t *txn) drain() []events.Payload {
	out := t.outbox
	t.outbox = nil
	return out
}

func (e *Engine) commit(t *txn) {
	t.op.State = StateCommitted
	t.op.FinishedAt = e.now()
	if e.checkInvariants {
		if err := e.tree.Validate(); err != nil {
			e.logger.Error("Structure tree inconsistent after commit",
				zap.String("operation", t.op.Name),
				zap.String("node_id", t.op.NodeID),
				zap.Error(err),
			)
		}
	}
	e.logger.Debug("Operation committed",
		zap.String("operation", t.op.Name),
		zap.String("node_id", t.op.NodeID),
		zap.Duration("duration", t.op.FinishedAt.Sub(t.op.StartedAt)),
	)
}

// compensate reverts the backend writes of t, newest first, so the stored
// sibling chains match what they were before the operation. It keeps going
// past failures. Callers must not hold e.mu.
func (e *Engine) compensate(ctx context.Context, t *txn) {
	if len(t.undo) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i := len(t.undo) - 1; i >= 0; i-- {
		if err := t.undo[i](ctx); err != nil {
			e.logger.Error("Failed to revert backend write",
				zap.String("operation", t.op.Name),
				zap.String("node_id", t.op.NodeID),
				zap.Error(err),
			)
		}
	}
	e.logger.Info("Reverted backend writes",
		zap.String("operation", t.op.Name),
		zap.Int("writes", len(t.undo)),
	)
	t.undo = nil
}

// rollback puts back the edges and cache entries the operation changed,
// re-derives the cached pointers around them and queues the failure events.
// Work committed by other operations in the meantime is kept. Callers hold
// e.mu.
func (e *Engine) rollback(t *txn, err error) {
	e.tree.RestoreEdges(t.edges)
	e.cache.Restore(t.entries)
	e.refreshLocal(e.affected(t)...)

	t.op.State = StateRolledBack
	t.op.FinishedAt = e.now()
	t.op.Err = err

	fields := append([]zap.Field{zap.String("operation", t.op.Name)}, logging.ErrorFields(err)...)
	e.logger.Warn("Operation rolled back", fields...)

	t.emit(
		events.SyncFailedPayload{
			Message:   err.Error(),
			ErrorType: string(apperrors.TypeOf(err)),
			Retryable: apperrors.IsRetryable(err),
			Operation: t.op.Name,
			NodeID:    t.op.NodeID,
		},
		events.NodeStatusChangedPayload{NodeID: t.op.NodeID, Status: events.NodeStatusFailed},
		events.CacheInvalidatePayload{Scope: events.ScopeGlobal},
	)
}

// affected lists every node whose cached pointers may have moved: the captured
// and touched nodes plus the current siblings of each captured parent.
func (e *Engine) affected(t *txn) []string {
	lists := [][]string{t.touched}
	for _, s := range t.edges {
		lists = append(lists, []string{s.ChildID})
		if s.Attached {
			lists = append(lists, e.tree.Children(s.ParentID))
		}
		if p, ok := e.tree.Parent(s.ChildID); ok {
			lists = append(lists, e.tree.Children(p))
		}
	}
	return union(lists...)
}

// Operations returns the recent operation history, oldest first.
func (e *Engine) Operations() []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Operation, len(e.ops))
	for i, op := range e.ops {
		out[i] = *op
	}
	return out
}
