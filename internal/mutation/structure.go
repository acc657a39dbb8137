package mutation

import (
	"context"

	"go.uber.org/zap"

	"outliner-backend/internal/events"
	"outliner-backend/internal/hierarchy"
)

// IndentNode makes nodeID the last child of its previous sibling. Siblings
// after it stay where they are. It reports false when the node has no previous
// sibling or when the backend rejected the move and it was rolled back; the
// rollback is reported on the bus, not returned.
func (e *Engine) IndentNode(ctx context.Context, nodeID string) (bool, error) {
	const name = "indentNode"
	issued := e.now()

	release, err := e.gate.acquire(ctx, nodeID)
	if err != nil {
		return false, err
	}
	defer release()

	e.mu.Lock()
	parent, ok := e.tree.Parent(nodeID)
	if !ok {
		e.mu.Unlock()
		return false, notFound(name, nodeID)
	}
	prev, _ := e.tree.PreviousSibling(nodeID)
	if prev == "" {
		e.mu.Unlock()
		e.logger.Debug("Cannot indent first child", zap.String("node_id", nodeID))
		return false, nil
	}

	t := e.begin(name, nodeID, issued)
	e.hold(t, nodeID)
	oldEdge := e.edge(parent, nodeID)
	if _, err := e.tree.MoveRelationship(parent, prev, nodeID, nil); err != nil {
		e.rollback(t, err)
		e.release(t)
		return false, nil
	}

	touched := union(e.tree.Children(parent), e.tree.Children(prev))
	e.restructure(t, touched...)
	t.emit(
		events.EdgeEvent(events.EdgeDeleted, oldEdge),
		events.EdgeEvent(events.EdgeCreated, e.edge(prev, nodeID)),
		events.NodeUpdatedPayload{NodeID: nodeID, NodeData: events.DataOf(e.cache.Get(nodeID)), UpdateType: events.UpdateStructure},
		events.HierarchyChangedPayload{ChangeType: events.ChangeIndent, AffectedNodes: []string{nodeID, prev}},
		events.CacheInvalidatePayload{Scope: events.ScopeNode, NodeID: nodeID},
	)
	e.release(t)

	return e.finishStructural(ctx, t, touched), nil
}

// OutdentNode makes nodeID the sibling immediately after its parent. Every
// sibling that came after it moves under it, after its existing children and
// in the same relative order. It waits for any in-flight operation on nodeID
// first. It reports false for top-level nodes and for rolled back moves.
func (e *Engine) OutdentNode(ctx context.Context, nodeID string) (bool, error) {
	const name = "outdentNode"
	issued := e.now()

	release, err := e.gate.acquire(ctx, nodeID)
	if err != nil {
		return false, err
	}
	defer release()

	e.mu.Lock()
	parent, ok := e.tree.Parent(nodeID)
	if !ok {
		e.mu.Unlock()
		return false, notFound(name, nodeID)
	}
	if parent == hierarchy.Root {
		e.mu.Unlock()
		e.logger.Debug("Cannot outdent top-level node", zap.String("node_id", nodeID))
		return false, nil
	}
	grandparent, _ := e.tree.Parent(parent)
	trailing := e.tree.SiblingsAfter(nodeID)

	t := e.begin(name, nodeID, issued)
	e.hold(t, e.tree.Children(parent)...)
	e.hold(t, e.tree.Children(grandparent)...)
	var edgeEvents []events.Payload
	edgeEvents = append(edgeEvents, events.EdgeEvent(events.EdgeDeleted, e.edge(parent, nodeID)))

	order, rebalanced, err := e.tree.OrderAfter(grandparent, parent)
	if err == nil {
		_, err = e.tree.MoveRelationship(parent, grandparent, nodeID, &order)
	}
	if err != nil {
		e.rollback(t, err)
		e.release(t)
		return false, nil
	}
	edgeEvents = append(edgeEvents, rebalanceEvents(grandparent, rebalanced)...)
	edgeEvents = append(edgeEvents, events.EdgeEvent(events.EdgeCreated, e.edge(grandparent, nodeID)))

	for _, s := range trailing {
		old := e.edge(parent, s)
		if _, err := e.tree.MoveRelationship(parent, nodeID, s, nil); err != nil {
			e.rollback(t, err)
			e.release(t)
			return false, nil
		}
		edgeEvents = append(edgeEvents,
			events.EdgeEvent(events.EdgeDeleted, old),
			events.EdgeEvent(events.EdgeCreated, e.edge(nodeID, s)),
		)
	}

	touched := union(e.tree.Children(parent), e.tree.Children(grandparent), e.tree.Children(nodeID))
	e.restructure(t, touched...)
	t.emit(edgeEvents...)
	t.emit(
		events.NodeUpdatedPayload{NodeID: nodeID, NodeData: events.DataOf(e.cache.Get(nodeID)), UpdateType: events.UpdateStructure},
		events.HierarchyChangedPayload{ChangeType: events.ChangeOutdent, AffectedNodes: append([]string{nodeID}, trailing...)},
		events.CacheInvalidatePayload{Scope: events.ScopeNode, NodeID: nodeID},
	)
	e.release(t)

	return e.finishStructural(ctx, t, touched), nil
}

// MoveNode places nodeID under newParentID ("" for top level) immediately
// after afterSiblingID, or first when afterSiblingID is empty. Moves that would
// make a node its own ancestor are rejected.
func (e *Engine) MoveNode(ctx context.Context, nodeID, newParentID, afterSiblingID string) error {
	const name = "moveNode"
	issued := e.now()
	switch {
	case nodeID == "":
		return invalid(name, nodeID, "node id is required")
	case nodeID == newParentID:
		return hierarchy.ErrSelfReference
	case nodeID == afterSiblingID:
		return invalid(name, nodeID, "node cannot be placed after itself")
	}

	release, err := e.gate.acquire(ctx, nodeID)
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	oldParent, ok := e.tree.Parent(nodeID)
	if !ok {
		e.mu.Unlock()
		return notFound(name, nodeID)
	}
	if newParentID != hierarchy.Root {
		if !e.tree.Contains(newParentID) {
			e.mu.Unlock()
			return notFound(name, newParentID)
		}
		if e.tree.IsAncestor(nodeID, newParentID) {
			e.mu.Unlock()
			return hierarchy.ErrCycle
		}
	}
	if afterSiblingID != "" {
		if p, ok := e.tree.Parent(afterSiblingID); !ok || p != newParentID {
			e.mu.Unlock()
			return hierarchy.ErrSiblingNotFound
		}
	}

	t := e.begin(name, nodeID, issued)
	e.hold(t, nodeID)
	e.hold(t, e.tree.Children(newParentID)...)
	oldEdge := e.edge(oldParent, nodeID)

	next := e.successor(newParentID, afterSiblingID, nodeID)
	order, rebalanced, err := e.tree.OrderBetween(newParentID, afterSiblingID, next)
	if err == nil {
		_, err = e.tree.MoveRelationship(oldParent, newParentID, nodeID, &order)
	}
	if err != nil {
		e.rollback(t, err)
		e.release(t)
		return err
	}

	touched := union(e.tree.Children(oldParent), e.tree.Children(newParentID))
	e.restructure(t, touched...)
	t.emit(rebalanceEvents(newParentID, rebalanced)...)
	t.emit(
		events.EdgeEvent(events.EdgeDeleted, oldEdge),
		events.EdgeEvent(events.EdgeCreated, e.edge(newParentID, nodeID)),
		events.NodeUpdatedPayload{NodeID: nodeID, NodeData: events.DataOf(e.cache.Get(nodeID)), UpdateType: events.UpdateStructure},
		events.HierarchyChangedPayload{ChangeType: events.ChangeMove, AffectedNodes: []string{nodeID, oldParent, newParentID}},
		events.CacheInvalidatePayload{Scope: events.ScopeNode, NodeID: nodeID},
	)
	e.release(t)

	if !e.finishStructural(ctx, t, touched) {
		return t.op.Err
	}
	return nil
}

// successor returns the child of parentID that follows afterID (the first
// child when afterID is empty), skipping exclude. Callers hold e.mu.
func (e *Engine) successor(parentID, afterID, exclude string) string {
	children := e.tree.Children(parentID)
	start := 0
	if afterID != "" {
		for i, c := range children {
			if c == afterID {
				start = i + 1
				break
			}
		}
	}
	for _, c := range children[start:] {
		if c != exclude {
			return c
		}
	}
	return ""
}

// finishStructural writes the pointer changes for touched and commits, or
// reverts the writes that landed and rolls the operation back. Callers must
// not hold e.mu.
func (e *Engine) finishStructural(ctx context.Context, t *txn, touched []string) bool {
	err := e.relink(ctx, t, touched)
	if err != nil {
		e.compensate(ctx, t)
	}

	e.mu.Lock()
	if err != nil {
		e.rollback(t, err)
		e.release(t)
		return false
	}
	e.commit(t)
	e.release(t)
	return true
}
