package mutation

import (
	"context"

	"go.uber.org/zap"

	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
	"outliner-backend/internal/events"
)

// BatchFailure is one failed item of a batch call.
type BatchFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult reports a batch call item by item.
type BatchResult struct {
	SuccessCount int            `json:"successCount"`
	Failures     []BatchFailure `json:"failures,omitempty"`
}

// DeleteNode removes a node and everything below it from the cache and the
// backend. Its successor is relinked to its predecessor before the rows are
// deleted.
func (e *Engine) DeleteNode(ctx context.Context, nodeID string) error {
	const name = "deleteNode"
	issued := e.now()

	release, err := e.gate.acquire(ctx, nodeID)
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	parent, ok := e.tree.Parent(nodeID)
	if !ok {
		e.mu.Unlock()
		return notFound(name, nodeID)
	}

	t := e.begin(name, nodeID, issued)
	removed, doomed := e.removeSubtree(t, nodeID, node.ProvenanceUser)

	siblings := e.tree.Children(parent)
	e.restructure(t, siblings...)
	t.emit(
		events.HierarchyChangedPayload{ChangeType: events.ChangeDelete, AffectedNodes: removed},
		events.CacheInvalidatePayload{Scope: events.ScopeGlobal},
	)
	e.release(t)

	err = e.relink(ctx, t, siblings)
	if err == nil {
		err = e.deleteRemote(ctx, t, doomed)
	}
	if err != nil {
		e.compensate(ctx, t)
	}

	e.mu.Lock()
	if err != nil {
		e.rollback(t, err)
		e.release(t)
		return err
	}
	e.commit(t)
	e.release(t)
	return nil
}

// CombineNodes appends the content of sourceID to targetID, moves the source's
// children under the target and deletes the source.
func (e *Engine) CombineNodes(ctx context.Context, sourceID, targetID string) error {
	const name = "combineNodes"
	issued := e.now()
	if sourceID == "" || sourceID == targetID {
		return invalid(name, sourceID, "source and target must be different nodes")
	}

	release, err := e.gate.acquire(ctx, sourceID, targetID)
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	src, tgt := e.cache.Get(sourceID), e.cache.Get(targetID)
	if src == nil || !e.tree.Contains(sourceID) {
		e.mu.Unlock()
		return notFound(name, sourceID)
	}
	if tgt == nil || !e.tree.Contains(targetID) {
		e.mu.Unlock()
		return notFound(name, targetID)
	}
	if e.tree.IsAncestor(sourceID, targetID) {
		e.mu.Unlock()
		return invalid(name, sourceID, "cannot combine a node into its own descendant")
	}
	parent, _ := e.tree.Parent(sourceID)

	t := e.begin(name, sourceID, issued)
	e.capture(t, sourceID, targetID)

	merged := tgt.Clone()
	merged.Content = tgt.Content + src.Content
	merged.ModifiedAt = e.now()
	prov := node.ProvenanceUser
	if p, _ := e.cache.Provenance(targetID); p == node.ProvenancePlaceholder && !merged.HasContent() {
		prov = node.ProvenancePlaceholder
	}
	if err := e.cache.Put(merged, prov); err != nil {
		e.rollback(t, err)
		e.release(t)
		return err
	}

	var edgeEvents []events.Payload
	moved := e.tree.Children(sourceID)
	e.hold(t, moved...)
	for _, c := range moved {
		old := e.edge(sourceID, c)
		if _, err := e.tree.MoveRelationship(sourceID, targetID, c, nil); err != nil {
			e.rollback(t, err)
			e.release(t)
			return err
		}
		edgeEvents = append(edgeEvents,
			events.EdgeEvent(events.EdgeDeleted, old),
			events.EdgeEvent(events.EdgeCreated, e.edge(targetID, c)),
		)
	}
	_, doomed := e.removeSubtree(t, sourceID, node.ProvenanceUser)

	touched := union(e.tree.Children(parent), e.tree.Children(targetID))
	e.restructure(t, touched...)
	t.emit(events.NodeUpdatedPayload{NodeID: targetID, NodeData: events.DataOf(e.cache.Get(targetID)), UpdateType: events.UpdateContent})
	t.emit(edgeEvents...)
	t.emit(
		events.HierarchyChangedPayload{ChangeType: events.ChangeCombine, AffectedNodes: append([]string{sourceID, targetID}, moved...)},
		events.CacheInvalidatePayload{Scope: events.ScopeGlobal},
	)
	targetPersisted := e.cache.IsPersisted(targetID)
	version := e.synced[targetID].version
	e.release(t)

	// Target content first, then pointers away from the source, then the source itself.
	switch {
	case targetPersisted:
		err = e.writeContent(ctx, t, targetID, version, merged.Content, tgt.Content)
	case merged.HasContent():
		err = e.persist(ctx, t, targetID)
	}
	if err == nil {
		err = e.relink(ctx, t, touched)
	}
	if err == nil {
		err = e.deleteRemote(ctx, t, doomed)
	}
	if err != nil {
		e.compensate(ctx, t)
	}

	e.mu.Lock()
	if err != nil {
		e.rollback(t, err)
		e.release(t)
		return err
	}
	e.commit(t)
	e.release(t)
	return nil
}

// BulkDeleteNodes deletes each node independently. One failure never stops
// the rest.
func (e *Engine) BulkDeleteNodes(ctx context.Context, nodeIDs []string) BatchResult {
	var res BatchResult
	for _, id := range nodeIDs {
		if err := e.DeleteNode(ctx, id); err != nil {
			msg := err.Error()
			if msg == "" {
				msg = "delete failed"
			}
			res.Failures = append(res.Failures, BatchFailure{ID: id, Error: msg})
			continue
		}
		res.SuccessCount++
	}

	e.logger.Info("Bulk delete finished",
		zap.Int("requested", len(nodeIDs)),
		zap.Int("deleted", res.SuccessCount),
		zap.Int("failed", len(res.Failures)),
	)
	return res
}

// removeSubtree drops id and its descendants from the tree and cache and
// queues their events. It returns the removed IDs in pre-order and copies of
// the persisted ones, children first, in the order they must leave the
// backend. Each copy carries its stored pointers. Callers hold e.mu; t may be
// nil when no rollback is possible.
func (e *Engine) removeSubtree(t *txn, id string, prov node.Provenance) (removed []string, persisted []*node.Node) {
	removed = append([]string{id}, e.tree.Descendants(id)...)
	if t != nil {
		e.capture(t, removed...)
		e.hold(t, removed...)
	}

	var edgeEvents, nodeEvents []events.Payload
	for i := len(removed) - 1; i >= 0; i-- {
		x := removed[i]
		if e.cache.IsPersisted(x) {
			if n := e.cache.Get(x); n != nil {
				if s, ok := e.synced[x]; ok {
					n.ParentID = node.Ptr(s.parent)
					n.BeforeSiblingID = node.Ptr(s.before)
				}
				persisted = append(persisted, n)
			}
		}
		if parent, ok := e.tree.Parent(x); ok {
			edgeEvents = append(edgeEvents, events.EdgeEvent(events.EdgeDeleted, e.edge(parent, x)))
			e.tree.RemoveChild(parent, x)
		}
		e.cache.Delete(x, prov)
	}
	for _, x := range removed {
		nodeEvents = append(nodeEvents, events.NodeDeletedPayload{NodeID: x})
	}
	if t != nil {
		t.emit(nodeEvents...)
		t.emit(edgeEvents...)
	}
	return removed, persisted
}

// deleteRemote deletes nodes from the backend in order and queues their
// re-creation as the inverse. Rows that are already gone count as deleted.
// Callers must not hold e.mu.
func (e *Engine) deleteRemote(ctx context.Context, t *txn, nodes []*node.Node) error {
	for _, n := range nodes {
		err := e.backend.DeleteNode(ctx, n.ID)
		if err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		e.mu.Lock()
		delete(e.synced, n.ID)
		e.mu.Unlock()
		if err == nil {
			t.onUndo(e.revertDelete(n))
		}
	}
	return nil
}
