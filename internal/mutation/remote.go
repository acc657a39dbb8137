package mutation

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"outliner-backend/internal/backend"
	"outliner-backend/internal/domain/node"
	"outliner-backend/internal/events"
	"outliner-backend/internal/hierarchy"
)

// LoadChildren hydrates the children of each parent from the backend. Parents
// are fetched concurrently and applied in argument order. Cached nodes that
// are newer than the stored copy are kept. It returns the IDs materialized.
func (e *Engine) LoadChildren(ctx context.Context, parentIDs ...string) ([]string, error) {
	if len(parentIDs) == 0 {
		parentIDs = []string{hierarchy.Root}
	}

	results := make([][]*node.Node, len(parentIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.loadConcurrency)
	for i, parentID := range parentIDs {
		i, parentID := i, parentID
		g.Go(func() error {
			kids, err := e.backend.ListChildren(gctx, parentID)
			if err != nil {
				return err
			}
			results[i] = kids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("Failed to load children",
			zap.Strings("parent_ids", parentIDs),
			zap.Error(err),
		)
		return nil, err
	}

	var (
		loaded []string
		out    []events.Payload
	)
	e.mu.Lock()
	for i, parentID := range parentIDs {
		for _, n := range results[i] {
			if n.Parent() != parentID {
				continue
			}
			if e.materialize(n, node.ProvenanceDatabase) {
				loaded = append(loaded, n.ID)
			}
		}
		e.refreshLocal(e.tree.Children(parentID)...)
		out = append(out, events.CacheInvalidatePayload{Scope: events.ScopeNode, NodeID: parentID})
	}
	e.mu.Unlock()

	if len(loaded) > 0 {
		out = append([]events.Payload{events.HierarchyChangedPayload{ChangeType: events.ChangeLoad, AffectedNodes: loaded}}, out...)
	}
	e.publish(events.NamespaceLocal, out)
	return loaded, nil
}

// ApplyRemoteNode materializes a node written by another client. The whole
// record replaces the cached one when it wins last-write-wins: higher version,
// then later modification time. It reports whether the record was applied.
func (e *Engine) ApplyRemoteNode(ctx context.Context, n *node.Node) (bool, error) {
	if n == nil || n.ID == "" {
		return false, invalid("applyRemoteNode", "", "remote node without id")
	}

	release, err := e.gate.acquire(ctx, n.ID)
	if err != nil {
		return false, err
	}
	defer release()

	e.mu.Lock()
	if cur := e.cache.Get(n.ID); cur != nil && !node.Newer(n, cur) {
		e.mu.Unlock()
		e.logger.Debug("Ignoring stale remote write",
			zap.String("node_id", n.ID),
			zap.Int64("remote_version", n.Version),
			zap.Int64("cached_version", cur.Version),
		)
		return false, nil
	}

	oldParent, known := e.tree.Parent(n.ID)
	oldPrev, _ := e.tree.PreviousSibling(n.ID)
	applied := e.materialize(n, node.ProvenanceSync)
	newParent, _ := e.tree.Parent(n.ID)
	newPrev, _ := e.tree.PreviousSibling(n.ID)
	e.refreshLocal(union(e.tree.Children(oldParent), e.tree.Children(newParent))...)
	e.mu.Unlock()

	if applied && (!known || oldParent != newParent || oldPrev != newPrev) {
		e.publish(events.NamespaceSync, []events.Payload{
			events.HierarchyChangedPayload{ChangeType: events.ChangeRemote, AffectedNodes: []string{n.ID}},
		})
	}
	return applied, nil
}

// ApplyRemoteDelete removes a node deleted by another client, with its
// subtree. It reports whether anything was removed.
func (e *Engine) ApplyRemoteDelete(ctx context.Context, nodeID string) (bool, error) {
	release, err := e.gate.acquire(ctx, nodeID)
	if err != nil {
		return false, err
	}
	defer release()

	e.mu.Lock()
	parent, ok := e.tree.Parent(nodeID)
	if !ok {
		removed := e.cache.Delete(nodeID, node.ProvenanceSync)
		delete(e.synced, nodeID)
		e.mu.Unlock()
		return removed, nil
	}
	removed, _ := e.removeSubtree(nil, nodeID, node.ProvenanceSync)
	for _, id := range removed {
		delete(e.synced, id)
	}
	e.refreshLocal(e.tree.Children(parent)...)
	e.mu.Unlock()

	e.publish(events.NamespaceSync, []events.Payload{
		events.HierarchyChangedPayload{ChangeType: events.ChangeRemote, AffectedNodes: removed},
	})
	return true, nil
}

// ApplyRemoteEdge places a child under a parent at the given order as written
// by another client.
func (e *Engine) ApplyRemoteEdge(ctx context.Context, edge node.Edge) error {
	release, err := e.gate.acquire(ctx, edge.ChildID)
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	cur, known := e.tree.Parent(edge.ChildID)
	switch {
	case !known:
		err = e.tree.AddChild(edge.ParentID, edge.ChildID, edge.Order)
	case cur == edge.ParentID:
		err = e.tree.AddChild(edge.ParentID, edge.ChildID, edge.Order)
	default:
		order := edge.Order
		_, err = e.tree.MoveRelationship(cur, edge.ParentID, edge.ChildID, &order)
	}
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("Rejected remote edge",
			zap.String("edge_id", edge.ID()),
			zap.Error(err),
		)
		return err
	}
	e.refreshLocal(union(e.tree.Children(cur), e.tree.Children(edge.ParentID))...)
	e.mu.Unlock()

	e.publish(events.NamespaceSync, []events.Payload{
		events.HierarchyChangedPayload{ChangeType: events.ChangeRemote, AffectedNodes: []string{edge.ChildID, edge.ParentID}},
	})
	return nil
}

// ApplyRemoteEdgeDelete drops an edge removed by another client.
func (e *Engine) ApplyRemoteEdgeDelete(ctx context.Context, parentID, childID string) (bool, error) {
	release, err := e.gate.acquire(ctx, childID)
	if err != nil {
		return false, err
	}
	defer release()

	e.mu.Lock()
	removed := e.tree.RemoveChild(parentID, childID)
	if removed {
		e.refreshLocal(e.tree.Children(parentID)...)
	}
	e.mu.Unlock()
	return removed, nil
}

// materialize writes a stored node into the cache and places it in the tree
// after its persisted predecessor. Cached copies that are not older are kept,
// and only placed when the tree does not know them yet. Callers hold e.mu.
func (e *Engine) materialize(n *node.Node, prov node.Provenance) bool {
	rec := backend.NormalizeContainer(n)

	applied := false
	if cur := e.cache.Get(rec.ID); cur == nil || node.Newer(rec, cur) {
		if err := e.cache.Put(rec, prov); err != nil {
			e.logger.Warn("Failed to cache node",
				zap.String("node_id", rec.ID),
				zap.Error(err),
			)
			return false
		}
		applied = true
	} else {
		e.cache.MarkPersisted(rec.ID)
	}
	if prev, ok := e.synced[rec.ID]; !ok || rec.Version >= prev.version {
		e.synced[rec.ID] = stored{parent: rec.Parent(), before: rec.BeforeSibling(), version: rec.Version}
	}

	if !applied && e.tree.Contains(rec.ID) {
		return false
	}
	if err := e.place(rec.ID, rec.Parent(), rec.BeforeSibling()); err != nil {
		e.logger.Warn("Failed to place node in tree",
			zap.String("node_id", rec.ID),
			zap.String("parent_id", rec.Parent()),
			zap.Error(err),
		)
	}
	return applied
}

// place positions id under parentID directly after beforeID. An empty or
// unknown beforeID puts it first or last respectively. Callers hold e.mu.
func (e *Engine) place(id, parentID, beforeID string) error {
	cur, known := e.tree.Parent(id)
	if known && cur == parentID {
		if prev, _ := e.tree.PreviousSibling(id); prev == beforeID {
			return nil
		}
	}

	var (
		order float64
		err   error
	)
	if p, ok := e.tree.Parent(beforeID); beforeID == "" || (ok && p == parentID && beforeID != id) {
		order, _, err = e.tree.OrderBetween(parentID, beforeID, e.successor(parentID, beforeID, id))
	} else {
		order, _, err = e.tree.OrderBetween(parentID, e.lastChildExcept(parentID, id), "")
	}
	if err != nil {
		return err
	}

	switch {
	case !known, cur == parentID:
		return e.tree.AddChild(parentID, id, order)
	default:
		_, err = e.tree.MoveRelationship(cur, parentID, id, &order)
		return err
	}
}

func (e *Engine) lastChildExcept(parentID, exclude string) string {
	children := e.tree.Children(parentID)
	for i := len(children) - 1; i >= 0; i-- {
		if children[i] != exclude {
			return children[i]
		}
	}
	return ""
}
