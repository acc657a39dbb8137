package mutation

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"outliner-backend/internal/domain/node"
	"outliner-backend/internal/events"
	"outliner-backend/internal/hierarchy"
)

// CreateNode creates a sibling immediately after in.AfterNodeID, or before it
// when in.InsertAtBeginning is set. The new node inherits the sibling's parent
// and container. When inserted after, it also takes over the sibling's
// children. It returns the new node ID.
func (e *Engine) CreateNode(ctx context.Context, in CreateNodeInput) (string, error) {
	return e.create(ctx, "createNode", in, false)
}

// CreatePlaceholderNode creates a node the same way as CreateNode but keeps it
// local. It is written to the backend once UpdateNodeContent gives it content;
// until then no persisted pointer references it.
func (e *Engine) CreatePlaceholderNode(ctx context.Context, in CreateNodeInput) (string, error) {
	return e.create(ctx, "createPlaceholderNode", in, true)
}

func (e *Engine) create(ctx context.Context, name string, in CreateNodeInput, placeholder bool) (string, error) {
	issued := e.now()
	if err := node.ValidateStruct(in); err != nil {
		return "", err
	}

	draft := &node.Node{ID: node.NewID(), NodeType: in.NodeType, Content: in.Content}
	if in.NodeType == node.TypeHeader && in.HeaderLevel > 0 {
		draft.Properties = map[string]string{"headerLevel": strconv.Itoa(in.HeaderLevel)}
	}
	if !placeholder {
		if err := node.ValidateForPersistence(draft); err != nil {
			return "", err
		}
	}

	release, err := e.gate.acquire(ctx, in.AfterNodeID, draft.ID)
	if err != nil {
		return "", err
	}
	defer release()

	e.mu.Lock()
	parent, ok := e.tree.Parent(in.AfterNodeID)
	if !ok {
		e.mu.Unlock()
		return "", notFound(name, in.AfterNodeID)
	}
	t := e.begin(name, draft.ID, issued)
	e.capture(t, draft.ID)
	e.hold(t, draft.ID)
	e.hold(t, e.tree.Children(parent)...)
	if !in.InsertAtBeginning {
		e.hold(t, e.tree.Children(in.AfterNodeID)...)
	}

	var (
		order      float64
		rebalanced []hierarchy.ChildOrder
	)
	if in.InsertAtBeginning {
		order, rebalanced, err = e.tree.OrderBefore(parent, in.AfterNodeID)
	} else {
		order, rebalanced, err = e.tree.OrderAfter(parent, in.AfterNodeID)
	}
	if err == nil {
		err = e.tree.AddChild(parent, draft.ID, order)
	}
	if err != nil {
		e.rollback(t, err)
		e.release(t)
		return "", err
	}

	var transferred []string
	var edgeEvents []events.Payload
	if !in.InsertAtBeginning {
		for _, c := range e.tree.ChildrenWithOrder(in.AfterNodeID) {
			o := c.Order
			if _, err := e.tree.MoveRelationship(in.AfterNodeID, draft.ID, c.ChildID, &o); err != nil {
				e.rollback(t, err)
				e.release(t)
				return "", err
			}
			transferred = append(transferred, c.ChildID)
			edgeEvents = append(edgeEvents,
				events.EdgeEvent(events.EdgeDeleted, node.Edge{ParentID: in.AfterNodeID, ChildID: c.ChildID, Order: o}),
				events.EdgeEvent(events.EdgeCreated, node.Edge{ParentID: draft.ID, ChildID: c.ChildID, Order: o}),
			)
		}
	}

	if after := e.cache.Get(in.AfterNodeID); after != nil {
		draft.ContainerNodeID = after.ContainerNodeID
	}
	now := e.now()
	draft.CreatedAt = now
	draft.ModifiedAt = now
	draft.ParentID = node.Ptr(parent)

	prov, status := node.ProvenanceUser, events.NodeStatusSaving
	if placeholder {
		prov, status = node.ProvenancePlaceholder, events.NodeStatusPlaceholder
	}
	if err := e.cache.Put(draft, prov); err != nil {
		e.rollback(t, err)
		e.release(t)
		return "", err
	}

	siblings := e.tree.Children(parent)
	touched := union(siblings, transferred)
	e.restructure(t, touched...)

	t.emit(events.NodeCreatedPayload{NodeID: draft.ID, NodeData: events.DataOf(e.cache.Get(draft.ID))})
	t.emit(events.EdgeEvent(events.EdgeCreated, e.edge(parent, draft.ID)))
	t.emit(rebalanceEvents(parent, rebalanced)...)
	t.emit(edgeEvents...)
	t.emit(
		events.HierarchyChangedPayload{ChangeType: events.ChangeCreate, AffectedNodes: append([]string{draft.ID, in.AfterNodeID}, transferred...)},
		events.CacheInvalidatePayload{Scope: events.ScopeNode, NodeID: draft.ID},
		events.NodeStatusChangedPayload{NodeID: draft.ID, Status: status},
	)

	if placeholder {
		e.commit(t)
		e.release(t)
		e.logger.Debug("Placeholder node created",
			zap.String("node_id", draft.ID),
			zap.String("after_node_id", in.AfterNodeID),
		)
		return draft.ID, nil
	}
	e.release(t)

	err = e.persist(ctx, t, draft.ID)
	if err == nil {
		err = e.relink(ctx, t, union(touched, e.tree.Children(draft.ID)))
	}
	if err != nil {
		e.compensate(ctx, t)
	}

	e.mu.Lock()
	if err != nil {
		e.rollback(t, err)
		e.release(t)
		return "", err
	}
	if e.cache.IsPersisted(draft.ID) {
		t.emit(events.NodeStatusChangedPayload{NodeID: draft.ID, Status: events.NodeStatusSaved})
	}
	e.commit(t)
	e.release(t)
	return draft.ID, nil
}

// UpdateNodeContent replaces a node's content. The cache is updated first. A
// placeholder that receives non-blank content is created in the backend
// together with the pointer updates that were deferred while it was local.
func (e *Engine) UpdateNodeContent(ctx context.Context, nodeID, content string) error {
	const name = "updateNodeContent"
	issued := e.now()
	if nodeID == "" {
		return invalid(name, nodeID, "node id is required")
	}

	release, err := e.gate.acquire(ctx, nodeID)
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	cur := e.cache.Get(nodeID)
	if cur == nil {
		e.mu.Unlock()
		return notFound(name, nodeID)
	}
	local := e.cache.IsPlaceholder(nodeID)

	next := cur.Clone()
	next.Content = content
	next.ModifiedAt = e.now()
	if !local {
		if err := node.ValidateForPersistence(next); err != nil {
			e.mu.Unlock()
			return err
		}
	}

	t := e.begin(name, nodeID, issued)
	e.capture(t, nodeID)

	deferred := local && !next.HasContent()
	prov := node.ProvenanceUser
	if deferred {
		prov = node.ProvenancePlaceholder
	}
	if err := e.cache.Put(next, prov); err != nil {
		e.rollback(t, err)
		e.release(t)
		return err
	}
	t.emit(events.NodeUpdatedPayload{NodeID: nodeID, NodeData: events.DataOf(next), UpdateType: events.UpdateContent})

	if deferred {
		e.commit(t)
		e.release(t)
		return nil
	}

	if local {
		t.emit(events.NodeStatusChangedPayload{NodeID: nodeID, Status: events.NodeStatusSaving})
		parent, _ := e.tree.Parent(nodeID)
		waiting := union(e.tree.Children(parent), e.tree.Children(nodeID))
		e.release(t)

		err = e.persist(ctx, t, nodeID)
		if err == nil {
			err = e.relink(ctx, t, waiting)
		}
	} else {
		version := e.synced[nodeID].version
		e.release(t)
		err = e.writeContent(ctx, t, nodeID, version, content, cur.Content)
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
	if local && e.cache.IsPersisted(nodeID) {
		t.emit(events.NodeStatusChangedPayload{NodeID: nodeID, Status: events.NodeStatusSaved})
	}
	e.commit(t)
	e.release(t)
	return nil
}
