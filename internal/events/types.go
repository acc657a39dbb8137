// Package events is the in-process domain event bus shared by the mutation engine
// and the sync listener. Local and remote changes travel through the same bus and
// are told apart only by their namespace.
package events

import (
	"time"

	"github.com/google/uuid"

	"outliner-backend/internal/domain/node"
)

// Type names an event kind.
type Type string

const (
	NodeCreated       Type = "node:created"
	NodeUpdated       Type = "node:updated"
	NodeDeleted       Type = "node:deleted"
	EdgeCreated       Type = "edge:created"
	EdgeUpdated       Type = "edge:updated"
	EdgeDeleted       Type = "edge:deleted"
	HierarchyChanged  Type = "hierarchy:changed"
	CacheInvalidate   Type = "cache:invalidate"
	NodeStatusChanged Type = "node:status-changed"
	SyncStatusChanged Type = "sync:status-changed"
	SyncFailed        Type = "error:sync-failed"

	// Wildcard subscribes to every type.
	Wildcard Type = "*"
)

// Namespace tells local and remote origin apart.
type Namespace string

const (
	NamespaceLocal Namespace = "local"
	NamespaceSync  Namespace = "sync"
)

// Payload is the type-specific body of an event.
type Payload interface {
	EventType() Type
	AggregateID() string
}

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Namespace Namespace `json:"namespace"`
	At        time.Time `json:"at"`
	Payload   Payload   `json:"payload"`
}

// New wraps payload in an envelope.
func New(ns Namespace, payload Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      payload.EventType(),
		Namespace: ns,
		At:        time.Now(),
		Payload:   payload,
	}
}

// AggregateID returns the node or edge the event is about, if any.
func (e Event) AggregateID() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.AggregateID()
}

// NodeData is the node snapshot carried by node events.
type NodeData struct {
	ID              string        `json:"id"`
	Content         string        `json:"content"`
	NodeType        node.NodeType `json:"nodeType"`
	Version         int64         `json:"version"`
	ModifiedAt      time.Time     `json:"modifiedAt"`
	ParentID        string        `json:"parentId,omitempty"`
	BeforeSiblingID string        `json:"beforeSiblingId,omitempty"`
	ContainerNodeID string        `json:"containerNodeId,omitempty"`
}

// DataOf builds NodeData from a node.
func DataOf(n *node.Node) NodeData {
	return NodeData{
		ID:              n.ID,
		Content:         n.Content,
		NodeType:        n.NodeType,
		Version:         n.Version,
		ModifiedAt:      n.ModifiedAt,
		ParentID:        n.Parent(),
		BeforeSiblingID: n.BeforeSibling(),
		ContainerNodeID: n.Container(),
	}
}

type NodeCreatedPayload struct {
	NodeID   string   `json:"nodeId"`
	NodeData NodeData `json:"nodeData"`
}

func (p NodeCreatedPayload) EventType() Type     { return NodeCreated }
func (p NodeCreatedPayload) AggregateID() string { return p.NodeID }

// UpdateType says which aspect of a node changed.
type UpdateType string

const (
	UpdateContent   UpdateType = "content"
	UpdateStructure UpdateType = "structure"
	UpdateReplace   UpdateType = "replace"
)

type NodeUpdatedPayload struct {
	NodeID     string     `json:"nodeId"`
	NodeData   NodeData   `json:"nodeData"`
	UpdateType UpdateType `json:"updateType"`
}

func (p NodeUpdatedPayload) EventType() Type     { return NodeUpdated }
func (p NodeUpdatedPayload) AggregateID() string { return p.NodeID }

type NodeDeletedPayload struct {
	NodeID string `json:"nodeId"`
}

func (p NodeDeletedPayload) EventType() Type     { return NodeDeleted }
func (p NodeDeletedPayload) AggregateID() string { return p.NodeID }

// EdgeData mirrors a structural edge using the in/out naming of the wire format.
type EdgeData struct {
	In    string  `json:"in"`
	Out   string  `json:"out"`
	Order float64 `json:"order"`
}

// EdgePayload is shared by the three edge events; Kind selects which one.
type EdgePayload struct {
	Kind     Type     `json:"-"`
	EdgeID   string   `json:"edgeId"`
	EdgeData EdgeData `json:"edgeData"`
}

func (p EdgePayload) EventType() Type     { return p.Kind }
func (p EdgePayload) AggregateID() string { return p.EdgeID }

// EdgeEvent builds an edge payload of the given kind.
func EdgeEvent(kind Type, e node.Edge) EdgePayload {
	return EdgePayload{
		Kind:     kind,
		EdgeID:   e.ID(),
		EdgeData: EdgeData{In: e.ParentID, Out: e.ChildID, Order: e.Order},
	}
}

// ChangeType classifies a hierarchy change.
type ChangeType string

const (
	ChangeCreate  ChangeType = "create"
	ChangeDelete  ChangeType = "delete"
	ChangeIndent  ChangeType = "indent"
	ChangeOutdent ChangeType = "outdent"
	ChangeCombine ChangeType = "combine"
	ChangeMove    ChangeType = "move"
	ChangeLoad    ChangeType = "load"
	ChangeRemote  ChangeType = "remote"
)

type HierarchyChangedPayload struct {
	ChangeType    ChangeType `json:"changeType"`
	AffectedNodes []string   `json:"affectedNodes"`
}

func (p HierarchyChangedPayload) EventType() Type { return HierarchyChanged }
func (p HierarchyChangedPayload) AggregateID() string {
	if len(p.AffectedNodes) == 0 {
		return ""
	}
	return p.AffectedNodes[0]
}

// Scope of a cache invalidation.
type Scope string

const (
	ScopeNode   Scope = "node"
	ScopeGlobal Scope = "global"
)

type CacheInvalidatePayload struct {
	Scope  Scope  `json:"scope"`
	NodeID string `json:"nodeId,omitempty"`
}

func (p CacheInvalidatePayload) EventType() Type     { return CacheInvalidate }
func (p CacheInvalidatePayload) AggregateID() string { return p.NodeID }

// NodeStatus is the persistence state of a single node.
type NodeStatus string

const (
	NodeStatusPlaceholder NodeStatus = "placeholder"
	NodeStatusSaving      NodeStatus = "saving"
	NodeStatusSaved       NodeStatus = "saved"
	NodeStatusFailed      NodeStatus = "failed"
)

type NodeStatusChangedPayload struct {
	NodeID string     `json:"nodeId"`
	Status NodeStatus `json:"status"`
}

func (p NodeStatusChangedPayload) EventType() Type     { return NodeStatusChanged }
func (p NodeStatusChangedPayload) AggregateID() string { return p.NodeID }

type SyncStatusChangedPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (p SyncStatusChangedPayload) EventType() Type     { return SyncStatusChanged }
func (p SyncStatusChangedPayload) AggregateID() string { return "" }

type SyncFailedPayload struct {
	Message   string `json:"message"`
	ErrorType string `json:"errorType"`
	Retryable bool   `json:"retryable"`
	Operation string `json:"operation,omitempty"`
	NodeID    string `json:"nodeId,omitempty"`
}

func (p SyncFailedPayload) EventType() Type     { return SyncFailed }
func (p SyncFailedPayload) AggregateID() string { return p.NodeID }
