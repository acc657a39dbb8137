// Package node defines the outliner's content entities: nodes, the structural
// edges that order them, and the provenance tags recorded when they change.
package node

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeType is the discriminated tag of a node.
type NodeType string

const (
	TypeText       NodeType = "text"
	TypeHeader     NodeType = "header"
	TypeTask       NodeType = "task"
	TypeDate       NodeType = "date"
	TypeCollection NodeType = "collection"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case TypeText, TypeHeader, TypeTask, TypeDate, TypeCollection:
		return true
	}
	return false
}

// AllowsBlankContent reports whether nodes of this type may be persisted with empty content.
// Text and header nodes are always accepted blank; tasks, dates and collections need a body.
func (t NodeType) AllowsBlankContent() bool {
	switch t {
	case TypeText, TypeHeader:
		return true
	}
	return false
}

// RootContainer is the UI-layer sentinel for "no container". It is translated to nil at
// the backend boundary and never stored.
const RootContainer = "root"

// Node is a content-bearing unit in the document tree.
type Node struct {
	ID              string            `json:"id" dynamodbav:"NodeID"`
	NodeType        NodeType          `json:"nodeType" dynamodbav:"NodeType"`
	Content         string            `json:"content" dynamodbav:"Content"`
	Properties      map[string]string `json:"properties,omitempty" dynamodbav:"Properties,omitempty"`
	Version         int64             `json:"version" dynamodbav:"Version"`
	CreatedAt       time.Time         `json:"createdAt" dynamodbav:"CreatedAt"`
	ModifiedAt      time.Time         `json:"modifiedAt" dynamodbav:"ModifiedAt"`
	ParentID        *string           `json:"parentId,omitempty" dynamodbav:"ParentID,omitempty"`
	BeforeSiblingID *string           `json:"beforeSiblingId,omitempty" dynamodbav:"BeforeSiblingID,omitempty"`
	ContainerNodeID *string           `json:"containerNodeId,omitempty" dynamodbav:"ContainerNodeID,omitempty"`
	Mentions        []string          `json:"mentions,omitempty" dynamodbav:"Mentions,omitempty"`
}

// NewID returns a fresh opaque node identifier.
func NewID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Properties != nil {
		c.Properties = make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	if n.Mentions != nil {
		c.Mentions = append([]string(nil), n.Mentions...)
	}
	c.ParentID = cloneString(n.ParentID)
	c.BeforeSiblingID = cloneString(n.BeforeSiblingID)
	c.ContainerNodeID = cloneString(n.ContainerNodeID)
	return &c
}

// HasContent reports whether the node carries non-whitespace content.
func (n *Node) HasContent() bool {
	return n != nil && strings.TrimSpace(n.Content) != ""
}

// Parent returns the parent ID or "" for top-level nodes.
func (n *Node) Parent() string {
	return Deref(n.ParentID)
}

// BeforeSibling returns the persisted predecessor ID or "".
func (n *Node) BeforeSibling() string {
	return Deref(n.BeforeSiblingID)
}

// Container returns the container ID or "".
func (n *Node) Container() string {
	return Deref(n.ContainerNodeID)
}

// Newer reports whether candidate should replace current under last-write-wins:
// higher version wins, ties are broken by the later modification time.
func Newer(candidate, current *Node) bool {
	if current == nil {
		return true
	}
	if candidate == nil {
		return false
	}
	if candidate.Version != current.Version {
		return candidate.Version > current.Version
	}
	return candidate.ModifiedAt.After(current.ModifiedAt)
}

// Ptr returns a pointer to s, or nil when s is empty.
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
