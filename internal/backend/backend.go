// Package backend defines the durable store contract the mutation engine writes
// through, and its implementations: in-memory, DynamoDB and SQLite, plus
// decorators for circuit breaking, tracing and metrics.
package backend

import (
	"context"
	"fmt"
	"sort"

	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
)

// Backend is the durable node store.
//
// Implementations assign versions: CreateNode stores version 1 and every
// successful write increments it. UpdateNode with version > 0 fails with a
// conflict when the stored version differs. GetNode returns (nil, nil) for an
// absent node.
type Backend interface {
	CreateNode(ctx context.Context, n *node.Node) (*node.Node, error)
	GetNode(ctx context.Context, id string) (*node.Node, error)
	UpdateNode(ctx context.Context, id string, version int64, patch Patch) (*node.Node, error)
	DeleteNode(ctx context.Context, id string) error
	// SetParent moves childID under parentID ("" for top level) directly after
	// beforeSiblingID ("" for first).
	SetParent(ctx context.Context, childID, parentID, beforeSiblingID string) (*node.Node, error)
	// ListChildren returns the children of parentID ordered by their sibling chain.
	ListChildren(ctx context.Context, parentID string) ([]*node.Node, error)
}

// Patch lists the fields UpdateNode changes. Nil fields are left untouched.
type Patch struct {
	Content         *string           `json:"content,omitempty"`
	NodeType        *node.NodeType    `json:"nodeType,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	Mentions        []string          `json:"mentions,omitempty"`
	ContainerNodeID *string           `json:"containerNodeId,omitempty"`
}

// ContentPatch is a patch changing only content.
func ContentPatch(content string) Patch {
	return Patch{Content: &content}
}

// Apply writes the patch onto n.
func (p Patch) Apply(n *node.Node) {
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.NodeType != nil {
		n.NodeType = *p.NodeType
	}
	if p.Properties != nil {
		n.Properties = make(map[string]string, len(p.Properties))
		for k, v := range p.Properties {
			n.Properties[k] = v
		}
	}
	if p.Mentions != nil {
		n.Mentions = append([]string(nil), p.Mentions...)
	}
	if p.ContainerNodeID != nil {
		n.ContainerNodeID = normalizeContainerID(*p.ContainerNodeID)
	}
}

// NormalizeContainer translates the UI "root" container sentinel to nil on a
// copy of n. The sentinel is never stored.
func NormalizeContainer(n *node.Node) *node.Node {
	c := n.Clone()
	if c.ContainerNodeID != nil {
		c.ContainerNodeID = normalizeContainerID(*c.ContainerNodeID)
	}
	return c
}

func normalizeContainerID(id string) *string {
	if id == node.RootContainer {
		return nil
	}
	return node.Ptr(id)
}

// OrderBySiblingChain orders siblings by following BeforeSiblingID links from
// the node without a predecessor. Nodes the chain does not reach are appended
// by creation time so a damaged chain never hides data.
func OrderBySiblingChain(siblings []*node.Node) []*node.Node {
	if len(siblings) < 2 {
		return siblings
	}

	byPred := make(map[string]*node.Node, len(siblings))
	ids := make(map[string]bool, len(siblings))
	for _, n := range siblings {
		ids[n.ID] = true
	}
	var heads []*node.Node
	for _, n := range siblings {
		pred := n.BeforeSibling()
		if pred == "" || !ids[pred] {
			heads = append(heads, n)
			continue
		}
		if _, taken := byPred[pred]; !taken {
			byPred[pred] = n
		}
	}
	sortByCreated(heads)

	out := make([]*node.Node, 0, len(siblings))
	visited := make(map[string]bool, len(siblings))
	for _, h := range heads {
		for cur := h; cur != nil && !visited[cur.ID]; cur = byPred[cur.ID] {
			visited[cur.ID] = true
			out = append(out, cur)
		}
	}

	var rest []*node.Node
	for _, n := range siblings {
		if !visited[n.ID] {
			rest = append(rest, n)
		}
	}
	sortByCreated(rest)
	return append(out, rest...)
}

func sortByCreated(nodes []*node.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func notFound(operation, id string) *apperrors.UnifiedError {
	return apperrors.NotFound(apperrors.CodeNodeNotFound.String(), "node not found").
		WithOperation(operation).
		WithResource(id).
		Build()
}

func alreadyExists(operation, id string) *apperrors.UnifiedError {
	return apperrors.Conflict(apperrors.CodeNodeAlreadyExists.String(), "node already exists").
		WithOperation(operation).
		WithResource(id).
		Build()
}

func versionConflict(operation, id string, expected, actual int64) *apperrors.UnifiedError {
	return apperrors.Conflict(apperrors.CodeOptimisticLock.String(), "node was modified concurrently").
		WithOperation(operation).
		WithResource(id).
		WithDetails(fmt.Sprintf("expected version %d, found %d", expected, actual)).
		WithRetryable(true).
		Build()
}

func persistenceFailure(operation, id string, cause error) *apperrors.UnifiedError {
	return apperrors.Persistence(apperrors.CodeBackendFailure.String(), "backend operation failed").
		WithOperation(operation).
		WithResource(id).
		WithCause(cause).
		Build()
}
