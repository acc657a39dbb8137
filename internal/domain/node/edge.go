package node

// Edge is a structural (parent, child, order) relationship. Edges are owned by the
// structure tree; nodes never store their own order.
type Edge struct {
	ParentID string  `json:"in"`
	ChildID  string  `json:"out"`
	Order    float64 `json:"order"`
}

// EdgeID returns the stable identifier of the parent/child relationship.
func EdgeID(parentID, childID string) string {
	return parentID + ":" + childID
}

// ID returns the edge identifier.
func (e Edge) ID() string {
	return EdgeID(e.ParentID, e.ChildID)
}
