// Package api serves the read-only HTTP surface of the outliner daemon:
// health, the change stream status, recent operations, node lookups and
// Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
)

// Success sends a JSON response with the given status.
func Success(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Error sends {"error": message} with the given status.
func Error(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NodeResponse is a node together with its ordered children.
type NodeResponse struct {
	Node        interface{} `json:"node"`
	Children    []string    `json:"children"`
	Placeholder bool        `json:"placeholder"`
	Pending     bool        `json:"pending"`
}

// ChildrenResponse lists the ordered children of a parent.
type ChildrenResponse struct {
	ParentID string   `json:"parentId"`
	Children []string `json:"children"`
}
