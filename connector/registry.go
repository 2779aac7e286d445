// Package connector tracks the credential and readiness state of named
// integration plugins. The core never calls connector APIs; it only reads
// this registry to decide what to tell the model or the human.
package connector

import (
	"sort"
	"sync"
)

type FieldStatus struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
}

type Status struct {
	Plugin              string        `json:"plugin"`
	HasCredentialRecord bool          `json:"hasCredentialRecord"`
	IsReady             bool          `json:"isReady"`
	RequiredFields      []FieldStatus `json:"requiredFields,omitempty"`
}

type Registry struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

func NewRegistry() *Registry {
	return &Registry{statuses: make(map[string]Status)}
}

func (r *Registry) Register(status Status) {
	if status.Plugin == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[status.Plugin] = status
}

// Lookup never fails: an unknown plugin is reported as having no credential
// record rather than as an error.
func (r *Registry) Lookup(plugin string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if status, ok := r.statuses[plugin]; ok {
		return status
	}
	return Status{Plugin: plugin}
}

func (r *Registry) All() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.statuses))
	for _, status := range r.statuses {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out
}
