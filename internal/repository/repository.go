// Package repository abstracts persistence for flows, flow API
// configurations, and runs. Every aggregate has an in-memory implementation
// and a persistent one that writes through to PostgreSQL while serving reads
// from memory first.
package repository

import (
	"errors"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("not found")

// ErrConflict reports a uniqueness violation (duplicate id or slug).
var ErrConflict = errors.New("already exists")

// RunFilter narrows and pages a run listing. Paging is mandatory; a zero
// Limit falls back to a server-side default.
type RunFilter struct {
	FlowID    string
	FlowAPIID string
	Status    flow.RunStatus
	Limit     int
	Offset    int
}

// DefaultPageSize caps unpaged listings.
const DefaultPageSize = 50

func (f RunFilter) matches(r *flow.Run) bool {
	if f.FlowID != "" && r.FlowID != f.FlowID {
		return false
	}
	if f.FlowAPIID != "" && (r.FlowAPIID == nil || *r.FlowAPIID != f.FlowAPIID) {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

func (f RunFilter) page() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
