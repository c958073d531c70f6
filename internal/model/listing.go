package model

import "time"

// ListRequest bounds one listing of an external source.
type ListRequest struct {
	// Since limits the listing to items modified at or after it. Nil lists
	// everything.
	Since *time.Time
	// After resumes a listing behind the item with this external id, in
	// delivery order.
	After string
	// PIDs restricts the listing to the given pids, ignoring Since.
	PIDs     []string
	PageSize int
}

// ItemRef identifies a listed item before its detail is resolved.
type ItemRef struct {
	ExternalID   string    `json:"external_id"`
	PID          string    `json:"pid,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Page is one page of a source listing. An empty NextCursor ends the stream.
type Page struct {
	Items      []ItemRef
	NextCursor string
}
