package events

import "time"

// Destroy is emitted once when a mesh is torn down.
type Destroy struct{}

// SourceAcquired is emitted after a source handler returned, successfully or
// not.
type SourceAcquired struct {
	Source   string
	Err      error
	Duration time.Duration
}

// LiveQueryInvalidated is emitted when the live query store is asked to
// invalidate ids. Remote is set for invalidations received from another
// mesh instance.
type LiveQueryInvalidated struct {
	IDs    []string
	Remote bool
}
