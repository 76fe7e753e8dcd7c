package events

import (
	"time"

	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// ResolverData describes one field resolution. It is built fresh per call.
type ResolverData struct {
	Root    any
	Args    map[string]any // never nil
	Context *meshctx.Context
	Info    *schema.ResolveInfo
	Env     map[string]string
}

// Coordinate returns "ParentType.field" of the resolution.
func (d *ResolverData) Coordinate() string {
	if d == nil || d.Info == nil || d.Info.ParentType == nil {
		return ""
	}
	return d.Info.ParentType.Name + "." + d.Info.FieldName
}

// ResolverCalled is emitted before a resolver runs.
type ResolverCalled struct {
	Data *ResolverData
}

// ResolverDone is emitted after a resolver returned without error.
type ResolverDone struct {
	Data     *ResolverData
	Result   any
	Duration time.Duration
}

// ResolverError is emitted after a resolver failed.
type ResolverError struct {
	Data     *ResolverData
	Err      error
	Duration time.Duration
}
