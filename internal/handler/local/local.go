// Package local provides a source handler for schemas defined in SDL and
// resolved by Go functions in the same process.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"

	logging "github.com/hanpama/gqlmesh/internal/logging"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	source "github.com/hanpama/gqlmesh/internal/source"
	"go.uber.org/zap"
)

// Options configure a local source.
type Options struct {
	// TypeDefs are SDL documents.
	TypeDefs []string
	// Files are paths of SDL files, read on every GetMeshSource call.
	Files     []string
	Resolvers schema.ResolverMap
	// ContextVariables name the request context keys the resolvers read.
	ContextVariables []string
	Logger           *zap.Logger
}

// Handler builds its schema from SDL on each acquisition.
type Handler struct {
	opts   Options
	logger *zap.Logger
}

var _ source.Handler = (*Handler)(nil)

func New(opts Options) *Handler {
	return &Handler{opts: opts, logger: logging.OrNop(opts.Logger).Named("local")}
}

func (h *Handler) GetMeshSource(ctx context.Context) (*source.MeshSource, error) {
	sdl := append([]string(nil), h.opts.TypeDefs...)
	for _, path := range h.opts.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema file: %w", err)
		}
		sdl = append(sdl, string(b))
	}
	if len(sdl) == 0 {
		return nil, errors.New("local source has no type definitions")
	}
	s, err := schema.BuildFromSDL(sdl...)
	if err != nil {
		return nil, err
	}
	if err := schema.AddResolvers(s, h.opts.Resolvers); err != nil {
		return nil, err
	}
	h.logger.Debug("local schema built", zap.Int("types", len(s.Types)), zap.Int("files", len(h.opts.Files)))
	return &source.MeshSource{Schema: s, ContextVariables: h.opts.ContextVariables}, nil
}
