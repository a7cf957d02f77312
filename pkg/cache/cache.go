// Package cache decides when a theme is compiled: once before serving,
// on every request, or never (a precompiled artifact).
package cache

import (
	"context"

	"github.com/jingkaihe/themeproxy/pkg/api"
	"github.com/jingkaihe/themeproxy/pkg/merge"
)

type Mode string

const (
	ModeStatic      Mode = "static"
	ModeLive        Mode = "live"
	ModePrecompiled Mode = "precompiled"
)

// Compiler builds a Transform from a spec. theme.Compiler implements it.
type Compiler interface {
	Compile(ctx context.Context, spec api.ThemeSpec) (*merge.Transform, error)
}

// Controller hands out the Transform to apply to a response.
type Controller interface {
	Transform(ctx context.Context) (*merge.Transform, error)
	Mode() Mode
}

// New returns a live controller when live is set, otherwise a static one
// compiled now.
func New(ctx context.Context, compiler Compiler, spec api.ThemeSpec, live bool) (Controller, error) {
	if live {
		return NewLive(compiler, spec), nil
	}
	return NewStatic(ctx, compiler, spec)
}

// Static holds a transform compiled once at construction. It is never
// mutated afterwards.
type Static struct {
	transform *merge.Transform
	mode      Mode
}

// NewStatic compiles spec immediately. A compile failure is returned so the
// caller can refuse to start.
func NewStatic(ctx context.Context, compiler Compiler, spec api.ThemeSpec) (*Static, error) {
	t, err := compiler.Compile(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Static{transform: t, mode: ModeStatic}, nil
}

// NewPrecompiled serves an already loaded transform.
func NewPrecompiled(t *merge.Transform) *Static {
	return &Static{transform: t, mode: ModePrecompiled}
}

func (s *Static) Transform(context.Context) (*merge.Transform, error) {
	return s.transform, nil
}

func (s *Static) Mode() Mode { return s.mode }

// Live compiles on every call. Nothing is shared between calls, so a
// failed compile affects only the request that triggered it.
type Live struct {
	compiler Compiler
	spec     api.ThemeSpec
}

func NewLive(compiler Compiler, spec api.ThemeSpec) *Live {
	return &Live{compiler: compiler, spec: spec}
}

func (l *Live) Transform(ctx context.Context) (*merge.Transform, error) {
	return l.compiler.Compile(ctx, l.spec)
}

func (l *Live) Mode() Mode { return ModeLive }
