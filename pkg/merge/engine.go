// Package merge is the boundary to the engine that combines a theme
// document with a rules document into an executable Transform.
//
// The engine is looked up by name from a registry. The built-in "rules"
// engine understands a small rules vocabulary (replace, before, after,
// append, prepend, drop, copy, notheme) addressed with CSS selectors.
package merge

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/beevik/etree"
	"golang.org/x/net/html"

	"github.com/jingkaihe/themeproxy/pkg/api"
	"github.com/jingkaihe/themeproxy/pkg/resolve"
)

// Options are passed through from the ThemeSpec. The URI fields carry the
// absolute location of each rules document so the engine can resolve
// references relative to it.
type Options struct {
	CSS             bool            `cbor:"css"`
	XInclude        bool            `cbor:"xinclude"`
	IncludeMode     api.IncludeMode `cbor:"include_mode"`
	UpdateNamespace bool            `cbor:"update_namespace"`
	RulesURI        string          `cbor:"rules_uri"`
	BoilerplateURI  string          `cbor:"boilerplate_uri,omitempty"`
	ExtraRulesURI   string          `cbor:"extra_rules_uri,omitempty"`
}

// Input is everything a merge needs. Boilerplate and ExtraRules are optional.
type Input struct {
	Theme       *html.Node
	Rules       *etree.Document
	Boilerplate *etree.Document
	ExtraRules  *etree.Document
	Options     Options
}

// Engine compiles an Input into a Transform.
type Engine interface {
	Name() string
	Merge(ctx context.Context, in Input) (*Transform, error)
}

// NestedResolver fetches references found inside documents the engine is
// already working on. Failures come back as unresolved, never as errors.
type NestedResolver interface {
	LocateRelative(base *url.URL, ref string) (*url.URL, error)
	Nested(ctx context.Context, base *url.URL, ref string) resolve.Resolution
}

// Deps are handed to engine factories and kept by the Transforms they build.
type Deps struct {
	Resolver NestedResolver
	Logger   *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
