package merge

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
)

// Transform is a compiled theme: a normalised theme document plus the
// ordered rules that place content into it. A Transform is immutable after
// construction and safe for concurrent Apply calls.
type Transform struct {
	engine string
	theme  string
	doc    *html.Node
	rules  []ruleRecord
	bound  []boundRule
	opts   Options
	deps   Deps
	logger *slog.Logger
}

type boundRule struct {
	ruleRecord
	theme     cascadia.Selector
	content   cascadia.Selector
	ifContent cascadia.Selector
	base      *url.URL
}

func newTransform(engine, theme string, rules []ruleRecord, opts Options, deps Deps) (*Transform, error) {
	doc, err := html.Parse(strings.NewReader(theme))
	if err != nil {
		return nil, errx.Wrap(api.ErrMergeFailure, err)
	}
	var normalised strings.Builder
	if err := html.Render(&normalised, doc); err != nil {
		return nil, errx.Wrap(api.ErrMergeFailure, err)
	}

	bound := make([]boundRule, 0, len(rules))
	for _, rec := range rules {
		b, err := bindRule(rec)
		if err != nil {
			return nil, err
		}
		bound = append(bound, b)
	}

	return &Transform{
		engine: engine,
		theme:  normalised.String(),
		doc:    doc,
		rules:  rules,
		bound:  bound,
		opts:   opts,
		deps:   deps,
		logger: deps.logger().With("component", "transform", "engine", engine),
	}, nil
}

func bindRule(rec ruleRecord) (boundRule, error) {
	b := boundRule{ruleRecord: rec}
	compile := func(sel string) (cascadia.Selector, error) {
		if sel == "" {
			return nil, nil
		}
		s, err := cascadia.Compile(sel)
		if err != nil {
			return nil, errx.With(api.ErrMergeFailure, ": selector %q: %w", sel, err)
		}
		return s, nil
	}
	var err error
	if b.theme, err = compile(rec.Theme); err != nil {
		return b, err
	}
	if b.content, err = compile(rec.Content); err != nil {
		return b, err
	}
	if b.ifContent, err = compile(rec.IfContent); err != nil {
		return b, err
	}
	if rec.Base != "" {
		if b.base, err = url.Parse(rec.Base); err != nil {
			return b, errx.With(api.ErrMergeFailure, ": rule base %q: %w", rec.Base, err)
		}
	}
	return b, nil
}

// Engine returns the name of the engine that built the transform.
func (t *Transform) Engine() string { return t.engine }

// RuleCount returns the number of flattened rules.
func (t *Transform) RuleCount() int { return len(t.rules) }

// Options returns the options the transform was merged with.
func (t *Transform) Options() Options { return t.opts }

// Theme returns the normalised theme markup.
func (t *Transform) Theme() string { return t.theme }

// Apply renders content through the theme. When a notheme rule matches,
// content is returned unchanged.
func (t *Transform) Apply(ctx context.Context, content []byte) ([]byte, error) {
	src, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, errx.Wrap(api.ErrMergeFailure, err)
	}

	for _, r := range t.bound {
		if r.Action != actionNoTheme {
			continue
		}
		if r.ifContent == nil || r.ifContent.MatchFirst(src) != nil {
			t.logger.Debug("notheme rule matched", "if_content", r.IfContent)
			return content, nil
		}
	}

	out := cloneTree(t.doc)

	for _, r := range t.bound {
		if r.Action == actionDrop && r.content != nil {
			drop(r.content.MatchAll(src), r.ContentChildren)
		}
	}
	for _, r := range t.bound {
		if r.Action == actionDrop && r.theme != nil {
			drop(r.theme.MatchAll(out), r.ThemeChildren)
		}
	}

	for _, r := range t.bound {
		switch r.Action {
		case actionDrop, actionNoTheme:
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.ifContent != nil && r.ifContent.MatchFirst(src) == nil {
			continue
		}
		t.place(ctx, r, src, out)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, out); err != nil {
		return nil, errx.Wrap(api.ErrMergeFailure, err)
	}
	return buf.Bytes(), nil
}

func (t *Transform) place(ctx context.Context, r boundRule, src, out *html.Node) {
	sources, matched := t.sources(ctx, r, src)
	for _, target := range r.theme.MatchAll(out) {
		if !attached(target, out) {
			continue
		}
		if r.Action == actionCopy {
			if len(sources) > 0 {
				copyAttributes(target, sources[0], r.Attributes)
			}
			continue
		}
		nodes := cloneAll(sources)
		switch r.Action {
		case actionReplace:
			if !matched {
				continue
			}
			if r.ThemeChildren {
				removeChildren(target)
				appendAll(target, nodes)
			} else {
				insertBefore(target, nodes)
				target.Parent.RemoveChild(target)
			}
		case actionBefore:
			if r.ThemeChildren {
				prependAll(target, nodes)
			} else {
				insertBefore(target, nodes)
			}
		case actionAfter:
			if r.ThemeChildren {
				appendAll(target, nodes)
			} else {
				insertAfter(target, nodes)
			}
		case actionAppend:
			appendAll(target, nodes)
		case actionPrepend:
			prependAll(target, nodes)
		}
	}
}

// sources collects the nodes a rule places and reports whether the content
// selector matched at all. The nodes belong to src or to a fetched document
// and are cloned before insertion.
func (t *Transform) sources(ctx context.Context, r boundRule, src *html.Node) ([]*html.Node, bool) {
	if r.Href == "" {
		return selectNodes(r.content, r.ContentChildren, src)
	}

	switch t.opts.IncludeMode {
	case api.IncludeESI:
		return []*html.Node{{
			Type: html.ElementNode,
			Data: "esi:include",
			Attr: []html.Attribute{{Key: "src", Val: t.includeRef(r)}},
		}}, true
	case api.IncludeSSI:
		return []*html.Node{{
			Type: html.CommentNode,
			Data: `#include virtual="` + t.includeRef(r) + `" `,
		}}, true
	}

	if t.deps.Resolver == nil {
		t.logger.Warn("no resolver for href rule", "href", r.Href)
		return nil, false
	}
	res := t.deps.Resolver.Nested(ctx, r.base, r.Href)
	if !res.Resolved() {
		return nil, false
	}
	doc, err := html.Parse(bytes.NewReader(res.Data))
	if err != nil {
		t.logger.Warn("href document unparsable", "url", res.URL.Redacted(), "error", err)
		return nil, false
	}
	if r.content == nil {
		body := findBody(doc)
		return children(body), body != nil
	}
	return selectNodes(r.content, r.ContentChildren, doc)
}

// includeRef is the href as written; esi and ssi includes are resolved by
// the front end serving the themed page.
func (t *Transform) includeRef(r boundRule) string {
	if r.Content == "" {
		return r.Href
	}
	return r.Href + "#" + r.Content
}

// drop removes the matched nodes, or only their children for the
// *-children selector forms.
func drop(nodes []*html.Node, childrenOnly bool) {
	if !childrenOnly {
		detachAll(nodes)
		return
	}
	for _, n := range nodes {
		removeChildren(n)
	}
}

func selectNodes(sel cascadia.Selector, childrenOnly bool, root *html.Node) ([]*html.Node, bool) {
	if sel == nil {
		return nil, false
	}
	matches := sel.MatchAll(root)
	if !childrenOnly {
		return matches, len(matches) > 0
	}
	var out []*html.Node
	for _, m := range matches {
		out = append(out, children(m)...)
	}
	return out, len(matches) > 0
}

func findBody(doc *html.Node) *html.Node {
	if doc == nil {
		return nil
	}
	if doc.Type == html.ElementNode && doc.Data == "body" {
		return doc
	}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func copyAttributes(target, source *html.Node, names []string) {
	all := false
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "*" {
			all = true
		}
		want[n] = true
	}
	for _, a := range source.Attr {
		if all || want[a.Key] {
			setAttr(target, a)
		}
	}
}

func setAttr(n *html.Node, attr html.Attribute) {
	for i, a := range n.Attr {
		if a.Namespace == attr.Namespace && a.Key == attr.Key {
			n.Attr[i].Val = attr.Val
			return
		}
	}
	n.Attr = append(n.Attr, attr)
}
