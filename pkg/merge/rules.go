package merge

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/beevik/etree"
	"golang.org/x/net/html"

	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
	"github.com/jingkaihe/themeproxy/pkg/resolve"
)

const (
	NamespaceRules       = "http://namespaces.plone.org/diazo"
	NamespaceCSS         = "http://namespaces.plone.org/diazo/css"
	NamespaceLegacyRules = "http://namespaces.plone.org/xdv"
	NamespaceLegacyCSS   = "http://namespaces.plone.org/xdv+css"
	NamespaceXInclude    = "http://www.w3.org/2001/XInclude"
)

const maxIncludeDepth = 16

type action string

const (
	actionReplace action = "replace"
	actionBefore  action = "before"
	actionAfter   action = "after"
	actionAppend  action = "append"
	actionPrepend action = "prepend"
	actionDrop    action = "drop"
	actionCopy    action = "copy"
	actionNoTheme action = "notheme"
)

// ruleRecord is the serialisable form of a rule; selectors stay strings
// and are compiled when a Transform is built.
type ruleRecord struct {
	Action          action   `cbor:"action"`
	Theme           string   `cbor:"theme,omitempty"`
	ThemeChildren   bool     `cbor:"theme_children,omitempty"`
	Content         string   `cbor:"content,omitempty"`
	ContentChildren bool     `cbor:"content_children,omitempty"`
	IfContent       string   `cbor:"if_content,omitempty"`
	Attributes      []string `cbor:"attributes,omitempty"`
	Href            string   `cbor:"href,omitempty"`
	Base            string   `cbor:"base,omitempty"`
}

// ParseRules parses a rules document as strict XML.
func ParseRules(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	if doc.Root() == nil {
		return nil, errx.With(api.ErrMergeFailure, ": rules document has no root element")
	}
	return doc, nil
}

// ruleParser flattens one rules document, following XIncludes, into
// rule records.
type ruleParser struct {
	ctx      context.Context
	opts     Options
	resolver NestedResolver
	logger   *slog.Logger
}

func (p *ruleParser) document(doc *etree.Document, base *url.URL) ([]ruleRecord, error) {
	root := doc.Root()
	if err := p.checkNamespace(root); err != nil {
		return nil, err
	}
	if root.Tag != "rules" {
		return nil, errx.With(api.ErrMergeFailure, ": rules document root is <%s>, want <rules>", root.Tag)
	}
	return p.group(root, base, 0)
}

func (p *ruleParser) group(el *etree.Element, base *url.URL, depth int) ([]ruleRecord, error) {
	var out []ruleRecord
	for _, child := range el.ChildElements() {
		recs, err := p.element(child, base, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (p *ruleParser) element(el *etree.Element, base *url.URL, depth int) ([]ruleRecord, error) {
	ns := el.NamespaceURI()
	if ns == NamespaceXInclude {
		if el.Tag != "include" {
			return nil, nil
		}
		return p.include(el, base, depth)
	}
	if ns != "" && ns != NamespaceRules && ns != NamespaceLegacyRules {
		p.logger.Warn("ignoring foreign element in rules", "element", el.FullTag(), "namespace", ns)
		return nil, nil
	}
	if err := p.checkNamespace(el); err != nil {
		return nil, err
	}

	if el.Tag == "rules" {
		return p.group(el, base, depth)
	}

	rec, err := p.rule(el, base)
	if err != nil {
		return nil, err
	}
	return []ruleRecord{rec}, nil
}

func (p *ruleParser) include(el *etree.Element, base *url.URL, depth int) ([]ruleRecord, error) {
	if !p.opts.XInclude {
		p.logger.Debug("xinclude disabled, skipping include", "href", el.SelectAttrValue("href", ""))
		return nil, nil
	}
	href := strings.TrimSpace(el.SelectAttrValue("href", ""))
	if href == "" {
		return nil, errx.With(api.ErrMergeFailure, ": xi:include without href")
	}
	if depth >= maxIncludeDepth {
		p.logger.Warn("xinclude depth exceeded, dropping include", "href", href, "depth", depth)
		return nil, nil
	}
	if p.resolver == nil {
		p.logger.Warn("no resolver for xinclude, dropping include", "href", href)
		return nil, nil
	}

	res := p.resolver.Nested(p.ctx, base, href)
	if !res.Resolved() {
		return nil, nil
	}
	doc, err := ParseRules(res.Data)
	if err != nil {
		p.logger.Warn("included rules unparsable, dropping include", "url", res.URL.Redacted(), "error", err)
		return nil, nil
	}
	return p.element(doc.Root(), res.URL, depth+1)
}

func (p *ruleParser) checkNamespace(el *etree.Element) error {
	if el.NamespaceURI() == NamespaceLegacyRules && !p.opts.UpdateNamespace {
		return errx.With(api.ErrMergeFailure, ": <%s> uses the legacy namespace %s; enable namespace update", el.Tag, NamespaceLegacyRules)
	}
	return nil
}

func (p *ruleParser) rule(el *etree.Element, base *url.URL) (ruleRecord, error) {
	rec := ruleRecord{Action: action(el.Tag)}
	switch rec.Action {
	case actionReplace, actionBefore, actionAfter, actionAppend, actionPrepend,
		actionDrop, actionCopy, actionNoTheme:
	default:
		return rec, errx.With(api.ErrMergeFailure, ": unsupported rule <%s>", el.Tag)
	}

	for _, a := range el.Attr {
		if a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns") {
			continue
		}
		switch a.NamespaceURI() {
		case "":
		case NamespaceCSS:
			if !p.opts.CSS {
				return rec, errx.With(api.ErrMergeFailure, ": <%s %s>: css selectors are disabled", el.Tag, a.FullKey())
			}
		case NamespaceLegacyCSS:
			if !p.opts.CSS || !p.opts.UpdateNamespace {
				return rec, errx.With(api.ErrMergeFailure, ": <%s %s>: legacy css attributes need css and namespace update", el.Tag, a.FullKey())
			}
		default:
			continue
		}

		val := strings.TrimSpace(a.Value)
		switch a.Key {
		case "theme":
			rec.Theme = val
		case "theme-children":
			rec.Theme, rec.ThemeChildren = val, true
		case "content":
			rec.Content = val
		case "content-children":
			rec.Content, rec.ContentChildren = val, true
		case "if-content":
			rec.IfContent = val
		case "attributes":
			rec.Attributes = strings.Fields(val)
		case "href":
			rec.Href = val
		}
	}

	if rec.Href != "" && base != nil {
		rec.Base = base.String()
	}
	if err := rec.validate(); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r ruleRecord) validate() error {
	switch r.Action {
	case actionDrop:
		if (r.Theme == "") == (r.Content == "") {
			return errx.With(api.ErrMergeFailure, ": <drop> needs exactly one of theme or content")
		}
	case actionNoTheme:
	case actionCopy:
		if r.Theme == "" || r.Content == "" || len(r.Attributes) == 0 {
			return errx.With(api.ErrMergeFailure, ": <copy> needs theme, content and attributes")
		}
	default:
		if r.Theme == "" {
			return errx.With(api.ErrMergeFailure, ": <%s> needs a theme selector", r.Action)
		}
		if r.Content == "" && r.Href == "" {
			return errx.With(api.ErrMergeFailure, ": <%s theme=%q> needs a content selector or href", r.Action, r.Theme)
		}
	}
	for _, sel := range []string{r.Theme, r.Content, r.IfContent} {
		if sel == "" {
			continue
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return errx.With(api.ErrMergeFailure, ": <%s> selector %q: %w", r.Action, sel, err)
		}
	}
	return nil
}

func baseURL(uri string) *url.URL {
	if uri == "" {
		return nil
	}
	if !strings.Contains(uri, "://") {
		uri = resolve.FileURI(uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	return u
}

// RulesEngineName is the name of the built-in engine.
const RulesEngineName = "rules"

type rulesEngine struct {
	deps Deps
}

// NewRulesEngine returns the built-in CSS-selector rules engine.
func NewRulesEngine(deps Deps) Engine {
	return &rulesEngine{deps: deps}
}

func (e *rulesEngine) Name() string { return RulesEngineName }

// Merge flattens boilerplate, rules and extra rules, in that order, into a
// single rule list and binds it to the theme.
func (e *rulesEngine) Merge(ctx context.Context, in Input) (*Transform, error) {
	if in.Theme == nil {
		return nil, errx.With(api.ErrMergeFailure, ": no theme document")
	}
	if in.Rules == nil {
		return nil, errx.With(api.ErrMergeFailure, ": no rules document")
	}

	p := &ruleParser{
		ctx:      ctx,
		opts:     in.Options,
		resolver: e.deps.Resolver,
		logger:   e.deps.logger().With("component", "merge", "engine", RulesEngineName),
	}

	docs := []struct {
		doc *etree.Document
		uri string
	}{
		{in.Boilerplate, in.Options.BoilerplateURI},
		{in.Rules, in.Options.RulesURI},
		{in.ExtraRules, in.Options.ExtraRulesURI},
	}

	var rules []ruleRecord
	for _, d := range docs {
		if d.doc == nil {
			continue
		}
		recs, err := p.document(d.doc, baseURL(d.uri))
		if err != nil {
			return nil, err
		}
		rules = append(rules, recs...)
	}

	var theme strings.Builder
	if err := html.Render(&theme, in.Theme); err != nil {
		return nil, errx.Wrap(api.ErrMergeFailure, err)
	}
	return newTransform(RulesEngineName, theme.String(), rules, in.Options, e.deps)
}
