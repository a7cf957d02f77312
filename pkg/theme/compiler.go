package theme

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
	"github.com/jingkaihe/themeproxy/pkg/logging"
	"github.com/jingkaihe/themeproxy/pkg/merge"
	"github.com/jingkaihe/themeproxy/pkg/metrics"
	"github.com/jingkaihe/themeproxy/pkg/resolve"
)

// Resolver is what the compiler needs from resolve.Resolver.
type Resolver interface {
	merge.NestedResolver
	Locate(ref string) (*url.URL, error)
	Resolve(ctx context.Context, ref string) ([]byte, error)
	PrepareFilename(ref string) (string, error)
}

type Compiler struct {
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	emitter  *logging.Emitter
}

type CompilerOption func(*Compiler)

func WithMetrics(m *metrics.Metrics) CompilerOption {
	return func(c *Compiler) { c.metrics = m }
}

func WithEmitter(e *logging.Emitter) CompilerOption {
	return func(c *Compiler) { c.emitter = e }
}

func NewCompiler(resolver Resolver, logger *slog.Logger, opts ...CompilerOption) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compiler{
		resolver: resolver,
		logger:   logger.With("component", "compiler"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deps returns the merge dependencies transforms built or loaded by this
// compiler should carry.
func (c *Compiler) Deps() merge.Deps {
	return merge.Deps{Resolver: c.resolver, Logger: c.logger}
}

// Compile fetches and parses the theme and rules documents of spec and
// merges them into a Transform. Every top-level fetch failure is fatal.
func (c *Compiler) Compile(ctx context.Context, spec api.ThemeSpec) (*merge.Transform, error) {
	compileID := uuid.NewString()
	logger := c.logger.With("compile_id", compileID)
	start := time.Now()

	t, err := c.compile(ctx, logger, spec)

	elapsed := time.Since(start)
	stage := ""
	var cerr *CompileError
	if errors.As(err, &cerr) {
		stage = cerr.Stage
	}
	c.metrics.ObserveCompile(stage, elapsed, err)
	c.emit(compileID, spec, t, elapsed, stage, err)

	if err != nil {
		logger.Error("theme compile failed", "stage", stage, "error", err)
		return nil, err
	}
	logger.Info("theme compiled",
		"theme", spec.Theme,
		"rules", spec.Rules,
		"engine", t.Engine(),
		"rule_count", t.RuleCount(),
		"duration", elapsed,
	)
	return t, nil
}

func (c *Compiler) compile(ctx context.Context, logger *slog.Logger, spec api.ThemeSpec) (*merge.Transform, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	mode, err := api.ParseIncludeMode(string(spec.IncludeMode))
	if err != nil {
		return nil, err
	}

	themeData, err := c.resolver.Resolve(ctx, spec.Theme)
	if err != nil {
		return nil, &CompileError{Stage: StageThemeFetch, Ref: spec.Theme, Err: err}
	}
	themeDoc, err := html.Parse(bytes.NewReader(themeData))
	if err != nil {
		return nil, &CompileError{Stage: StageParse, Ref: spec.Theme, Err: err}
	}
	if spec.AbsolutePrefix != "" {
		Absolutize(themeDoc, spec.AbsolutePrefix)
		logger.Debug("theme references absolutized", "prefix", spec.AbsolutePrefix)
	}

	rules, rulesURI, err := c.rulesDocument(ctx, spec.Rules, StageRulesFetch)
	if err != nil {
		return nil, err
	}
	boilerplate, boilerplateURI, err := c.rulesDocument(ctx, spec.Boilerplate, StageBoilerplateFetch)
	if err != nil {
		return nil, err
	}
	extra, extraURI, err := c.rulesDocument(ctx, spec.ExtraRules, StageExtraFetch)
	if err != nil {
		return nil, err
	}

	name := spec.GetEngine()
	factory, ok := merge.Lookup(name)
	if !ok {
		return nil, &CompileError{Stage: StageMergeEngine, Err: errx.With(merge.ErrUnknownEngine, ": %q", name)}
	}
	t, err := factory(c.Deps()).Merge(ctx, merge.Input{
		Theme:       themeDoc,
		Rules:       rules,
		Boilerplate: boilerplate,
		ExtraRules:  extra,
		Options: merge.Options{
			CSS:             spec.CSS,
			XInclude:        spec.XInclude,
			IncludeMode:     mode,
			UpdateNamespace: spec.UpdateNamespace,
			RulesURI:        rulesURI,
			BoilerplateURI:  boilerplateURI,
			ExtraRulesURI:   extraURI,
		},
	})
	if err != nil {
		return nil, &CompileError{Stage: StageMergeEngine, Ref: spec.Rules, Err: err}
	}
	return t, nil
}

// rulesDocument fetches and strictly parses an optional rules document.
// An empty ref yields a nil document.
func (c *Compiler) rulesDocument(ctx context.Context, ref, stage string) (*etree.Document, string, error) {
	if ref == "" {
		return nil, "", nil
	}
	data, err := c.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, "", &CompileError{Stage: stage, Ref: ref, Err: err}
	}
	doc, err := merge.ParseRules(data)
	if err != nil {
		return nil, "", &CompileError{Stage: StageParse, Ref: ref, Err: err}
	}
	uri, err := c.resolver.PrepareFilename(ref)
	if err != nil {
		return nil, "", &CompileError{Stage: stage, Ref: ref, Err: err}
	}
	return doc, uri, nil
}

func (c *Compiler) emit(compileID string, spec api.ThemeSpec, t *merge.Transform, elapsed time.Duration, stage string, err error) {
	if c.emitter == nil {
		return
	}
	data := &logging.ThemeCompiledData{
		CompileID:  compileID,
		Theme:      spec.Theme,
		Rules:      spec.Rules,
		Engine:     spec.GetEngine(),
		DurationMS: elapsed.Milliseconds(),
		Success:    err == nil,
		Stage:      stage,
	}
	summary := "theme compiled"
	if err != nil {
		summary = "theme compile failed"
		data.Error = err.Error()
	} else {
		data.RuleCount = t.RuleCount()
	}
	_ = c.emitter.Emit(logging.EventThemeCompiled, summary, "compiler", nil, data)
}

// Preflight checks, before a server starts listening, that the local
// rules, boilerplate and extra rules files of spec exist. Network
// references are not contacted.
func (c *Compiler) Preflight(spec api.ThemeSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := merge.Lookup(spec.GetEngine()); !ok {
		return errx.With(api.ErrConfig, ": unknown merge engine %q", spec.GetEngine())
	}
	for _, ref := range []string{spec.Rules, spec.Boilerplate, spec.ExtraRules} {
		if ref == "" {
			continue
		}
		u, err := c.resolver.Locate(ref)
		if err != nil {
			return errx.With(api.ErrConfig, ": %q: %w", ref, err)
		}
		if u.Scheme != resolve.SchemeFile {
			continue
		}
		if _, err := os.Stat(resolve.LocalPath(u)); err != nil {
			return errx.With(api.ErrConfig, ": rules file %s: %w", resolve.LocalPath(u), err)
		}
	}
	return nil
}
