// Package filter is the HTTP middleware that decides, per response,
// whether the backend output is themed and rewrites it when it is.
package filter

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
	"github.com/jingkaihe/themeproxy/pkg/cache"
	"github.com/jingkaihe/themeproxy/pkg/logging"
	"github.com/jingkaihe/themeproxy/pkg/metrics"
)

// ErrorHandler writes the response for a request whose transform failed.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

type Config struct {
	// NoTheme are regular expressions matched against the start of the
	// request path.
	NoTheme       []string
	NoThemeHeader string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Emitter       *logging.Emitter
	ErrorHandler  ErrorHandler
}

type Middleware struct {
	transforms    cache.Controller
	gates         []Gate
	noThemeHeader string
	logger        *slog.Logger
	metrics       *metrics.Metrics
	emitter       *logging.Emitter
	onError       ErrorHandler
}

// New builds the middleware. Each notheme pattern is compiled on its own;
// an invalid one is a configuration error.
func New(transforms cache.Controller, cfg Config) (*Middleware, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Middleware{
		transforms:    transforms,
		noThemeHeader: cfg.NoThemeHeader,
		logger:        logger.With("component", "filter"),
		metrics:       cfg.Metrics,
		emitter:       cfg.Emitter,
		onError:       cfg.ErrorHandler,
	}
	if m.noThemeHeader == "" {
		m.noThemeHeader = api.DefaultNoThemeHeader
	}
	if m.onError == nil {
		m.onError = m.defaultErrorHandler
	}

	paths := &noThemePathGate{}
	for _, p := range cfg.NoTheme {
		re, err := regexp.Compile(`^(?:` + p + `)`)
		if err != nil {
			return nil, errx.With(api.ErrConfig, ": notheme pattern %q: %w", p, err)
		}
		paths.patterns = append(paths.patterns, re)
		paths.sources = append(paths.sources, p)
	}
	m.gates = []Gate{paths, extensionGate{}, bodySniffGate{}, statusGate{}}

	m.logger.Debug("middleware ready",
		"mode", transforms.Mode(),
		"notheme", len(paths.patterns),
		"notheme_header", m.noThemeHeader,
	)
	return m, nil
}

// Wrap returns next with theming applied to its responses.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &captureWriter{ResponseWriter: w, intercept: m.intercept}
		next.ServeHTTP(cw, r)
		if !cw.wroteHeader {
			cw.WriteHeader(http.StatusOK)
		}
		if !cw.buffering {
			m.observe(r, Decision{Gate: cw.reason}, cw.status)
			return
		}
		m.finish(w, r, cw)
	})
}

// intercept runs at WriteHeader time, before any byte is sent. It returns
// whether the response is buffered, or the gate that let it stream.
func (m *Middleware) intercept(h http.Header) (bool, string) {
	if h.Get(m.noThemeHeader) != "" {
		return false, GateNoThemeHeader
	}
	if !themeableContentType(h.Get("Content-Type")) {
		return false, GateContentType
	}
	if !identityEncoding(h.Get("Content-Encoding")) {
		return false, GateContentEncoding
	}
	return true, ""
}

// Decide runs the gate chain over a buffered response.
func (m *Middleware) Decide(c *Captured) Decision {
	for _, g := range m.gates {
		if pass, detail := g.Passthrough(c); pass {
			m.logger.Debug("passthrough", "gate", g.Name(), "path", c.Path, "detail", detail)
			return Decision{Gate: g.Name(), Detail: detail}
		}
	}
	return Decision{Apply: true}
}

func (m *Middleware) finish(w http.ResponseWriter, r *http.Request, cw *captureWriter) {
	c := &Captured{
		Request: r,
		Path:    requestPath(r),
		Status:  cw.status,
		Header:  w.Header(),
		Body:    cw.buf.Bytes(),
	}

	d := m.Decide(c)
	if !d.Apply {
		m.observe(r, d, c.Status)
		w.WriteHeader(c.Status)
		_, _ = w.Write(c.Body)
		return
	}

	start := time.Now()
	out, themed, err := m.apply(r, c)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	elapsed := time.Since(start)
	if !themed {
		d = Decision{Gate: GateNoThemeRule}
		m.logger.Debug("passthrough", "gate", d.Gate, "path", c.Path)
		m.observe(r, d, c.Status)
		w.WriteHeader(c.Status)
		_, _ = w.Write(c.Body)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(c.Status)
	_, _ = w.Write(out)

	m.metrics.ObserveTransform(elapsed, len(out))
	m.observe(r, d, c.Status)
	if m.emitter != nil {
		_ = m.emitter.Emit(logging.EventThemeApplied, r.Method+" "+c.Path+" themed", "filter", nil,
			&logging.ThemeAppliedData{
				Method:     r.Method,
				Path:       c.Path,
				StatusCode: c.Status,
				InBytes:    len(c.Body),
				OutBytes:   len(out),
				DurationMS: elapsed.Milliseconds(),
			})
	}
}

// apply decodes the body to UTF-8 using the charset of the response and
// runs the transform over it. themed is false when the transform handed
// the content back unchanged, in which case the original bytes and
// headers are sent.
func (m *Middleware) apply(r *http.Request, c *Captured) (out []byte, themed bool, err error) {
	t, err := m.transforms.Transform(r.Context())
	if err != nil {
		return nil, false, err
	}
	body, err := decodeBody(c.Body, c.Header.Get("Content-Type"))
	if err != nil {
		return nil, false, err
	}
	out, err = t.Apply(r.Context(), body)
	if err != nil {
		return nil, false, err
	}
	return out, !bytes.Equal(out, body), nil
}

// decodeBody converts body to UTF-8. The charset comes from a BOM, the
// Content-Type parameter or a <meta> declaration, in that order.
func decodeBody(body []byte, contentType string) ([]byte, error) {
	rd, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, errx.Wrap(ErrDecodeBody, err)
	}
	out, err := io.ReadAll(rd)
	if err != nil {
		return nil, errx.Wrap(ErrDecodeBody, err)
	}
	return out, nil
}

func (m *Middleware) fail(w http.ResponseWriter, r *http.Request, err error) {
	m.metrics.ObserveResponse(metrics.DecisionError, ReasonTransformError)
	if m.emitter != nil {
		_ = m.emitter.Emit(logging.EventThemeError, r.Method+" "+requestPath(r)+" failed", "filter", nil,
			&logging.ThemeErrorData{Method: r.Method, Path: requestPath(r), Error: err.Error()})
	}
	w.Header().Del("Content-Length")
	m.onError(w, r, err)
}

func (m *Middleware) defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.Error("theme transform failed", "method", r.Method, "path", requestPath(r), "error", err)
	http.Error(w, "theme transform failed", http.StatusInternalServerError)
}

func (m *Middleware) observe(r *http.Request, d Decision, status int) {
	if d.Apply {
		m.metrics.ObserveResponse(metrics.DecisionApply, d.Reason())
		return
	}
	m.metrics.ObserveResponse(metrics.DecisionPassthrough, d.Reason())
	if m.emitter != nil {
		_ = m.emitter.Emit(logging.EventThemePassthrough, r.Method+" "+requestPath(r)+" passthrough", "filter", nil,
			&logging.ThemePassthroughData{
				Method:     r.Method,
				Path:       requestPath(r),
				StatusCode: status,
				Reason:     d.Reason(),
				Pattern:    d.Detail,
			})
	}
}

// requestPath is the path gates match against; an empty path is "/".
func requestPath(r *http.Request) string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}
