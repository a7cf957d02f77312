// Package resolve turns resource references (bare paths, file://, http(s)://,
// ftp:// and pkg:// URIs) into bytes under an api.AccessPolicy.
package resolve

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
)

const (
	SchemeFile    = "file"
	SchemeHTTP    = "http"
	SchemeHTTPS   = "https"
	SchemeFTP     = "ftp"
	SchemePackage = "pkg"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultFTPTimeout  = 30 * time.Second
)

// Only the scheme token is case-insensitive; host and path are kept as given.
var schemePattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.\-]*)://`)

// Resolver fetches resources for the theme compiler. It is safe for
// concurrent use.
type Resolver struct {
	policy     api.AccessPolicy
	packages   PackageLocator
	client     *http.Client
	ftpTimeout time.Duration
	logger     *slog.Logger
}

type Option func(*Resolver)

// WithPackages sets the locator used for pkg:// references.
func WithPackages(l PackageLocator) Option {
	return func(r *Resolver) { r.packages = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

func WithFTPTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.ftpTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func New(policy api.AccessPolicy, opts ...Option) *Resolver {
	r := &Resolver{
		policy:     policy,
		client:     &http.Client{Timeout: defaultHTTPTimeout},
		ftpTimeout: defaultFTPTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resolve")
	return r
}

// Policy returns the access policy every fetch is checked against.
func (r *Resolver) Policy() api.AccessPolicy {
	return r.policy
}

// Locate returns the canonical absolute URL of ref without fetching it.
func (r *Resolver) Locate(ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errx.With(api.ErrMalformedReference, ": empty reference")
	}

	scheme, rest, ok := splitScheme(ref)
	if !ok {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return nil, errx.With(api.ErrMalformedReference, ": %q: %w", ref, err)
		}
		return fileURL(abs), nil
	}

	switch scheme {
	case SchemePackage:
		return r.locatePackage(ref, rest)
	case SchemeFile:
		u, err := url.Parse(SchemeFile + "://" + rest)
		if err != nil {
			return nil, errx.With(api.ErrMalformedReference, ": %q: %w", ref, err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return nil, errx.With(api.ErrMalformedReference, ": %q: remote file hosts are not supported", ref)
		}
		if u.Path == "" {
			return nil, errx.With(api.ErrMalformedReference, ": %q: empty path", ref)
		}
		u.Host = ""
		return u, nil
	case SchemeHTTP, SchemeHTTPS, SchemeFTP:
		u, err := url.Parse(scheme + "://" + rest)
		if err != nil {
			return nil, errx.With(api.ErrMalformedReference, ": %q: %w", ref, err)
		}
		if u.Host == "" {
			return nil, errx.With(api.ErrMalformedReference, ": %q: missing host", ref)
		}
		return u, nil
	default:
		return nil, errx.With(api.ErrMalformedReference, ": %q: unsupported scheme %q", ref, scheme)
	}
}

func (r *Resolver) locatePackage(ref, rest string) (*url.URL, error) {
	name, p, _ := strings.Cut(rest, "/")
	if name == "" || strings.Trim(p, "/") == "" {
		return nil, errx.With(api.ErrMalformedReference, ": %q: want pkg://<package>/<path>", ref)
	}
	if r.packages == nil {
		return nil, errx.With(api.ErrResourceNotFound, ": %q: no packages configured", ref)
	}
	root, err := r.packages.Locate(name)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errx.With(api.ErrMalformedReference, ": %q: %w", ref, err)
	}
	abs := filepath.Join(absRoot, filepath.FromSlash(p))
	if rel, err := filepath.Rel(absRoot, abs); err != nil || !filepath.IsLocal(rel) {
		return nil, errx.With(api.ErrAccessDenied, ": %q: path escapes package %q", ref, name)
	}
	return fileURL(abs), nil
}

// Resolve locates ref and fetches its bytes. Policy is checked before any I/O.
func (r *Resolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	u, err := r.Locate(ref)
	if err != nil {
		return nil, err
	}
	return r.Fetch(ctx, u)
}

// LocateRelative resolves ref against base when ref carries no scheme of
// its own. A nil base falls back to Locate.
func (r *Resolver) LocateRelative(base *url.URL, ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if base == nil {
		return r.Locate(ref)
	}
	if _, _, ok := splitScheme(ref); ok || ref == "" {
		return r.Locate(ref)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return nil, errx.With(api.ErrMalformedReference, ": %q: %w", ref, err)
	}
	return base.ResolveReference(rel), nil
}

// Fetch reads an already located URL.
func (r *Resolver) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	switch strings.ToLower(u.Scheme) {
	case SchemeFile:
		if !r.policy.AllowReadFile {
			return nil, errx.With(api.ErrAccessDenied, ": file read of %s", u)
		}
		data, err := os.ReadFile(LocalPath(u))
		if err != nil {
			return nil, errx.With(api.ErrResourceNotFound, ": %s: %w", u, err)
		}
		return data, nil
	case SchemeHTTP, SchemeHTTPS:
		if !r.policy.AllowReadNetwork {
			return nil, errx.With(api.ErrAccessDenied, ": network read of %s", u)
		}
		return r.fetchHTTP(ctx, u)
	case SchemeFTP:
		if !r.policy.AllowReadNetwork {
			return nil, errx.With(api.ErrAccessDenied, ": network read of %s", u)
		}
		return r.fetchFTP(ctx, u)
	default:
		return nil, errx.With(api.ErrMalformedReference, ": unsupported scheme %q", u.Scheme)
	}
}

func (r *Resolver) fetchHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errx.With(api.ErrMalformedReference, ": %s: %w", u, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errx.With(api.ErrResourceNotFound, ": %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errx.With(api.ErrResourceNotFound, ": %s: status %d", u, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errx.With(api.ErrResourceNotFound, ": %s: %w", u, err)
	}
	r.logger.Debug("fetched", "url", u.String(), "bytes", len(data))
	return data, nil
}

// FileURI renders an absolute filesystem path as a file:/// URI with
// forward slashes.
func FileURI(path string) string {
	return fileURL(path).String()
}

func fileURL(path string) *url.URL {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return &url.URL{Scheme: SchemeFile, Path: p}
}

// LocalPath converts a file URL back to a native path.
func LocalPath(u *url.URL) string {
	p := u.Path
	// file:///C:/x on Windows
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

// PrepareFilename returns the form the merge engine expects for a
// reference: an absolute slash-separated path for local files, the URL
// itself for network resources.
func (r *Resolver) PrepareFilename(ref string) (string, error) {
	u, err := r.Locate(ref)
	if err != nil {
		return "", err
	}
	if u.Scheme == SchemeFile {
		return filepath.ToSlash(LocalPath(u)), nil
	}
	return u.String(), nil
}

func splitScheme(ref string) (scheme, rest string, ok bool) {
	m := schemePattern.FindStringSubmatch(ref)
	if m == nil {
		return "", ref, false
	}
	return strings.ToLower(m[1]), ref[len(m[0]):], true
}
