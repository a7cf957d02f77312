package filter

import (
	"net/http"
	"path"
	"regexp"
	"strings"
)

// Gate names, also used as the reason label of passthrough decisions.
const (
	GateNoThemeHeader   = "notheme-header"
	GateContentType     = "content-type"
	GateContentEncoding = "content-encoding"
	GateNoThemePath     = "notheme-path"
	GateExtension       = "extension"
	GateNotHTML         = "not-html"
	GateStatus          = "status"

	// GateNoThemeRule is reported when a notheme rule in the rules
	// document left the content untouched.
	GateNoThemeRule = "notheme-rule"

	ReasonApplied        = "applied"
	ReasonTransformError = "transform-error"
)

// Captured is a buffered backend response awaiting a decision.
type Captured struct {
	Request *http.Request
	Path    string
	Status  int
	Header  http.Header
	Body    []byte
}

// Gate inspects a captured response. Gates run in order and the first one
// that asks for passthrough wins.
type Gate interface {
	Name() string
	// Passthrough reports whether the response must be left untouched.
	// detail names what matched, if anything.
	Passthrough(c *Captured) (pass bool, detail string)
}

// Decision is the outcome of the gate chain.
type Decision struct {
	Apply  bool
	Gate   string
	Detail string
}

func (d Decision) Reason() string {
	if d.Apply {
		return ReasonApplied
	}
	return d.Gate
}

type noThemePathGate struct {
	patterns []*regexp.Regexp
	sources  []string
}

func (g *noThemePathGate) Name() string { return GateNoThemePath }

func (g *noThemePathGate) Passthrough(c *Captured) (bool, string) {
	for i, p := range g.patterns {
		if p.MatchString(c.Path) {
			return true, g.sources[i]
		}
	}
	return false, ""
}

var ignoredExtensions = map[string]bool{
	"js": true, "css": true, "gif": true, "jpg": true, "jpeg": true, "pdf": true,
	"ps": true, "doc": true, "png": true, "ico": true, "mov": true, "mpg": true,
	"mpeg": true, "mp3": true, "m4a": true, "txt": true, "rtf": true, "swf": true,
	"wav": true, "zip": true, "wmv": true, "ppt": true, "gz": true, "tgz": true,
	"jar": true, "xls": true, "bmp": true, "tif": true, "tga": true, "hqx": true,
	"avi": true,
}

// IgnoredExtension reports whether urlPath ends in an extension that is
// never themed. The comparison is case-insensitive.
func IgnoredExtension(urlPath string) bool {
	ext := strings.TrimPrefix(path.Ext(urlPath), ".")
	return ext != "" && ignoredExtensions[strings.ToLower(ext)]
}

type extensionGate struct{}

func (extensionGate) Name() string { return GateExtension }

func (extensionGate) Passthrough(c *Captured) (bool, string) {
	if IgnoredExtension(c.Path) {
		return true, path.Ext(c.Path)
	}
	return false, ""
}

var htmlDocPattern = regexp.MustCompile(`(?i)<\s*html`)

// LooksLikeHTML reports whether body contains an <html tag.
func LooksLikeHTML(body []byte) bool {
	return htmlDocPattern.Match(body)
}

type bodySniffGate struct{}

func (bodySniffGate) Name() string { return GateNotHTML }

func (bodySniffGate) Passthrough(c *Captured) (bool, string) {
	return !LooksLikeHTML(c.Body), ""
}

type statusGate struct{}

func (statusGate) Name() string { return GateStatus }

func (statusGate) Passthrough(c *Captured) (bool, string) {
	switch {
	case c.Status >= 300 && c.Status < 400,
		c.Status == http.StatusNoContent,
		c.Status == http.StatusUnauthorized:
		return true, http.StatusText(c.Status)
	}
	return false, ""
}

// themeableContentType reports whether a content type may be themed. A
// missing content type is themeable.
func themeableContentType(ct string) bool {
	if ct == "" {
		return true
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml+xml")
}

// identityEncoding reports whether the body is sent without a content coding.
func identityEncoding(ce string) bool {
	ce = strings.ToLower(strings.TrimSpace(ce))
	return ce == "" || ce == "identity"
}
