package api

import (
	"net/url"
	"strings"

	"github.com/jingkaihe/themeproxy/internal/errx"
)

const (
	DefaultEngine        = "rules"
	DefaultNoThemeHeader = "X-Deliverance-No-Theme"
	DefaultListen        = "127.0.0.1:8080"
	DefaultMetricsPath   = "/metrics"
)

// IncludeMode controls how rules with an href pull in external content.
type IncludeMode string

const (
	IncludeDocument IncludeMode = "document"
	IncludeESI      IncludeMode = "esi"
	IncludeSSI      IncludeMode = "ssi"
)

// ParseIncludeMode accepts the mode names case-insensitively. An empty
// string yields IncludeDocument.
func ParseIncludeMode(s string) (IncludeMode, error) {
	switch IncludeMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", IncludeDocument:
		return IncludeDocument, nil
	case IncludeESI:
		return IncludeESI, nil
	case IncludeSSI:
		return IncludeSSI, nil
	default:
		return "", errx.With(ErrConfig, ": unknown include mode %q (want document, esi or ssi)", s)
	}
}

// AccessPolicy is the capability set handed to every resource fetch.
type AccessPolicy struct {
	AllowReadFile     bool `json:"allow_read_file"`
	AllowWriteFile    bool `json:"allow_write_file"`
	AllowCreateDir    bool `json:"allow_create_dir"`
	AllowReadNetwork  bool `json:"allow_read_network"`
	AllowWriteNetwork bool `json:"allow_write_network"`
}

// NewAccessPolicy returns the fixed policy used by the compiler: file reads
// allowed, network reads only when readNetwork is set, no writes.
func NewAccessPolicy(readNetwork bool) AccessPolicy {
	return AccessPolicy{
		AllowReadFile:    true,
		AllowReadNetwork: readNetwork,
	}
}

// ThemeSpec describes what to compile. It is built once from configuration
// and read again on every compile.
type ThemeSpec struct {
	Theme           string      `json:"theme"`
	Rules           string      `json:"rules"`
	ExtraRules      string      `json:"extra_rules,omitempty"`
	Boilerplate     string      `json:"boilerplate,omitempty"`
	AbsolutePrefix  string      `json:"absolute_prefix,omitempty"`
	CSS             bool        `json:"css"`
	XInclude        bool        `json:"xinclude"`
	IncludeMode     IncludeMode `json:"include_mode,omitempty"`
	UpdateNamespace bool        `json:"update_namespace,omitempty"`
	ReadNetwork     bool        `json:"read_network,omitempty"`
	Engine          string      `json:"engine,omitempty"`
}

func DefaultThemeSpec() ThemeSpec {
	return ThemeSpec{
		CSS:         true,
		XInclude:    true,
		IncludeMode: IncludeDocument,
		Engine:      DefaultEngine,
	}
}

// AccessPolicy derives the resolver policy for this spec.
func (s ThemeSpec) AccessPolicy() AccessPolicy {
	return NewAccessPolicy(s.ReadNetwork)
}

// GetEngine returns the configured merge engine name or the default.
func (s ThemeSpec) GetEngine() string {
	if e := strings.TrimSpace(s.Engine); e != "" {
		return e
	}
	return DefaultEngine
}

// Validate checks required references and option values. Whether local
// files exist is checked by the compiler, which knows how to locate them.
func (s ThemeSpec) Validate() error {
	if strings.TrimSpace(s.Theme) == "" {
		return errx.With(ErrConfig, ": theme reference is required")
	}
	if strings.TrimSpace(s.Rules) == "" {
		return errx.With(ErrConfig, ": rules reference is required")
	}
	if _, err := ParseIncludeMode(string(s.IncludeMode)); err != nil {
		return err
	}
	return nil
}

// ServeConfig is the configuration of the theming proxy server.
type ServeConfig struct {
	Listen        string            `json:"listen"`
	Backend       string            `json:"backend"`
	Live          bool              `json:"live,omitempty"`
	NoTheme       []string          `json:"notheme,omitempty"`
	NoThemeHeader string            `json:"notheme_header,omitempty"`
	Compiled      string            `json:"compiled,omitempty"`
	MetricsPath   string            `json:"metrics_path,omitempty"`
	EventLog      string            `json:"event_log,omitempty"`
	Packages      map[string]string `json:"packages,omitempty"`
	Theme         ThemeSpec         `json:"theme"`
}

// Validate checks server config invariants.
//
// Rules:
// - backend must be an absolute http or https URL
// - without a precompiled artifact the theme spec must be valid
// - live mode needs a compiler, so it cannot be combined with compiled
func (c *ServeConfig) Validate() error {
	u, err := url.Parse(c.Backend)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errx.With(ErrConfig, ": backend must be an absolute http(s) URL, got %q", c.Backend)
	}
	if c.Compiled != "" {
		if c.Live {
			return errx.With(ErrConfig, ": live mode cannot be combined with a precompiled artifact")
		}
		return nil
	}
	return c.Theme.Validate()
}

// GetNoThemeHeader returns the opt-out header name or the default.
func (c *ServeConfig) GetNoThemeHeader() string {
	if c.NoThemeHeader != "" {
		return c.NoThemeHeader
	}
	return DefaultNoThemeHeader
}

// SplitNoTheme flattens notheme values that may themselves be
// newline-delimited lists, dropping blanks.
func SplitNoTheme(values []string) []string {
	var out []string
	for _, v := range values {
		for _, line := range strings.Split(v, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

// ParsePackages turns name=dir pairs into a package root map.
func ParsePackages(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, dir, ok := strings.Cut(pair, "=")
		name, dir = strings.TrimSpace(name), strings.TrimSpace(dir)
		if !ok || name == "" || dir == "" {
			return nil, errx.With(ErrConfig, ": invalid package mapping %q (want name=dir)", pair)
		}
		out[name] = dir
	}
	return out, nil
}
