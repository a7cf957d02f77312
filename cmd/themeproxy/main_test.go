package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/themeproxy/pkg/api"
	"github.com/jingkaihe/themeproxy/pkg/merge"
)

const (
	testTheme = `<html><head><title>Theme</title></head><body><div id="banner">SITE BANNER</div><div id="main"></div></body></html>`
	testRules = `<rules xmlns="http://namespaces.plone.org/diazo" xmlns:css="http://namespaces.plone.org/diazo/css">
<replace css:theme-children="#main" css:content-children="#content"/>
</rules>`
	testPage = `<html><body><div id="content"><p>from backend</p></div></body></html>`
)

func writeFixture(t *testing.T) (themePath, rulesPath string) {
	t.Helper()
	dir := t.TempDir()
	themePath = filepath.Join(dir, "theme.html")
	rulesPath = filepath.Join(dir, "rules.xml")
	require.NoError(t, os.WriteFile(themePath, []byte(testTheme), 0644))
	require.NoError(t, os.WriteFile(rulesPath, []byte(testRules), 0644))
	return themePath, rulesPath
}

// execute runs the root command with args against fresh viper and flag
// state, returning stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	for _, c := range append(rootCmd.Commands(), rootCmd) {
		resetFlags(c.Flags())
		resetFlags(c.PersistentFlags())
	}

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return stdout.String(), err
}

func resetFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("debug", "json", &buf)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = newLogger("loud", "text", io.Discard)
	assert.ErrorIs(t, err, ErrLogLevel)
	_, err = newLogger("info", "xml", io.Discard)
	assert.ErrorIs(t, err, ErrLogFormat)
}

func TestStringList(t *testing.T) {
	viper.Reset()
	viper.Set("a", "/one\n/two")
	viper.Set("b", []any{"/x", "/y"})
	viper.Set("c", []string{"/z"})

	assert.Equal(t, []string{"/one", "/two"}, api.SplitNoTheme(stringList("a")))
	assert.Equal(t, []string{"/x", "/y"}, stringList("b"))
	assert.Equal(t, []string{"/z"}, stringList("c"))
	assert.Nil(t, stringList("missing"))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "themeproxy "))
}

func TestCompile_MissingArguments(t *testing.T) {
	themePath, rulesPath := writeFixture(t)
	out := filepath.Join(t.TempDir(), "theme.bin")

	tests := map[string][]string{
		"no theme":  {"compile", "-r", rulesPath, out},
		"no rules":  {"compile", "-t", themePath, out},
		"no output": {"compile", "-t", themePath, "-r", rulesPath},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, args...)
			assert.ErrorIs(t, err, ErrUsage)
		})
	}
	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestCompile_WritesLoadableArtifact(t *testing.T) {
	themePath, rulesPath := writeFixture(t)
	out := filepath.Join(t.TempDir(), "theme.bin")

	_, err := execute(t, "compile", "-t", themePath, "-r", rulesPath, "-a", "/static", out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	tr, err := merge.Load(data, merge.Deps{})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.RuleCount())

	themed, err := tr.Apply(context.Background(), []byte(testPage))
	require.NoError(t, err)
	assert.Contains(t, string(themed), `<div id="main"><p>from backend</p></div>`)
}

func TestCompile_Stdout(t *testing.T) {
	themePath, rulesPath := writeFixture(t)

	stdout, err := execute(t, "compile", "-t", themePath, "-r", rulesPath, "-")
	require.NoError(t, err)
	_, err = merge.Load([]byte(stdout), merge.Deps{})
	require.NoError(t, err)
}

func TestCompile_Failure(t *testing.T) {
	themePath, _ := writeFixture(t)
	_, err := execute(t, "compile", "-t", themePath, "-r", filepath.Join(t.TempDir(), "missing.xml"), "-")
	assert.ErrorIs(t, err, api.ErrCompile)
}

func TestCompile_LegacyConfigAliases(t *testing.T) {
	themePath, rulesPath := writeFixture(t)
	dir := t.TempDir()
	extra := filepath.Join(dir, "extra.xml")
	require.NoError(t, os.WriteFile(extra, []byte(`<rules xmlns="http://namespaces.plone.org/diazo" xmlns:css="http://namespaces.plone.org/diazo/css"><drop css:theme="#banner"/></rules>`), 0644))
	cfg := filepath.Join(dir, "themeproxy.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("theme_uri: "+themePath+"\nrules: "+rulesPath+"\nextraurl: "+extra+"\n"), 0644))

	out := filepath.Join(dir, "theme.bin")
	_, err := execute(t, "--config", cfg, "compile", out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	tr, err := merge.Load(data, merge.Deps{})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.RuleCount())
	assert.Equal(t, filepath.ToSlash(extra), tr.Options().ExtraRulesURI)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg *api.ServeConfig) http.Handler {
	t.Helper()
	require.NoError(t, cfg.Validate())
	srv, err := newServer(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv.handler
}

func testBackend(t *testing.T) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/style.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{}")
		case "/raw":
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("X-Deliverance-No-Theme", "1")
			_, _ = io.WriteString(w, testPage)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, testPage)
		}
	}))
	t.Cleanup(backend.Close)
	return backend
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_ThemesBackend(t *testing.T) {
	themePath, rulesPath := writeFixture(t)
	backend := testBackend(t)

	spec := api.DefaultThemeSpec()
	spec.Theme, spec.Rules = themePath, rulesPath
	h := newTestServer(t, &api.ServeConfig{
		Backend:     backend.URL,
		NoTheme:     []string{"/plain"},
		MetricsPath: api.DefaultMetricsPath,
		EventLog:    filepath.Join(t.TempDir(), "events.jsonl"),
		Theme:       spec,
	})

	rec := get(t, h, "/news")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "SITE BANNER")
	assert.Contains(t, rec.Body.String(), "from backend")
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	assert.Equal(t, "body{}", get(t, h, "/style.css").Body.String())
	assert.Equal(t, testPage, get(t, h, "/raw").Body.String())
	assert.Equal(t, testPage, get(t, h, "/plain/page").Body.String())

	// A gzip-accepting client still gets a themed page; the proxy asks the
	// backend for an uncompressed body.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/news", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	h.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "SITE BANNER")

	metrics := get(t, h, "/metrics").Body.String()
	assert.Contains(t, metrics, `themeproxy_responses_total{decision="apply",reason="applied"} 2`)
	assert.Contains(t, metrics, `themeproxy_compiles_total{outcome="success"`)
}

func TestServer_StaticCompileFailureRefusesToStart(t *testing.T) {
	themePath, _ := writeFixture(t)
	spec := api.DefaultThemeSpec()
	spec.Theme, spec.Rules = themePath, filepath.Join(t.TempDir(), "missing.xml")

	_, err := newServer(context.Background(), &api.ServeConfig{Backend: "http://127.0.0.1:1", Theme: spec}, discardLogger())
	assert.ErrorIs(t, err, api.ErrConfig)
}

func TestServer_LiveModePicksUpChanges(t *testing.T) {
	themePath, rulesPath := writeFixture(t)
	backend := testBackend(t)

	spec := api.DefaultThemeSpec()
	spec.Theme, spec.Rules = themePath, rulesPath
	h := newTestServer(t, &api.ServeConfig{Backend: backend.URL, Live: true, Theme: spec})

	assert.Contains(t, get(t, h, "/").Body.String(), "SITE BANNER")

	require.NoError(t, os.WriteFile(rulesPath, []byte("<rules><broken></rules>"), 0644))
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/").Code)

	require.NoError(t, os.WriteFile(themePath, []byte(strings.Replace(testTheme, "SITE BANNER", "NEW BANNER", 1)), 0644))
	require.NoError(t, os.WriteFile(rulesPath, []byte(testRules), 0644))
	assert.Contains(t, get(t, h, "/").Body.String(), "NEW BANNER")
}

func TestServer_Precompiled(t *testing.T) {
	themePath, rulesPath := writeFixture(t)
	backend := testBackend(t)
	artifact := filepath.Join(t.TempDir(), "theme.bin")

	_, err := execute(t, "compile", "-t", themePath, "-r", rulesPath, artifact)
	require.NoError(t, err)
	require.NoError(t, os.Remove(rulesPath))

	h := newTestServer(t, &api.ServeConfig{Backend: backend.URL, Compiled: artifact})
	assert.Contains(t, get(t, h, "/").Body.String(), "SITE BANNER")
}

func TestCloseContext(t *testing.T) {
	ctx, cancel := closeContext(10 * time.Millisecond)
	defer cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected timeout context to expire")
	}

	ctx, cancel = closeContext(0)
	assert.NoError(t, ctx.Err(), "zero timeout has no deadline")
	cancel()
	assert.Error(t, ctx.Err())
}
