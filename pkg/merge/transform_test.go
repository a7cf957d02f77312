package merge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/themeproxy/pkg/api"
)

const contentHTML = `<html><head><title>Content title</title></head><body>
<div id="c"><p class="lead" data-x="1">Hello content</p></div>
<div id="nav"><a href="/a">A</a></div>
<div id="junk">junk</div>
</body></html>`

func apply(t *testing.T, rules string, opts Options, content string) string {
	t.Helper()
	tr, err := mergeRules(t, rulesXML(rules), opts)
	require.NoError(t, err)
	out, err := tr.Apply(context.Background(), []byte(content))
	require.NoError(t, err)
	return string(out)
}

func TestApply_Actions(t *testing.T) {
	tests := []struct {
		name        string
		rules       string
		contains    []string
		notContains []string
	}{
		{
			name:        "replace element",
			rules:       `<replace css:theme="#main" css:content="#c"/>`,
			contains:    []string{`<div id="c"><p class="lead" data-x="1">Hello content</p></div>`},
			notContains: []string{"placeholder", `id="main"`},
		},
		{
			name:        "replace children",
			rules:       `<replace css:theme-children="#main" css:content-children="#c"/>`,
			contains:    []string{`<div id="main"><p class="lead" data-x="1">Hello content</p></div>`},
			notContains: []string{"placeholder"},
		},
		{
			name:     "replace without match keeps theme",
			rules:    `<replace css:theme="#main" css:content="#absent"/>`,
			contains: []string{`<div id="main">placeholder</div>`},
		},
		{
			name:     "before",
			rules:    `<before css:theme="#main" css:content="#nav"/>`,
			contains: []string{`<div id="nav"><a href="/a">A</a></div><div id="main">`},
		},
		{
			name:     "after",
			rules:    `<after css:theme="#main" css:content="#nav"/>`,
			contains: []string{`placeholder</div><div id="nav">`},
		},
		{
			name:     "append",
			rules:    `<append css:theme="#main" css:content="#nav"/>`,
			contains: []string{`<div id="main">placeholder<div id="nav">`},
		},
		{
			name:     "prepend",
			rules:    `<prepend css:theme="#main" css:content="#nav"/>`,
			contains: []string{`<div id="main"><div id="nav"><a href="/a">A</a></div>placeholder</div>`},
		},
		{
			name:        "drop theme",
			rules:       `<drop css:theme="#footer"/>`,
			notContains: []string{"Theme footer"},
		},
		{
			name:        "drop content before placement",
			rules:       `<drop css:content="#c p"/><replace css:theme-children="#main" css:content-children="#c"/>`,
			notContains: []string{"Hello content", "placeholder"},
		},
		{
			name:        "drop theme children",
			rules:       `<drop css:theme-children="#main"/>`,
			contains:    []string{`<div id="main"></div>`, "Theme footer"},
			notContains: []string{"placeholder"},
		},
		{
			name:        "drop content children before placement",
			rules:       `<drop css:content-children="#c"/><replace css:theme="#main" css:content="#c"/>`,
			contains:    []string{`<div id="c"></div>`},
			notContains: []string{"Hello content", "placeholder"},
		},
		{
			name:     "copy attributes",
			rules:    `<copy css:theme="#header" css:content="#c p" attributes="class"/>`,
			contains: []string{`<div id="header" class="lead">`},
		},
		{
			name:     "copy all attributes",
			rules:    `<copy css:theme="#header" css:content="#c p" attributes="*"/>`,
			contains: []string{`class="lead"`, `data-x="1"`},
		},
		{
			name:     "if-content skips",
			rules:    `<replace css:theme-children="#main" css:content-children="#c" css:if-content="#absent"/>`,
			contains: []string{"placeholder"},
		},
		{
			name:        "if-content applies",
			rules:       `<replace css:theme-children="#main" css:content-children="#c" css:if-content="#junk"/>`,
			notContains: []string{"placeholder"},
		},
		{
			name:     "title from content",
			rules:    `<replace css:theme="title" css:content="title"/>`,
			contains: []string{"<title>Content title</title>"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := apply(t, tt.rules, defaultOptions(), contentHTML)
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.notContains {
				assert.NotContains(t, out, s)
			}
			assert.NotContains(t, out, "junk")
		})
	}
}

func TestApply_NoTheme(t *testing.T) {
	rules := `<notheme css:if-content="body.raw"/><replace css:theme-children="#main" css:content-children="#c"/>`
	raw := `<html><body class="raw"><div id="c">x</div></body></html>`
	assert.Equal(t, raw, apply(t, rules, defaultOptions(), raw))

	out := apply(t, rules, defaultOptions(), contentHTML)
	assert.Contains(t, out, "Theme header")
}

func TestApply_HrefDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snippet.html"),
		[]byte(`<html><body><div id="side">Side box</div><p>loose</p></body></html>`), 0644))

	opts := defaultOptions()
	opts.RulesURI = filepath.Join(dir, "rules.xml")

	out := apply(t, `<append css:theme="#main" href="snippet.html" css:content="#side"/>`, opts, contentHTML)
	assert.Contains(t, out, `placeholder<div id="side">Side box</div></div>`)
	assert.NotContains(t, out, "loose")

	out = apply(t, `<append css:theme="#main" href="snippet.html"/>`, opts, contentHTML)
	assert.Contains(t, out, "<p>loose</p>")

	out = apply(t, `<append css:theme="#main" href="missing.html"/>`, opts, contentHTML)
	assert.Contains(t, out, `<div id="main">placeholder</div>`)
}

func TestApply_HrefIncludeModes(t *testing.T) {
	opts := defaultOptions()
	opts.IncludeMode = api.IncludeESI
	out := apply(t, `<append css:theme="#main" href="/fragments/side"/>`, opts, contentHTML)
	assert.Contains(t, out, `<esi:include src="/fragments/side"></esi:include>`)

	opts.IncludeMode = api.IncludeSSI
	out = apply(t, `<append css:theme="#main" href="/fragments/side"/>`, opts, contentHTML)
	assert.Contains(t, out, `<!--#include virtual="/fragments/side" -->`)
}

func TestApply_DoesNotMutateTheme(t *testing.T) {
	tr, err := mergeRules(t, rulesXML(`<replace css:theme-children="#main" css:content-children="#c"/><drop css:theme="#footer"/>`), defaultOptions())
	require.NoError(t, err)
	before := tr.Theme()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := tr.Apply(context.Background(), []byte(contentHTML))
			assert.NoError(t, err)
			assert.Equal(t, 1, strings.Count(string(out), "Hello content"))
		}()
	}
	wg.Wait()
	assert.Equal(t, before, tr.Theme())
	assert.Contains(t, tr.Theme(), "Theme footer")
}

func TestApply_CancelledContext(t *testing.T) {
	tr, err := mergeRules(t, rulesXML(`<replace css:theme="#main" css:content="#c"/>`), defaultOptions())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Apply(ctx, []byte(contentHTML))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestArtifact_RoundTrip(t *testing.T) {
	tr, err := mergeRules(t, rulesXML(`<replace css:theme-children="#main" css:content-children="#c"/><copy css:theme="#header" css:content="#c p" attributes="class"/>`), defaultOptions())
	require.NoError(t, err)

	data, err := tr.MarshalBinary()
	require.NoError(t, err)

	loaded, err := Load(data, Deps{})
	require.NoError(t, err)
	assert.Equal(t, tr.Engine(), loaded.Engine())
	assert.Equal(t, tr.RuleCount(), loaded.RuleCount())
	assert.Equal(t, tr.Theme(), loaded.Theme())
	assert.Equal(t, tr.Options(), loaded.Options())

	want, err := tr.Apply(context.Background(), []byte(contentHTML))
	require.NoError(t, err)
	got, err := loaded.Apply(context.Background(), []byte(contentHTML))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load([]byte("not cbor"), Deps{})
	assert.ErrorIs(t, err, ErrInvalidArtifact)

	tr, err := mergeRules(t, rulesXML(`<drop css:theme="#footer"/>`), defaultOptions())
	require.NoError(t, err)
	tr.engine = "nope"
	data, err := tr.MarshalBinary()
	require.NoError(t, err)
	_, err = Load(data, Deps{})
	assert.ErrorIs(t, err, ErrUnknownEngine)
}
