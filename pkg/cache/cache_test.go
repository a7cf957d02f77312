package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/jingkaihe/themeproxy/pkg/api"
	"github.com/jingkaihe/themeproxy/pkg/merge"
)

var errBroken = errors.New("broken rules")

// countingCompiler merges a fixed theme and counts calls. While fail is
// set every compile fails.
type countingCompiler struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (c *countingCompiler) Compile(ctx context.Context, spec api.ThemeSpec) (*merge.Transform, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, errBroken
	}
	theme, err := html.Parse(strings.NewReader(`<html><body><div id="main"></div></body></html>`))
	if err != nil {
		return nil, err
	}
	rules := etree.NewDocument()
	rules.CreateElement("rules")
	return merge.NewRulesEngine(merge.Deps{}).Merge(ctx, merge.Input{Theme: theme, Rules: rules})
}

func TestStatic_CompilesOnce(t *testing.T) {
	c := &countingCompiler{}
	ctrl, err := New(context.Background(), c, api.ThemeSpec{}, false)
	require.NoError(t, err)
	assert.Equal(t, ModeStatic, ctrl.Mode())

	first, err := ctrl.Transform(context.Background())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		tr, err := ctrl.Transform(context.Background())
		require.NoError(t, err)
		assert.Same(t, first, tr)
	}
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestStatic_CompileFailureRefusesToStart(t *testing.T) {
	c := &countingCompiler{}
	c.fail.Store(true)
	_, err := NewStatic(context.Background(), c, api.ThemeSpec{})
	assert.ErrorIs(t, err, errBroken)
}

func TestLive_CompilesEveryCall(t *testing.T) {
	c := &countingCompiler{}
	ctrl, err := New(context.Background(), c, api.ThemeSpec{}, true)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, ctrl.Mode())
	assert.Equal(t, int32(0), c.calls.Load(), "live mode does not compile up front")

	for i := 0; i < 3; i++ {
		_, err := ctrl.Transform(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), c.calls.Load())
}

func TestLive_FailureIsPerRequest(t *testing.T) {
	c := &countingCompiler{}
	ctrl := NewLive(c, api.ThemeSpec{})

	c.fail.Store(true)
	_, err := ctrl.Transform(context.Background())
	assert.ErrorIs(t, err, errBroken)

	c.fail.Store(false)
	tr, err := ctrl.Transform(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, tr)
}

func TestPrecompiled(t *testing.T) {
	c := &countingCompiler{}
	tr, err := c.Compile(context.Background(), api.ThemeSpec{})
	require.NoError(t, err)

	ctrl := NewPrecompiled(tr)
	assert.Equal(t, ModePrecompiled, ctrl.Mode())
	got, err := ctrl.Transform(context.Background())
	require.NoError(t, err)
	assert.Same(t, tr, got)
}
