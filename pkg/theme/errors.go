package theme

import (
	"fmt"

	"github.com/jingkaihe/themeproxy/pkg/api"
)

// Compile stages reported by CompileError.
const (
	StageThemeFetch       = "theme-fetch"
	StageRulesFetch       = "rules-fetch"
	StageBoilerplateFetch = "boilerplate-fetch"
	StageExtraFetch       = "extra-fetch"
	StageParse            = "parse"
	StageMergeEngine      = "merge-engine"
)

// CompileError is returned by Compiler.Compile. It matches api.ErrCompile
// and, through Unwrap, the underlying cause.
type CompileError struct {
	Stage string
	Ref   string
	Err   error
}

func (e *CompileError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("%s: %s: %v", api.ErrCompile, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", api.ErrCompile, e.Stage, e.Ref, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

func (e *CompileError) Is(target error) bool { return target == api.ErrCompile }
