// Package errx builds errors that keep a package sentinel matchable with
// errors.Is while carrying the underlying cause or extra detail.
package errx

import "fmt"

// Wrap joins sentinel and cause so errors.Is matches either of them.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With appends formatted detail to sentinel. The format may use %w to keep
// a second error in the chain, e.g. errx.With(ErrX, ": read %s: %w", p, err).
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
