package resolve

import (
	"context"
	"net/url"
)

// Resolution is the outcome of fetching a reference found inside an
// already parsed document. An unresolved Resolution is not an error: the
// caller drops the reference and carries on.
type Resolution struct {
	URL  *url.URL
	Data []byte
	Err  error
}

// Resolved reports whether the reference produced data.
func (r Resolution) Resolved() bool {
	return r.Err == nil
}

// Nested resolves ref relative to base for use inside a document that is
// already being compiled or applied. Failures are logged and returned in
// the Resolution, never as an error.
func (r *Resolver) Nested(ctx context.Context, base *url.URL, ref string) Resolution {
	u, err := r.LocateRelative(base, ref)
	if err != nil {
		r.logger.Warn("nested reference unresolved", "ref", ref, "error", err)
		return Resolution{Err: err}
	}
	data, err := r.Fetch(ctx, u)
	if err != nil {
		r.logger.Warn("nested reference unresolved", "url", u.Redacted(), "error", err)
		return Resolution{URL: u, Err: err}
	}
	return Resolution{URL: u, Data: data}
}
