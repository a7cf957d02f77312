package filter

import "errors"

var (
	ErrDecodeBody = errors.New("decode response body")
)
