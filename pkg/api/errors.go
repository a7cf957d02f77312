package api

import "errors"

var (
	ErrResourceNotFound   = errors.New("resource not found")
	ErrAccessDenied       = errors.New("access denied by resource policy")
	ErrMalformedReference = errors.New("malformed resource reference")
	ErrCompile            = errors.New("theme compile failed")
	ErrMergeFailure       = errors.New("merge engine failure")
	ErrConfig             = errors.New("invalid configuration")
)
