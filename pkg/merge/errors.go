package merge

import "errors"

var (
	ErrInvalidArtifact = errors.New("invalid compiled transform artifact")
	ErrUnknownEngine   = errors.New("unknown merge engine")
)
