package main

import "errors"

// Usage errors
var (
	ErrUsage          = errors.New("usage")
	ErrLogLevel       = errors.New("invalid log level")
	ErrLogFormat      = errors.New("invalid log format")
	ErrStdoutTerminal = errors.New("refusing to write a binary artifact to a terminal")
)

// Compile errors
var (
	ErrMarshalArtifact = errors.New("marshal compiled artifact")
	ErrWriteArtifact   = errors.New("write compiled artifact")
)

// Serve errors
var (
	ErrReadArtifact  = errors.New("read compiled artifact")
	ErrLoadArtifact  = errors.New("load compiled artifact")
	ErrOpenEventLog  = errors.New("open event log")
	ErrStartListener = errors.New("start listener")
	ErrShutdown      = errors.New("server shutdown")
)
