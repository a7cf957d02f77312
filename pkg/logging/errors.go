package logging

import "errors"

var (
	ErrOpenEventLog  = errors.New("events: open event log")
	ErrWriteEvent    = errors.New("events: write event")
	ErrMarshalData   = errors.New("events: marshal event data")
	ErrCloseEventLog = errors.New("events: close event log")
)
