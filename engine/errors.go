package engine

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrWriterDisabled = errors.New("writer disabled")
	ErrNotRunning     = errors.New("engine not running")
)
