package node

import "errors"

var (
	ErrServerClosed  = errors.New("node: server closed")
	ErrSignalStopped = errors.New("node: signal stopped")
	ErrNotRegistered = errors.New("node: fd not registered")
)
