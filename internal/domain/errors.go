// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotStarted indicates an operation that needs a running engine.
var ErrNotStarted = errors.New("engine not started")
