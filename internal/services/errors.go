package services

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition means the (status, event) pair has no table entry.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrStaleSession means the write belongs to a session that is no longer current.
	ErrStaleSession = errors.New("stale execution session")
)
