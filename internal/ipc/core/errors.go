package core

import "errors"

var (
	// ErrInvalidHandle means the handle does not name a live reference in
	// the caller's table.
	ErrInvalidHandle = errors.New("core: invalid handle")

	// ErrDeadObject means the target node or its implementing proc is gone.
	ErrDeadObject = errors.New("core: dead object")

	// ErrOutOfBuffers means the target's allocator could not satisfy the
	// payload allocation.
	ErrOutOfBuffers = errors.New("core: out of buffer space")

	// ErrMalformedPayload means the payload or its embedded object
	// descriptors failed validation.
	ErrMalformedPayload = errors.New("core: malformed payload")

	// ErrProtocolViolation means a thread attempted an operation
	// inconsistent with its looper state or transaction stack.
	ErrProtocolViolation = errors.New("core: protocol violation")
)
