package domain

import "errors"

var (
	// Not found errors.
	ErrJobNotFound   = errors.New("workq: job not found")
	ErrUnknownWorker = errors.New("workq: unknown worker")

	// Lease errors. ErrLeaseExpired covers both a lost claim race and an
	// ack/extend arriving after the lease lapsed; ErrNotOwner means the
	// caller never held the current lease.
	ErrLeaseExpired = errors.New("workq: lease expired")
	ErrNotOwner     = errors.New("workq: not the lease owner")

	// State errors.
	ErrTerminalState = errors.New("workq: job in terminal state")
)
