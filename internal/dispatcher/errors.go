package dispatcher

import (
	"errors"

	"github.com/geolake/geolake/internal/registry"
)

var (
	// ErrDispatchConflict means another dispatcher or a concurrent transition
	// won the race on the request or the worker. It is retried.
	ErrDispatchConflict = errors.New("dispatch conflict")
	// ErrWorkerUnavailable means no idle worker could take a queued request.
	ErrWorkerUnavailable = registry.ErrWorkerUnavailable
	ErrNothingQueued     = errors.New("nothing queued")
	// ErrStaleClaim marks a running request whose worker stopped heartbeating.
	ErrStaleClaim = errors.New("stale claim")
)
