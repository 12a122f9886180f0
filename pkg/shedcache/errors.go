package shedcache

import (
	"errors"

	"github.com/woodshedhq/shedcache/pkg/shedcache/scheduler"
)

var (
	// ErrInvalidArgument is the only synchronous failure EnsureReady
	// raises; everything file-related surfaces as a Failed ticket.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound means the requested identity has no cached fingerprint
	// to match with.
	ErrNotFound = errors.New("identity not cached")

	// ErrClosed means the engine has been shut down.
	ErrClosed = errors.New("engine closed")

	// ErrCancelled reports a job cancelled before completion.
	ErrCancelled = scheduler.ErrCancelled
)
