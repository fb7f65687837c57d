// Package common defines shared constants and sentinel errors used across
// the client and server layers. Callers should match these with errors.Is.
package common

import "errors"

var (
	// ErrNotFound marks a referenced record, zone or share that no longer
	// exists. Callers recover by skipping or recreating, never by aborting
	// a whole batch.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a transient remote failure (network down, rate
	// limited). Safe to retry with backoff.
	ErrUnavailable = errors.New("service unavailable")

	// ErrUnauthorized marks a rejected or expired credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation marks a malformed record or request. Per-record skip,
	// never retried.
	ErrValidation = errors.New("validation failed")

	// ErrTimeout marks an operation that expired before completion
	// (invitation not answered, import deadline exceeded).
	ErrTimeout = errors.New("timed out")

	// ErrBusy marks a state conflict: the target is already engaged with
	// another party (e.g. a peer session holding a different connection).
	ErrBusy = errors.New("busy with another peer")

	// ErrParticipantNotFound marks a participant mutation whose target is
	// absent from the share.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrConflict marks a state conflict surfaced to the caller rather
	// than resolved automatically.
	ErrConflict = errors.New("state conflict")
)
