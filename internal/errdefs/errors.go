/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package errdefs classifies agent errors into the categories a recorder or
// crash observer must react to differently: environment, transient-OS,
// protocol, and invariant-violation errors, plus ErrNotFound for lookups.
// Debuggee faults (crashes, timeouts) have no sentinel here: they are run
// outcomes, not errors.
package errdefs

import (
	"github.com/pkg/errors"
)

var (
	// ErrEnvironment marks a fatal-to-the-operation error: bad executable,
	// missing debug info, unreadable input. The caller may continue with
	// the next input.
	ErrEnvironment = errors.New("environment error")

	// ErrTransient marks an error expected to clear on retry: EINTR, short
	// reads from a debuggee still mapping pages, WER pipe hiccups.
	ErrTransient = errors.New("transient os error")

	// ErrProtocol marks an unexpected debug event, a mismatched breakpoint
	// id, or a register-read failure. The run is aborted and retried; on
	// repeated failure the input is flagged and skipped.
	ErrProtocol = errors.New("debugger protocol error")

	// ErrInvariant marks a contradiction between the block map and an
	// observed program counter, or any other internal consistency failure.
	// The run is aborted and never retried.
	ErrInvariant = errors.New("invariant violation")

	// ErrNotFound marks a lookup failure (module, breakpoint, cache entry).
	ErrNotFound = errors.New("not found")
)

// IsEnvironment reports whether err (or one of its wrapped causes) is an
// environment error.
func IsEnvironment(err error) bool { return errors.Is(err, ErrEnvironment) }

// IsTransient reports whether err is a transient OS error eligible for
// back-off retry.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsProtocol reports whether err is a debugger protocol error.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return errors.Is(err, ErrInvariant) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Environment wraps err as an environment error, attaching msg as context.
func Environment(err error, msg string) error {
	return errors.Wrap(join(ErrEnvironment, err), msg)
}

// Transient wraps err as a transient OS error.
func Transient(err error, msg string) error {
	return errors.Wrap(join(ErrTransient, err), msg)
}

// Protocol wraps err as a debugger protocol error.
func Protocol(err error, msg string) error {
	return errors.Wrap(join(ErrProtocol, err), msg)
}

// Invariant wraps err as an invariant violation.
func Invariant(err error, msg string) error {
	return errors.Wrap(join(ErrInvariant, err), msg)
}

// join keeps both the sentinel (for errors.Is) and the concrete cause (for
// the %s/%v text) reachable from one wrapped value.
func join(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &taggedError{sentinel: sentinel, cause: cause}
}

type taggedError struct {
	sentinel error
	cause    error
}

func (e *taggedError) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *taggedError) Unwrap() error { return e.cause }
func (e *taggedError) Is(target error) bool {
	return target == e.sentinel || errors.Is(e.cause, target)
}
