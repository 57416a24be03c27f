//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Checkpoint saver errors.
var (
	ErrThreadIDRequired   = errors.New("thread_id is required")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCheckpointConflict = errors.New("checkpoint id already written with different content")
)

// ErrorKind classifies engine failures.
type ErrorKind string

// Error kinds.
const (
	ErrorKindValidation     ErrorKind = "validation"
	ErrorKindConfig         ErrorKind = "config"
	ErrorKindType           ErrorKind = "type_error"
	ErrorKindNodeTransient  ErrorKind = "node_transient"
	ErrorKindNodeFatal      ErrorKind = "node_fatal"
	ErrorKindInterrupt      ErrorKind = "interrupt"
	ErrorKindRecursionLimit ErrorKind = "recursion_limit"
	ErrorKindSaver          ErrorKind = "saver"
	ErrorKindCancelled      ErrorKind = "cancelled"
)

// Sentinels matching every *Error of the corresponding kind via errors.Is.
var (
	ErrValidation     = errors.New("graph validation failed")
	ErrConfig         = errors.New("graph configuration error")
	ErrType           = errors.New("reducer rejected write")
	ErrNodeTransient  = errors.New("node failed after retries")
	ErrNodeFatal      = errors.New("node failed")
	ErrRecursionLimit = errors.New("step limit reached")
	ErrSaver          = errors.New("checkpoint saver failed")
	ErrCancelled      = errors.New("run cancelled")
)

// ErrAborted is wrapped by the Cancelled error returned when a resume value
// carries the Abort action.
var ErrAborted = errors.New("aborted by user")

var kindSentinels = map[ErrorKind]error{
	ErrorKindValidation:     ErrValidation,
	ErrorKindConfig:         ErrConfig,
	ErrorKindType:           ErrType,
	ErrorKindNodeTransient:  ErrNodeTransient,
	ErrorKindNodeFatal:      ErrNodeFatal,
	ErrorKindRecursionLimit: ErrRecursionLimit,
	ErrorKindSaver:          ErrSaver,
	ErrorKindCancelled:      ErrCancelled,
}

// Error is returned by the engine for every failure it surfaces.
type Error struct {
	Kind    ErrorKind
	Node    string
	Step    int
	Channel string
	Err     error
}

func newError(kind ErrorKind, node string, step int, err error) *Error {
	return &Error{Kind: kind, Node: node, Step: step, Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("graph ")
	b.WriteString(string(e.Kind))
	if e.Node != "" {
		fmt.Fprintf(&b, " in node %q", e.Node)
	}
	if e.Channel != "" {
		fmt.Fprintf(&b, " on channel %q", e.Channel)
	}
	if e.Step != 0 {
		fmt.Fprintf(&b, " at step %d", e.Step)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// ErrorKind returns the kind as a string for span attributes.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// Is matches the sentinel of the error kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of an engine error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrorKindValidation
	}
	if IsInterrupt(err) {
		return ErrorKindInterrupt
	}
	return ""
}

// ValidationError lists every rule a graph definition violates.
type ValidationError struct {
	Violations []string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Violations, "; "))
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// transientError marks a node failure as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Temporary() bool { return true }

// Transient marks err as retryable. Node bodies return it for failures the
// retry policy should absorb, such as rate limits or dropped connections.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is retryable. Errors implementing
// Temporary() bool and node timeouts count as transient.
func IsTransient(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
