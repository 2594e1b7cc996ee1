// Package cmn holds small cross-cutting types shared by every LRS component:
// the error taxonomy, debug assertions, and resource identifiers.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error the way §7 of the design taxonomy does, so that
// the router can translate any error into the correct errno-like code
// without re-deriving it from the error chain.
type Kind int

const (
	KindInvalid          Kind = iota // EINVAL: programming / invariant violation
	KindTransient                    // retried locally, never surfaced as-is
	KindNoSpace                      // ENOSPC / EDQUOT / EROFS
	KindIO                           // EIO: hardware / medium failure
	KindLockConflict                 // EEXIST / EALREADY: DSS lock held by another owner
	KindAlreadyInit                  // distinct from KindLockConflict: admin double-init (see Open Question #1)
	KindProtoUnsupported             // EPROTONOSUPPORT
	KindBadMsg                       // EBADMSG
	KindShutdown                     // ESHUTDOWN
)

// String names a Kind for log lines and metric labels.
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindTransient:
		return "transient"
	case KindNoSpace:
		return "no_space"
	case KindIO:
		return "io"
	case KindLockConflict:
		return "lock_conflict"
	case KindAlreadyInit:
		return "already_init"
	case KindProtoUnsupported:
		return "proto_unsupported"
	case KindBadMsg:
		return "bad_msg"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Errno returns the negative errno-like integer code carried by every
// response, per spec.md §7 "user-visible failure".
func (k Kind) Errno() int32 {
	switch k {
	case KindInvalid:
		return -22 // EINVAL
	case KindNoSpace:
		return -28 // ENOSPC
	case KindIO:
		return -5 // EIO
	case KindLockConflict:
		return -17 // EEXIST
	case KindAlreadyInit:
		return -114 // EALREADY
	case KindProtoUnsupported:
		return -93 // EPROTONOSUPPORT
	case KindBadMsg:
		return -74 // EBADMSG
	case KindShutdown:
		return -108 // ESHUTDOWN
	default:
		return -1
	}
}

// Error is the typed error every component returns; it always knows its
// Kind and, where relevant, the request kind it originated from so the
// router can echo both in the failure response (§7).
type Error struct {
	Kind    Kind
	ReqKind string // request kind this error originated from, or "" if n/a
	cause   error
}

func (e *Error) Error() string {
	if e.ReqKind != "" {
		return fmt.Sprintf("%s: %v", e.ReqKind, e.cause)
	}
	return e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(kind Kind, reqKind string, cause error) *Error {
	return &Error{Kind: kind, ReqKind: reqKind, cause: errors.WithStack(cause)}
}

func Errorf(kind Kind, reqKind, format string, args ...any) *Error {
	return NewError(kind, reqKind, fmt.Errorf(format, args...))
}

// Sentinel errors for the common cases; wrap with NewError when the request
// kind or an underlying cause needs to travel with them.
var (
	ErrInvalid           = errors.New("invalid argument")
	ErrShutdown          = errors.New("shutting down")
	ErrLockConflict      = errors.New("resource locked by another owner")
	ErrAlreadyInit       = errors.New("already initialized")
	ErrProtoUnsupported  = errors.New("unsupported protocol version")
	ErrBadMsg            = errors.New("malformed message")
	ErrNoSpace           = errors.New("no space left on medium")
	ErrResourceFailed    = errors.New("resource failed")
	ErrNoCandidate       = errors.New("no eligible device/medium pair")
	ErrAlreadyReleased   = errors.New("sub-request already released")
	ErrDuplicatePrevented = errors.New("prevent-duplicate: equivalent write already placed")
)

// KindOf walks the error chain looking for an *Error and returns its Kind,
// defaulting to KindIO for anything unrecognized (conservative: surface to
// the client rather than silently succeed).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrShutdown):
		return KindShutdown
	case errors.Is(err, ErrLockConflict):
		return KindLockConflict
	case errors.Is(err, ErrAlreadyInit):
		return KindAlreadyInit
	case errors.Is(err, ErrProtoUnsupported):
		return KindProtoUnsupported
	case errors.Is(err, ErrBadMsg):
		return KindBadMsg
	case errors.Is(err, ErrNoSpace):
		return KindNoSpace
	default:
		return KindIO
	}
}

// IsRetryable reports whether an operation failure should be retried locally
// with bounded attempts rather than decrementing health (§4.3 failure policy).
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient
	}
	return false
}

// IsNoSpace reports ENOSPC/EDQUOT/EROFS-class failures, which force a medium
// read-only without decrementing health (§4.3, §7).
func IsNoSpace(err error) bool {
	return KindOf(err) == KindNoSpace
}
