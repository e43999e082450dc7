// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package eventgraphutil holds the error-kind taxonomy and Matrix errcode
// translation table shared by every event-graph-core package, so that
// storage, state resolution, ingestion, and the outbound queue all fail in
// a way their callers can classify without string-matching.
package eventgraphutil

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error kinds from the error handling design: a small,
// closed vocabulary internal code paths branch on, distinct from the
// human-readable message and from the external Matrix errcode.
type Kind string

const (
	KindNotFound           Kind = "NotFound"
	KindForbidden          Kind = "Forbidden"
	KindConflict           Kind = "Conflict"
	KindInvalidParam       Kind = "InvalidParam"
	KindBadJSON            Kind = "BadJson"
	KindSignatureInvalid   Kind = "SignatureInvalid"
	KindAuthRejected       Kind = "AuthRejected"
	KindSoftFailed         Kind = "SoftFailed"
	KindMissingAuth        Kind = "MissingAuth"
	KindMissingPrevEvents  Kind = "MissingPrevEvents"
	KindStorageCorrupt     Kind = "StorageCorrupt"
	KindStorageIO          Kind = "StorageIO"
	KindRemoteUnavailable  Kind = "RemoteUnavailable"
	KindRemoteBadResponse  Kind = "RemoteBadResponse"
	KindBackoffInEffect    Kind = "BackoffInEffect"
	KindCancelled          Kind = "Cancelled"
	KindBadConfig          Kind = "BadConfig"
)

// Error is the concrete error type carrying a Kind plus whatever internal
// context was wrapped in. It is never meant to leak path names or stack
// traces to a client; see Translate for the client-facing mapping.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a plain message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an existing error, keeping
// the original via errors.Wrap so pkg/errors callers still get a stack. Wrap
// returns a nil *Error when cause is nil; returned through an `error`
// result, that nil pointer is a non-nil interface value.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// Is lets `errors.Is(err, &eventgraphutil.Error{Kind: ...})` checks match
// by comparing Kind values rather than identity; a target that is not an
// *Error never matches.
func (e *Error) Is(target error) bool {
	if k, ok := target.(*Error); ok {
		return e.Kind == k.Kind
	}
	return false
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// KindStorageIO otherwise — storage failures are the conservative default
// since most callers into this package are storage-adjacent.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageIO
}
