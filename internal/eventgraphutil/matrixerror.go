// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package eventgraphutil

import "github.com/matrix-org/util"

// matrixErrCode is the stable, Matrix-specified machine-readable error code
// returned to clients and federation peers; it never carries internal
// detail such as paths or stack context.
type matrixErrCode struct {
	errcode string
	message string
}

// translationTable is the documented Kind -> errcode mapping from the error
// handling design. Conflict maps to M_UNKNOWN with bespoke text because
// Matrix has no dedicated "already exists" errcode.
var translationTable = map[Kind]matrixErrCode{
	KindNotFound:          {"M_NOT_FOUND", "Not found."},
	KindForbidden:         {"M_FORBIDDEN", "Forbidden."},
	KindConflict:          {"M_UNKNOWN", "Alias already exists."},
	KindInvalidParam:      {"M_INVALID_PARAM", "Invalid parameter."},
	KindBadJSON:           {"M_BAD_JSON", "Malformed JSON."},
	KindSignatureInvalid:  {"M_UNAUTHORIZED", "Signature verification failed."},
	KindAuthRejected:      {"M_FORBIDDEN", "Event failed authorization."},
	KindSoftFailed:        {"M_FORBIDDEN", "Event soft-failed."},
	KindMissingAuth:       {"M_UNKNOWN", "Missing auth events."},
	KindMissingPrevEvents: {"M_UNKNOWN", "Missing prev events."},
	KindStorageCorrupt:    {"M_UNKNOWN", "Internal storage error."},
	KindStorageIO:         {"M_UNKNOWN", "Internal storage error."},
	KindRemoteUnavailable: {"M_UNKNOWN", "Remote server unavailable."},
	KindRemoteBadResponse: {"M_UNKNOWN", "Remote server returned an invalid response."},
	KindBackoffInEffect:   {"M_UNKNOWN", "Remote server is in backoff."},
	KindCancelled:         {"M_UNKNOWN", "Request cancelled."},
	KindBadConfig:         {"M_UNKNOWN", "Server misconfigured."},
}

// Translate maps err onto the documented errcode/message pair for client
// responses. Unknown kinds fall back to a generic M_UNKNOWN so a missing
// table entry never panics on the hot path.
func Translate(err error) util.JSONResponse {
	kind := KindOf(err)
	code, ok := translationTable[kind]
	if !ok {
		code = matrixErrCode{"M_UNKNOWN", "An internal error occurred."}
	}
	status := 500
	switch kind {
	case KindNotFound:
		status = 404
	case KindForbidden, KindAuthRejected, KindSoftFailed, KindSignatureInvalid:
		status = 403
	case KindConflict:
		status = 409
	case KindInvalidParam, KindBadJSON:
		status = 400
	case KindBackoffInEffect, KindRemoteUnavailable:
		status = 502
	}
	return util.JSONResponse{
		Code: status,
		JSON: struct {
			ErrCode string `json:"errcode"`
			Error   string `json:"error"`
		}{code.errcode, code.message},
	}
}
