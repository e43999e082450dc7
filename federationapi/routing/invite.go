// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	roomserverAPI "github.com/element-hq/eventgraph/roomserver/api"
	"github.com/element-hq/eventgraph/roomserver/types"
)

// handleInviteResult turns the outcome of validating and unmarshalling an
// incoming /invite request into either the accepted event or the
// JSONResponse the federation handler should send back, then (on success)
// hands the event to the roomserver so it is stored as an invite outlier.
//
// inviteErr carries a failure from request validation (signature checks,
// JSON parsing, room version support) that happened before the roomserver
// was ever consulted; a nil inviteErr means the caller should proceed to
// HandleInvite.
func handleInviteResult(ctx context.Context, event gomatrixserverlib.PDU, inviteErr error, rsAPI roomserverAPI.FederationRoomserverAPI) (gomatrixserverlib.PDU, *util.JSONResponse) {
	if inviteErr != nil {
		switch e := inviteErr.(type) {
		case spec.InternalServerError:
			return nil, &util.JSONResponse{Code: http.StatusInternalServerError, JSON: e}
		case spec.MatrixError:
			code := http.StatusInternalServerError
			switch e.ErrCode {
			case spec.ErrorForbidden:
				code = http.StatusForbidden
			case spec.ErrorUnsupportedRoomVersion, spec.ErrorBadJSON:
				code = http.StatusBadRequest
			}
			return nil, &util.JSONResponse{Code: code, JSON: e}
		default:
			return nil, &util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.Unknown("unknown error")}
		}
	}

	headered := &types.HeaderedEvent{PDU: event}
	if err := rsAPI.HandleInvite(ctx, headered); err != nil {
		return nil, &util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	return event, nil
}
