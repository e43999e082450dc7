// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api is the narrow call surface an HTTP layer (out of scope for
// this module) uses to reach the outbound federation queue, mirroring how
// `federationapi/api` is consumed by the rest of a Dendrite-shaped tree.
package api

import (
	"context"
	"encoding/json"
)

// FederationInternalAPI is implemented by the outbound queue for
// consumption by callers that need to push an event (an EDU receipt, a
// client-triggered leave, a locally authored message) out to a set of
// destinations without going through the ingestion pipeline's own
// output-stream fan-out.
type FederationInternalAPI interface {
	// SendEvent enqueues pduJSON under pduID for delivery to every server
	// in destinations, starting or waking each destination's queue actor.
	SendEvent(ctx context.Context, pduID string, pduJSON json.RawMessage, destinations []string) error
}
