// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/tidwall/gjson"
)

// checkEventsContainCreateEvent requires that events (an auth chain or a
// /send_join response's state) carries an m.room.create event and that its
// declared room_version is one this server knows how to auth-check. An
// absent room_version field defaults to room version 1, matching the
// create event's own defaulting rule.
func checkEventsContainCreateEvent(events []gomatrixserverlib.PDU) error {
	for _, event := range events {
		if event.Type() != "m.room.create" {
			continue
		}
		roomVersion := gjson.GetBytes(event.Content(), "room_version").String()
		if roomVersion == "" {
			roomVersion = "1"
		}
		if _, err := gomatrixserverlib.GetRoomVersion(gomatrixserverlib.RoomVersion(roomVersion)); err != nil {
			return fmt.Errorf("unknown room version %q in m.room.create event: %w", roomVersion, err)
		}
		return nil
	}
	return fmt.Errorf("events are missing m.room.create event")
}
