// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/element-hq/eventgraph/internal/signingkey"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/setup/base"
	"github.com/matrix-org/gomatrixserverlib"
)

func cmdGetPDU(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: get-pdu <event_id>")
	}
	raw, found, err := eg.Timeline.GetPDU(ctx, args[0])
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("PDU not found")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw), nil
	}
	return pretty.String(), nil
}

// cmdGetAuthChain loads the transitive auth-event closure of a single
// event_id and reports its size and the time taken, mirroring the
// source's `get-auth-chain` (originally `admin/get_auth_chain.rs`), which
// reports `chain.count()` and `elapsed` rather than the chain itself.
func cmdGetAuthChain(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: get-auth-chain <event_id>")
	}
	eventID := args[0]

	raw, found, err := eg.Timeline.GetPDU(ctx, eventID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("event not found")
	}
	roomID := gjson.GetBytes(raw, "room_id").String()
	if roomID == "" {
		return "", fmt.Errorf("invalid event in database: no room_id")
	}

	roomNID, found, err := eg.Interner.LookupRoomNID(ctx, roomID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("invalid room id field in event in database")
	}
	eventNID, found, err := eg.Interner.LookupEventNID(ctx, eventID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("failed to retrieve auth chain from database")
	}

	start := time.Now()
	chain, err := eg.AuthChains.GetAuthChain(ctx, roomNID, []types.EventNID{eventNID})
	if err != nil {
		return "", fmt.Errorf("failed to retrieve auth chain from database: %w", err)
	}
	elapsed := time.Since(start)
	return fmt.Sprintf("Loaded auth chain with length %d in %s", len(chain), elapsed), nil
}

func cmdParsePDU(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read pdu json from stdin: %w", err)
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("invalid json in command body: %w", err)
	}

	roomVersion := gomatrixserverlib.RoomVersion(resolveRoomVersion(ctx, eg, gjson.GetBytes(raw, "room_id").String()))

	pdu, err := gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
	if err != nil {
		return fmt.Sprintf("Could not parse PDU JSON: %v", err), nil
	}
	var pretty bytes.Buffer
	_ = json.Indent(&pretty, pdu.JSON(), "", "  ")
	return fmt.Sprintf("EventId: %s\nRoomVersion: %s\n%s", pdu.EventID(), roomVersion, pretty.String()), nil
}

// resolveRoomVersion implements the redesigned `parse-pdu` behavior from
// SPEC_FULL.md's open-question list: look up the containing room's actual
// room version (read off its m.room.create event) when the room is known,
// falling back to the configured default only when it isn't — rather than
// the source's hard-coded room version 6.
func resolveRoomVersion(ctx context.Context, eg *base.EventGraph, roomID string) string {
	if roomID != "" {
		if roomNID, found, err := eg.Interner.LookupRoomNID(ctx, roomID); err == nil && found {
			if snapNID, found, err := eg.RoomState.RoomSnapshot(ctx, roomNID); err == nil && found {
				if createRaw, found, err := eg.State.RoomStateGet(ctx, snapNID, "m.room.create", ""); err == nil && found {
					if v := gjson.GetBytes(createRaw, "content.room_version").String(); v != "" {
						return v
					}
				}
			}
		}
	}
	return eg.Cfg.RoomServer.DefaultRoomVersion
}

func cmdSignJSON(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read json from stdin: %w", err)
	}
	key, err := signingkey.Load(eg.Cfg.Global.PrivateKeyPath)
	if err != nil {
		return "", err
	}
	signed, err := gomatrixserverlib.SignJSON(gomatrixserverlib.ServerName(eg.Cfg.Global.ServerName), key.KeyID, key.PrivateKey, raw)
	if err != nil {
		return "", fmt.Errorf("sign json: %w", err)
	}
	var pretty bytes.Buffer
	_ = json.Indent(&pretty, signed, "", "  ")
	return pretty.String(), nil
}

func cmdVerifyJSON(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read json from stdin: %w", err)
	}
	serverName := gjson.GetBytes(raw, "signatures").Map()
	if len(serverName) == 0 {
		return "", fmt.Errorf("json has no signatures")
	}
	var failures []string
	for origin, sigsByKey := range serverName {
		keys, err := keysFor(eg, origin)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", origin, err))
			continue
		}
		for keyID := range sigsByKey.Map() {
			pub, ok := keys[keyID]
			if !ok {
				failures = append(failures, fmt.Sprintf("%s/%s: unknown key", origin, keyID))
				continue
			}
			if err := gomatrixserverlib.VerifyJSON(gomatrixserverlib.ServerName(origin), gomatrixserverlib.KeyID(keyID), pub, raw); err != nil {
				failures = append(failures, fmt.Sprintf("%s/%s: %v", origin, keyID, err))
			}
		}
	}
	if len(failures) > 0 {
		return "", fmt.Errorf("signature verification failed: %v", failures)
	}
	return "All signatures valid.", nil
}

// keysFor returns the signing public keys this admin binary itself can
// check against: its own configured key, if origin is this server. Remote
// server keys are out of scope for a storage-only CLI (they would need the
// federation key-fetch round trip §6 describes, which runs against a live
// network, not this binary's own database).
func keysFor(eg *base.EventGraph, origin string) (map[string]ed25519.PublicKey, error) {
	if origin != eg.Cfg.Global.ServerName {
		return nil, fmt.Errorf("verifying remote server keys requires a running federation client, not available to eventgraph-admin")
	}
	key, err := signingkey.Load(eg.Cfg.Global.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	pub, ok := key.PrivateKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type")
	}
	return map[string]ed25519.PublicKey{string(key.KeyID): pub}, nil
}
