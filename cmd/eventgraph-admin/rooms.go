// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/element-hq/eventgraph/setup/base"
)

func cmdListRooms(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	roomIDs, err := eg.Interner.AllRoomIDs(ctx)
	if err != nil {
		return "", err
	}
	sort.Strings(roomIDs)
	if len(roomIDs) == 0 {
		return "No rooms found.", nil
	}
	var b strings.Builder
	for _, id := range roomIDs {
		disabled, err := eg.Directory.IsDisabled(ctx, id)
		if err != nil {
			return "", err
		}
		public, err := eg.Directory.IsPublic(ctx, id)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s", id)
		if public {
			b.WriteString(" [public]")
		}
		if disabled {
			b.WriteString(" [disabled]")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func cmdDisableRoom(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: disable-room <room_id>")
	}
	if err := eg.Directory.SetDisabled(ctx, args[0], true); err != nil {
		return "", err
	}
	return fmt.Sprintf("Room %s disabled.", args[0]), nil
}

func cmdEnableRoom(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: enable-room <room_id>")
	}
	if err := eg.Directory.SetDisabled(ctx, args[0], false); err != nil {
		return "", err
	}
	return fmt.Sprintf("Room %s enabled.", args[0]), nil
}
