// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/element-hq/eventgraph/setup/base"
)

func cmdMemoryUsage(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var b strings.Builder
	fmt.Fprintf(&b, "Process:\n  heap_alloc: %d bytes\n  sys: %d bytes\n  goroutines: %d\n",
		mem.HeapAlloc, mem.Sys, runtime.NumGoroutine())

	b.WriteString("Caches:\n")
	for _, u := range eg.Caches.Report() {
		fmt.Fprintf(&b, "  %s: %d entries, cost %d\n", u.Name, u.Entries, u.Cost)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func cmdShowConfig(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	redacted := *eg.Cfg
	redacted.RoomServer.Database.ConnectionString = "<redacted>"
	redacted.FederationAPI.Database.ConnectionString = "<redacted>"
	redacted.Global.PrivateKeyPath = "<redacted>"
	out, err := yaml.Marshal(redacted)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

func cmdClearServiceCaches(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	eg.Caches.ClearAll()
	return "Done", nil
}
