// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Command eventgraph-admin implements the CLI surface of SPEC_FULL.md §6.1:
// a flat command set operating directly on the event-graph core's own
// storage and caches, matching the `admin <command> [args...]` shape the
// source this was distilled from (avdb13/grapevine's `service/admin`
// command table) uses, translated into a standalone Go binary the way the
// teacher ships standalone tools under cmd/ rather than a REPL.
//
// Commands that belong to components this module doesn't own (user
// accounts, appservices) are thin wrappers around an injected UserAdmin
// interface; every other command runs against the real roomserver storage
// opened from the same config file the server itself uses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/element-hq/eventgraph/federationapi/queue"
	"github.com/element-hq/eventgraph/roomserver/internal/input"
	"github.com/element-hq/eventgraph/setup/base"
	"github.com/element-hq/eventgraph/setup/config"
)

// commandSet is the exact command list from SPEC_FULL.md §6.1.
var commandSet = map[string]func(ctx context.Context, eg *base.EventGraph, args []string) (string, error){
	"list-rooms":            cmdListRooms,
	"list-local-users":      cmdListLocalUsers,
	"disable-room":          cmdDisableRoom,
	"enable-room":           cmdEnableRoom,
	"deactivate-user":       cmdDeactivateUser,
	"deactivate-all":        cmdDeactivateAll,
	"reset-password":        cmdResetPassword,
	"create-user":           cmdCreateUser,
	"get-pdu":               cmdGetPDU,
	"get-auth-chain":        cmdGetAuthChain,
	"parse-pdu":             cmdParsePDU,
	"sign-json":             cmdSignJSON,
	"verify-json":           cmdVerifyJSON,
	"register-appservice":   cmdRegisterAppservice,
	"unregister-appservice": cmdUnregisterAppservice,
	"memory-usage":          cmdMemoryUsage,
	"show-config":           cmdShowConfig,
	"clear-service-caches":  cmdClearServiceCaches,
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("eventgraph-admin", flag.ContinueOnError)
	configPath := fs.String("c", "", "path to the eventgraph config file (default: XDG search)")
	if err := fs.Parse(argv); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: eventgraph-admin [-c config.yaml] <command> [args...]")
		printCommands()
		return 2
	}
	cmdName, cmdArgs := rest[0], rest[1:]
	handler, ok := commandSet[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "eventgraph-admin: unknown command %q\n", cmdName)
		printCommands()
		return 2
	}

	path := *configPath
	if path == "" {
		var err error
		path, err = findConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "eventgraph-admin: %v\n", err)
			return 1
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventgraph-admin: %v\n", err)
		return 1
	}

	ctx := context.Background()
	// The admin binary never authorizes or backfills PDUs itself, so no
	// signature verifier or remote fetcher is wired in; ingestion-shaped
	// commands in this tree (none of the ones below) would simply fail
	// closed rather than silently skipping checks.
	eg, err := base.NewEventGraph(ctx, cfg, noVerify, noFetchRemote, noSend, noDestinations)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventgraph-admin: open storage: %v\n", err)
		return 1
	}
	defer eg.Close()

	result, err := handler(ctx, eg, cmdArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventgraph-admin: %s: %v\n", cmdName, err)
		return 1
	}
	fmt.Println(result)
	return 0
}

func noVerify(ctx context.Context, originServerName string, pduJSON []byte, roomVersion string) error {
	return fmt.Errorf("eventgraph-admin does not verify signatures")
}

func noFetchRemote(ctx context.Context, originServerName, eventID string) ([]byte, bool, error) {
	return nil, false, nil
}

// noSend and noDestinations stand in for the HTTP federation client and
// room-membership resolver this admin binary has no business owning: it
// only ever reads and mutates local storage, so the queue never actually
// dials out in this process, it just keeps its backlog current.
func noSend(ctx context.Context, destination string, pdus []json.RawMessage) error {
	return fmt.Errorf("eventgraph-admin does not send federation traffic")
}

func noDestinations(ctx context.Context, roomID, eventID string) ([]string, error) {
	return nil, nil
}

var _ input.SignatureVerifier = noVerify
var _ input.FetchRemoteEvent = noFetchRemote
var _ queue.Sender = noSend
var _ queue.DestinationsForRoom = noDestinations

func printCommands() {
	fmt.Fprintln(os.Stderr, "commands:")
	for _, name := range []string{
		"list-rooms", "list-local-users", "disable-room", "enable-room",
		"deactivate-user", "deactivate-all", "reset-password", "create-user",
		"get-pdu", "get-auth-chain", "parse-pdu", "sign-json", "verify-json",
		"register-appservice", "unregister-appservice", "memory-usage",
		"show-config", "clear-service-caches",
	} {
		fmt.Fprintln(os.Stderr, "  "+name)
	}
}

// findConfig implements the XDG-search default named in SPEC_FULL.md §6:
// $XDG_CONFIG_HOME/eventgraph/config.yaml, then ~/.config/eventgraph, then
// /etc/eventgraph, in that order.
func findConfig() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if p := filepath.Join(xdg, "eventgraph", "config.yaml"); fileExists(p) {
			return p, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if p := filepath.Join(home, ".config", "eventgraph", "config.yaml"); fileExists(p) {
			return p, nil
		}
	}
	if p := "/etc/eventgraph/config.yaml"; fileExists(p) {
		return p, nil
	}
	return "", fmt.Errorf("no config file found (pass -c, or place one under $XDG_CONFIG_HOME/eventgraph/config.yaml)")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
