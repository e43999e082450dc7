// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/element-hq/eventgraph/internal/passwordreset"
	"github.com/element-hq/eventgraph/setup/base"
)

// UserAdmin is the boundary this binary expects a userapi/appservice
// component to satisfy. The event-graph core owns rooms, events and state;
// it never owns accounts, devices or appservice registrations (§1's
// external-collaborator list), so every command in this file only reaches
// as far as this interface and fails closed when it isn't wired.
//
// base.EventGraph carries no such dependency today — there is no userapi in
// this module — so userAdmin() below always returns the "not configured"
// error. A deployment that links a real userapi package would construct one
// here instead, the same way Dendrite's own `cmd/` tools take the
// component boundary as a constructor argument rather than reaching into a
// global.
type UserAdmin interface {
	ListLocalUsers(ctx context.Context) ([]string, error)
	DeactivateUser(ctx context.Context, userID string) error
	SetPasswordHash(ctx context.Context, userID, hash string) error
	CreateUser(ctx context.Context, userID, passwordHash string) error
	RegisterAppservice(ctx context.Context, id string, config []byte) error
	UnregisterAppservice(ctx context.Context, id string) error
}

func userAdmin(eg *base.EventGraph) (UserAdmin, error) {
	return nil, fmt.Errorf("no userapi/appservice component is wired into this binary; account and appservice management belongs to that component, not eventgraph-admin's own storage")
}

func cmdListLocalUsers(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	ua, err := userAdmin(eg)
	if err != nil {
		return "", err
	}
	users, err := ua.ListLocalUsers(ctx)
	if err != nil {
		return "", err
	}
	return strings.Join(users, "\n"), nil
}

func cmdDeactivateUser(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: deactivate-user <user_id>")
	}
	ua, err := userAdmin(eg)
	if err != nil {
		return "", err
	}
	if err := ua.DeactivateUser(ctx, args[0]); err != nil {
		return "", err
	}
	return fmt.Sprintf("User %s deactivated.", args[0]), nil
}

func cmdDeactivateAll(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	ua, err := userAdmin(eg)
	if err != nil {
		return "", err
	}
	users, err := ua.ListLocalUsers(ctx)
	if err != nil {
		return "", err
	}
	var failed []string
	for _, userID := range users {
		if err := ua.DeactivateUser(ctx, userID); err != nil {
			failed = append(failed, userID)
		}
	}
	if len(failed) > 0 {
		return "", fmt.Errorf("failed to deactivate: %s", strings.Join(failed, ", "))
	}
	return fmt.Sprintf("Deactivated %d users.", len(users)), nil
}

// cmdResetPassword prompts for a new password on the controlling terminal
// (golang.org/x/term, so the password is never echoed or left in shell
// history) and hands the derived hash to the injected UserAdmin; the scrypt
// work itself reuses internal/passwordreset.TokenHasher rather than adding
// a second password-hashing scheme to the tree.
func cmdResetPassword(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: reset-password <user_id>")
	}
	ua, err := userAdmin(eg)
	if err != nil {
		return "", err
	}

	fmt.Fprint(os.Stderr, "New password: ")
	pw1, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	pw2, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(pw1) != string(pw2) {
		return "", fmt.Errorf("passwords do not match")
	}

	hash, err := passwordreset.TokenHasher{}.HashToken(string(pw1))
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := ua.SetPasswordHash(ctx, args[0], hash); err != nil {
		return "", err
	}
	return fmt.Sprintf("Password reset for %s.", args[0]), nil
}

func cmdCreateUser(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: create-user <user_id>")
	}
	ua, err := userAdmin(eg)
	if err != nil {
		return "", err
	}

	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	hash, err := passwordreset.TokenHasher{}.HashToken(string(pw))
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := ua.CreateUser(ctx, args[0], hash); err != nil {
		return "", err
	}
	return fmt.Sprintf("User %s created.", args[0]), nil
}

func cmdRegisterAppservice(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: register-appservice <registration.yaml>")
	}
	ua, err := userAdmin(eg)
	if err != nil {
		return "", err
	}
	config, err := os.ReadFile(args[0])
	if err != nil {
		return "", err
	}
	if err := ua.RegisterAppservice(ctx, args[0], config); err != nil {
		return "", err
	}
	return fmt.Sprintf("Appservice registered from %s.", args[0]), nil
}

func cmdUnregisterAppservice(ctx context.Context, eg *base.EventGraph, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: unregister-appservice <id>")
	}
	ua, err := userAdmin(eg)
	if err != nil {
		return "", err
	}
	if err := ua.UnregisterAppservice(ctx, args[0]); err != nil {
		return "", err
	}
	return fmt.Sprintf("Appservice %s unregistered.", args[0]), nil
}
