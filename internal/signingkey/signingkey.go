// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package signingkey reads a server's Ed25519 federation signing key off
// disk in the standard Matrix key-file format ("ed25519 <key_id>
// <base64-seed>"), the same format Synapse and Dendrite both read and
// write, for the `sign-json`/`verify-json` admin commands (§6's
// X-Matrix request signing, reused here for ad-hoc JSON signing).
//
// Parsing is plain stdlib (encoding/base64, crypto/ed25519): this is a
// one-line text format, not a concern any library in the retrieval pack
// covers, so no third-party dependency earns its place here (see
// DESIGN.md).
package signingkey

import (
	"bufio"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
)

// KeyPair is one parsed signing key: its id and the Ed25519 private key it
// names.
type KeyPair struct {
	KeyID      gomatrixserverlib.KeyID
	PrivateKey ed25519.PrivateKey
}

// Load reads the first "ed25519 <key_id> <base64-seed>" line from path and
// expands the seed into a full Ed25519 private key.
func Load(path string) (*KeyPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open signing key %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "ed25519" {
			return nil, fmt.Errorf("signing key %s: unrecognised line %q", path, line)
		}
		seed, err := base64.RawStdEncoding.DecodeString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("signing key %s: decode seed: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key %s: seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		return &KeyPair{
			KeyID:      gomatrixserverlib.KeyID("ed25519:" + fields[1]),
			PrivateKey: ed25519.NewKeyFromSeed(seed),
		}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
	return nil, fmt.Errorf("signing key %s: no ed25519 key found", path)
}
