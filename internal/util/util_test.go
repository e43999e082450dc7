// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeRoomAlias(t *testing.T) {
	assert.Equal(t, "#room:example.org", NormalizeRoomAlias("  #Room:Example.Org  "))
}

func TestNormalizeServerName(t *testing.T) {
	assert.Equal(t, spec.ServerName("matrix.example.org"), NormalizeServerName("  Matrix.Example.Org "))
}
