// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package wellknown

import (
	"context"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Property: a second Resolve for the same server name within the TTL never
// calls resolve again, the way the outbound queue (component J) relies on
// this cache to avoid redoing DNS/HTTP resolution on every retry.
func TestResolver_Resolve_CachesAcrossCalls(t *testing.T) {
	ctx := context.Background()
	calls := 0
	want := &fclient.ResolutionResult{}
	r := New(func(ctx context.Context, serverName string) (*fclient.ResolutionResult, error) {
		calls++
		return want, nil
	})

	got, err := r.Resolve(ctx, "example.org")
	require.NoError(t, err)
	assert.Same(t, want, got)

	got, err = r.Resolve(ctx, "example.org")
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, 1, calls)
}

func TestResolver_Resolve_PropagatesUnderlyingError(t *testing.T) {
	ctx := context.Background()
	wantErr := assertErrResolveFailed
	r := New(func(ctx context.Context, serverName string) (*fclient.ResolutionResult, error) {
		return nil, wantErr
	})

	_, err := r.Resolve(ctx, "example.org")
	assert.Equal(t, wantErr, err)
}

// Invalidate forces the next Resolve to call resolve again, used after a
// destination starts hard-failing in case a stale .well-known delegation is
// the actual cause (§4.J backoff).
func TestResolver_Invalidate_ForcesReResolve(t *testing.T) {
	ctx := context.Background()
	calls := 0
	r := New(func(ctx context.Context, serverName string) (*fclient.ResolutionResult, error) {
		calls++
		return &fclient.ResolutionResult{}, nil
	})

	_, err := r.Resolve(ctx, "example.org")
	require.NoError(t, err)
	r.Invalidate("example.org")
	_, err = r.Resolve(ctx, "example.org")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

var assertErrResolveFailed = resolveError("no well-known delegation and no SRV record")

type resolveError string

func (e resolveError) Error() string { return string(e) }
