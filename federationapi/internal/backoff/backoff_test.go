// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package backoff

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/eventgraph/internal/sqlutil"
	"github.com/element-hq/eventgraph/setup/config"
	"github.com/element-hq/eventgraph/storage/kv"
)

func testConfig() config.FederationAPI {
	cfg := config.FederationAPI{}
	cfg.Defaults()
	return cfg
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sqlutil.Open(&config.DatabaseOptions{ConnectionString: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := kv.Open(db, sqlutil.NewExclusiveWriter(), "t_backoff", false)
	require.NoError(t, err)
	return New(testConfig(), store)
}

// Property 9: backoff shape.
func TestDelay_Shape(t *testing.T) {
	cfg := testConfig()
	for k := uint32(0); k <= 5; k++ {
		assert.Zero(t, delay(cfg, k, 0.5), "k=%d must have zero delay", k)
	}
	for k := uint32(6); k <= 12; k++ {
		raw := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(k-5))
		if raw > float64(cfg.MaxDelay) {
			raw = float64(cfg.MaxDelay)
		}
		lo := time.Duration(raw * 0.5)
		hi := time.Duration(raw * 1.5)
		got := delay(cfg, k, 0.25)
		assert.GreaterOrEqual(t, got, lo, "k=%d delay must be >= 0.5x the unjittered value", k)
		assert.LessOrEqual(t, got, hi, "k=%d delay must be < 1.5x the unjittered value", k)
	}
}

func TestDelay_CappedAtMaxDelay(t *testing.T) {
	cfg := testConfig()
	got := delay(cfg, 100, 0.999999)
	assert.LessOrEqual(t, got, cfg.MaxDelay+cfg.MaxDelay/2+time.Second)
}

func TestDelay_MonotonicBetweenThresholdSteps(t *testing.T) {
	cfg := testConfig()
	prev := delay(cfg, 6, 0)
	for k := uint32(7); k < 15; k++ {
		cur := delay(cfg, k, 0)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

// Property 10: backoff collapse.
func TestHardFailure_CollapsesConcurrentBatch(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	serverName := "origin.example"

	guard, err := svc.Guard(ctx, serverName)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.HardFailure(ctx, serverName, guard)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := svc.State(ctx, serverName)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.FailureCount, "a batch of concurrent failures sharing one guard must collapse to a single increment")
}

func TestHardFailure_SequentialBatchesEachIncrement(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	serverName := "origin.example"

	for i := 0; i < 3; i++ {
		guard, err := svc.Guard(ctx, serverName)
		require.NoError(t, err)
		_, err = svc.HardFailure(ctx, serverName, guard)
		require.NoError(t, err)
	}

	st, err := svc.State(ctx, serverName)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st.FailureCount)
}

func TestSuccess_ResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	serverName := "origin.example"

	guard, err := svc.Guard(ctx, serverName)
	require.NoError(t, err)
	_, err = svc.HardFailure(ctx, serverName, guard)
	require.NoError(t, err)

	require.NoError(t, svc.Success(ctx, serverName))

	st, err := svc.State(ctx, serverName)
	require.NoError(t, err)
	assert.Zero(t, st.FailureCount)
}

func TestInEffect_FalseBelowThreshold(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	serverName := "origin.example"

	for i := 0; i < 5; i++ {
		guard, err := svc.Guard(ctx, serverName)
		require.NoError(t, err)
		_, err = svc.HardFailure(ctx, serverName, guard)
		require.NoError(t, err)
	}

	inEffect, _, err := svc.InEffect(ctx, serverName)
	require.NoError(t, err)
	assert.False(t, inEffect, "5 failures is at the threshold, not past it")
}

func TestInEffect_TrueAfterThresholdExceeded(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	serverName := "origin.example"

	for i := 0; i < 6; i++ {
		guard, err := svc.Guard(ctx, serverName)
		require.NoError(t, err)
		_, err = svc.HardFailure(ctx, serverName, guard)
		require.NoError(t, err)
	}

	inEffect, remaining, err := svc.InEffect(ctx, serverName)
	require.NoError(t, err)
	assert.True(t, inEffect)
	assert.Greater(t, remaining, time.Duration(0))
}

func TestPersistence_SurvivesNewService(t *testing.T) {
	ctx := context.Background()
	db, err := sqlutil.Open(&config.DatabaseOptions{ConnectionString: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := kv.Open(db, sqlutil.NewExclusiveWriter(), "t_backoff_persist", false)
	require.NoError(t, err)

	svc1 := New(testConfig(), store)
	serverName := "origin.example"
	guard, err := svc1.Guard(ctx, serverName)
	require.NoError(t, err)
	_, err = svc1.HardFailure(ctx, serverName, guard)
	require.NoError(t, err)

	svc2 := New(testConfig(), store)
	st, err := svc2.State(ctx, serverName)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.FailureCount, "backoff state must be revived across a fresh Service")
}
