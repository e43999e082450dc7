// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package backoff implements the outbound federation queue's per-destination
// backoff service (§4.J): a collapsing failure counter and the exponential
// delay schedule derived from it. It is grounded on Dendrite's
// retryStateStatements table (federationapi/storage/postgres/retry_state_table.go)
// for the persisted shape (server_name, failure_count, retry_until), but
// keeps the hot-path counters in memory as lock-free atomics, since the
// transmitter consults backoff state on every send attempt and a database
// round trip per check would defeat the point of the guard.
package backoff

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/element-hq/eventgraph/setup/config"
	"github.com/element-hq/eventgraph/storage/kv"
)

// State is one destination's observable backoff state.
type State struct {
	FailureCount uint32
	LastFailure  time.Time
}

// entry is the in-memory authority for one destination. failureCount and
// lastFailureNanos are atomics so InEffect/Delay callers never need to take
// mu; mu only serializes the compare-and-increment HardFailure performs.
type entry struct {
	mu               sync.Mutex
	failureCount     atomic.Uint32
	lastFailureNanos atomic.Int64
}

func (e *entry) state() State {
	nanos := e.lastFailureNanos.Load()
	var last time.Time
	if nanos != 0 {
		last = time.Unix(0, nanos)
	}
	return State{FailureCount: e.failureCount.Load(), LastFailure: last}
}

// Service tracks backoff state for every destination this server has sent
// to, persisting it to storage so a restart revives in-flight backoffs
// rather than forgetting recent failures.
type Service struct {
	cfg   config.FederationAPI
	store kv.KeyValueStore
	rand  func() float64 // overridden in tests for determinism

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Service. store persists every state change so it
// survives restart; it may be nil for a purely in-memory instance (tests).
func New(cfg config.FederationAPI, store kv.KeyValueStore) *Service {
	return &Service{cfg: cfg, store: store, rand: rand.Float64, entries: map[string]*entry{}}
}

func (s *Service) entryFor(ctx context.Context, serverName string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.entries[serverName]
	if ok {
		s.mu.Unlock()
		return e, nil
	}
	e = &entry{}
	s.entries[serverName] = e
	s.mu.Unlock()

	if s.store != nil {
		st, found, err := s.load(ctx, serverName)
		if err != nil {
			return nil, err
		}
		if found {
			e.failureCount.Store(st.FailureCount)
			e.lastFailureNanos.Store(st.LastFailure.UnixNano())
		}
	}
	return e, nil
}

// Guard returns the destination's current LastFailure, to be captured by a
// caller before it attempts a send. Passing the same guard value back into
// HardFailure is what lets concurrent failures collapse into one increment
// (testable property 10).
func (s *Service) Guard(ctx context.Context, serverName string) (time.Time, error) {
	e, err := s.entryFor(ctx, serverName)
	if err != nil {
		return time.Time{}, err
	}
	return e.state().LastFailure, nil
}

// HardFailure records a transient send failure against serverName. guard is
// the LastFailure value the caller observed via Guard before attempting its
// request; only the caller whose guard still matches the stored LastFailure
// increments failure_count, so a burst of concurrent failures that all
// observed the same prior state collapses into a single increment.
func (s *Service) HardFailure(ctx context.Context, serverName string, guard time.Time) (State, error) {
	e, err := s.entryFor(ctx, serverName)
	if err != nil {
		return State{}, err
	}

	e.mu.Lock()
	current := e.state()
	now := time.Now()
	if current.LastFailure.Equal(guard) {
		e.failureCount.Store(current.FailureCount + 1)
		e.lastFailureNanos.Store(now.UnixNano())
	}
	next := e.state()
	e.mu.Unlock()

	if s.store != nil {
		if err := s.persist(ctx, serverName, next); err != nil {
			return State{}, err
		}
	}
	return next, nil
}

// Success resets serverName's failure_count to 0 after a successful send.
func (s *Service) Success(ctx context.Context, serverName string) error {
	e, err := s.entryFor(ctx, serverName)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.failureCount.Store(0)
	next := e.state()
	e.mu.Unlock()

	if s.store != nil {
		return s.persist(ctx, serverName, next)
	}
	return nil
}

// State returns serverName's current backoff state without altering it.
func (s *Service) State(ctx context.Context, serverName string) (State, error) {
	e, err := s.entryFor(ctx, serverName)
	if err != nil {
		return State{}, err
	}
	return e.state(), nil
}

// Delay computes the advertised retry delay for st per testable property 9:
// zero until FailureThreshold consecutive failures, then BaseDelay scaled by
// BackoffMultiplier per failure beyond the threshold, capped at MaxDelay,
// and finally scaled by a freshly drawn jitter in [0.5, 1.5).
func (s *Service) Delay(st State) time.Duration {
	return delay(s.cfg, st.FailureCount, s.rand())
}

func delay(cfg config.FederationAPI, failureCount uint32, jitter float64) time.Duration {
	if int(failureCount) <= cfg.FailureThreshold {
		return 0
	}
	exp := float64(int(failureCount) - cfg.FailureThreshold)
	d := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, exp)
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	scaled := 0.5 + jitter*1.0 // jitter in [0,1) -> scale factor in [0.5, 1.5)
	return time.Duration(d * scaled)
}

// InEffect reports whether serverName is currently backed off, and for how
// long a caller should wait before its next attempt.
func (s *Service) InEffect(ctx context.Context, serverName string) (bool, time.Duration, error) {
	st, err := s.State(ctx, serverName)
	if err != nil {
		return false, 0, err
	}
	d := s.Delay(st)
	if d <= 0 {
		return false, 0, nil
	}
	remaining := d - time.Since(st.LastFailure)
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

const nsRetryState = "rtst"

func retryStateKey(serverName string) []byte {
	return kv.NewKeyBuilder().Append([]byte(nsRetryState)).Append([]byte(serverName)).Bytes()
}

func (s *Service) persist(ctx context.Context, serverName string, st State) error {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], st.FailureCount)
	binary.BigEndian.PutUint64(buf[4:12], uint64(st.LastFailure.UnixNano()))
	return s.store.Put(ctx, retryStateKey(serverName), buf)
}

func (s *Service) load(ctx context.Context, serverName string) (State, bool, error) {
	value, found, err := s.store.Get(ctx, retryStateKey(serverName))
	if err != nil || !found {
		return State{}, found, err
	}
	failureCount := binary.BigEndian.Uint32(value[0:4])
	nanos := int64(binary.BigEndian.Uint64(value[4:12]))
	var last time.Time
	if nanos != 0 {
		last = time.Unix(0, nanos)
	}
	return State{FailureCount: failureCount, LastFailure: last}, true, nil
}
