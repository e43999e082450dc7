// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// serverSemaphores hands out one golang.org/x/sync/semaphore.Weighted per
// origin server name, lazily created, bounding how many PDUs from any one
// source server may be mid-pipeline at once (§5). This is the same
// per-key-lazy-semaphore shape Dendrite's httputil rate limiter uses for
// per-client buckets, repurposed here for per-origin-server ingestion
// backpressure instead of per-client request throttling.
type serverSemaphores struct {
	weight int64

	mu   sync.Mutex
	byServer map[string]*semaphore.Weighted
}

func newServerSemaphores(weight int64) *serverSemaphores {
	if weight <= 0 {
		weight = 64
	}
	return &serverSemaphores{weight: weight, byServer: map[string]*semaphore.Weighted{}}
}

func (s *serverSemaphores) forServer(serverName string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.byServer[serverName]
	if !ok {
		sem = semaphore.NewWeighted(s.weight)
		s.byServer[serverName] = sem
	}
	return sem
}

// acquire blocks until a slot for serverName is free or ctx is cancelled.
func (s *serverSemaphores) acquire(ctx context.Context, serverName string) error {
	return s.forServer(serverName).Acquire(ctx, 1)
}

func (s *serverSemaphores) release(serverName string) {
	s.forServer(serverName).Release(1)
}
