// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomlock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo_SerializesSameRoom(t *testing.T) {
	r := New()
	var mu sync.Mutex
	inCritical := false
	var overlapped bool

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Do("!room:server", func() {
				mu.Lock()
				if inCritical {
					overlapped = true
				}
				inCritical = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inCritical = false
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	assert.False(t, overlapped, "Do must serialize callers for the same room id")
}

func TestDo_DistinctRoomsRunConcurrently(t *testing.T) {
	r := New()
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		roomID := "!room" + string(rune('a'+i)) + ":server"
		go func() {
			defer wg.Done()
			r.Do(roomID, func() { time.Sleep(50 * time.Millisecond) })
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 90*time.Millisecond, "distinct rooms should not serialize against each other")
}

func TestDoErr_PropagatesError(t *testing.T) {
	r := New()
	boom := errors.New("boom")
	err := r.DoErr("!room:server", func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPurge_RemovesActor(t *testing.T) {
	r := New()
	r.Do("!room:server", func() {})
	r.Purge("!room:server")
	r.Do("!room:server", func() {}) // recreated lazily, must not panic/deadlock
}
