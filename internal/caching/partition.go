// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCachePartition is a single named, typed view over a
// ristretto.Cache. Every field of Caches is one of these, keyed and valued
// differently; cost is always charged as 1 per entry, since ristretto's
// admission policy only needs relative weight, not exact byte accounting.
type RistrettoCachePartition[K comparable, V any] struct {
	name   string
	cache  *ristretto.Cache
	maxAge time.Duration
}

// Set stores value under key, expiring it after the partition's maxAge
// (or never, if maxAge is zero).
func (p *RistrettoCachePartition[K, V]) Set(key K, value V) {
	if p.maxAge > 0 {
		p.cache.SetWithTTL(key, value, 1, p.maxAge)
	} else {
		p.cache.Set(key, value, 1)
	}
}

// Get returns the value stored under key, if present and not expired.
func (p *RistrettoCachePartition[K, V]) Get(key K) (V, bool) {
	v, ok := p.cache.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Unset removes key from the partition, if present.
func (p *RistrettoCachePartition[K, V]) Unset(key K) {
	p.cache.Del(key)
}

// Len reports ristretto's approximate entry count, for metrics and tests.
func (p *RistrettoCachePartition[K, V]) Len() int {
	return int(p.cache.Metrics.KeysAdded() - p.cache.Metrics.KeysEvicted())
}

// Clear drops every entry in the partition, used by the admin
// `clear-service-caches` command.
func (p *RistrettoCachePartition[K, V]) Clear() {
	p.cache.Clear()
}

// CostAdded reports the ristretto cost currently held by the partition
// (cost added minus cost evicted; here an entry count, since cost is
// charged as 1 per entry), for memory-usage reporting. It is 0 when
// metrics are off.
func (p *RistrettoCachePartition[K, V]) CostAdded() uint64 {
	if p.cache.Metrics == nil {
		return 0
	}
	return p.cache.Metrics.CostAdded() - p.cache.Metrics.CostEvicted()
}
