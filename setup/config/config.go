// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package config holds the YAML-tagged configuration structs for the
// event-graph core, loaded from a single file per SPEC_FULL.md §1.1 (CLI
// `-c`, or an XDG-search default), the way Dendrite's
// setup/config package loads config_clientapi.go/config_mediaapi.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DataUnit is a byte count parsed from YAML strings like "64mb" or "1gb",
// matching the unit suffixes Dendrite's cache-size config fields accept.
type DataUnit int64

func (d *DataUnit) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var n int64
		if err2 := unmarshal(&n); err2 != nil {
			return err
		}
		*d = DataUnit(n)
		return nil
	}
	v, err := ParseDataUnit(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDataUnit parses strings like "512kb", "64mb", "2gb", or a bare
// integer byte count.
func ParseDataUnit(s string) (DataUnit, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "gb"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "kb"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid data unit %q: %w", s, err)
	}
	return DataUnit(n * multiplier), nil
}

// DatabaseOptions configures a single logical database's connection.
type DatabaseOptions struct {
	ConnectionString    DataSource `yaml:"connection_string"`
	MaxOpenConns        int        `yaml:"max_open_conns"`
	MaxIdleConns        int        `yaml:"max_idle_conns"`
	ConnMaxLifetimeSecs int        `yaml:"conn_max_lifetime_secs"`
}

// DataSource is a connection string, kept as a distinct type so it is never
// accidentally logged verbatim (it may contain a password).
type DataSource string

func (d DataSource) IsPostgres() bool {
	return strings.HasPrefix(string(d), "postgres://") || strings.HasPrefix(string(d), "postgresql://")
}

// CacheOptions sizes one of the internal/caching LRUs (§4.L).
type CacheOptions struct {
	MaxSize DataUnit      `yaml:"max_size"`
	MaxAge  time.Duration `yaml:"max_age"`
}

// Global holds configuration shared across every component: this server's
// identity, logging, tracing, and the internal NATS JetStream instance
// used for the output stream (SPEC_FULL.md §4.M).
type Global struct {
	ServerName      string          `yaml:"server_name"`
	KeyID           string          `yaml:"key_id"`
	PrivateKeyPath  string          `yaml:"private_key_path"`
	DatabaseOptions DatabaseOptions `yaml:"database"`
	Logging         LoggingOptions  `yaml:"logging"`
	Tracing         TracingOptions  `yaml:"tracing"`
	Sentry          SentryOptions   `yaml:"sentry"`
	JetStream       JetStreamOptions `yaml:"jetstream"`
	Cache           CacheOptions    `yaml:"cache"`
}

type LoggingOptions struct {
	Level     string `yaml:"level"`
	DugongDir string `yaml:"dugong_dir"`
}

type TracingOptions struct {
	Enabled     bool   `yaml:"enabled"`
	JaegerAgent string `yaml:"jaeger_agent"`
}

type SentryOptions struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// JetStreamOptions configures the embedded NATS server backing the output
// stream; Addresses empty means run an in-process embedded server rather
// than dialling an external cluster.
type JetStreamOptions struct {
	Addresses   []string `yaml:"addresses"`
	StoragePath string   `yaml:"storage_path"`
	Durable     string   `yaml:"durable_prefix"`
}

// RoomServer configures the event-graph core itself.
type RoomServer struct {
	Matrix   *Global         `yaml:"-"`
	Database DatabaseOptions `yaml:"database"`

	// MaxShortStateSnapshotDepth bounds the state-snapshot delta chain
	// (§4.C); exceeding it materializes a fresh base snapshot.
	MaxShortStateSnapshotDepth int `yaml:"max_short_state_snapshot_depth"`

	// IngestSemaphoreWeight bounds concurrent in-flight PDUs per source
	// server (§5 backpressure).
	IngestSemaphoreWeight int64 `yaml:"ingest_semaphore_weight"`

	// DefaultRoomVersion is used when an operation needs a room version
	// and the room is unknown, per the "parse-pdu hard-codes room version
	// 6" open question (§9) — defaults to the historical shim value but is
	// overridden with the room's real version whenever that's known.
	DefaultRoomVersion string `yaml:"default_room_version"`
}

func (c *RoomServer) Defaults() {
	if c.MaxShortStateSnapshotDepth == 0 {
		c.MaxShortStateSnapshotDepth = 100
	}
	if c.IngestSemaphoreWeight == 0 {
		c.IngestSemaphoreWeight = 64
	}
	if c.DefaultRoomVersion == "" {
		c.DefaultRoomVersion = "6"
	}
}

func (c *RoomServer) Verify() error {
	if c.Database.ConnectionString == "" {
		return fmt.Errorf("roomserver.database.connection_string is required")
	}
	if c.MaxShortStateSnapshotDepth < 1 {
		return fmt.Errorf("roomserver.max_short_state_snapshot_depth must be >= 1")
	}
	return nil
}

// FederationAPI configures the outbound queue and destination resolution.
type FederationAPI struct {
	Matrix   *Global         `yaml:"-"`
	Database DatabaseOptions `yaml:"database"`

	// Backoff tunables, per §4.J / testable property 9.
	FailureThreshold int           `yaml:"failure_threshold"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64      `yaml:"backoff_multiplier"`
	MaxDelay         time.Duration `yaml:"max_delay"`

	SendTimeout    time.Duration `yaml:"send_timeout"`
	MaxBatchSize   int           `yaml:"max_batch_size"`

	// SearchCountEstimateQuirk names the search `count` client-bug shim
	// from §9's open questions. No code in this module reads it: search
	// results carry no `count` field for it to change.
	SearchCountEstimateQuirk bool `yaml:"search_count_estimate_quirk"`
}

func (c *FederationAPI) Defaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 1.5
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 24 * time.Hour
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 50
	}
}

func (c *FederationAPI) Verify() error {
	if c.Database.ConnectionString == "" {
		return fmt.Errorf("federationapi.database.connection_string is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("federationapi.failure_threshold must be >= 1")
	}
	return nil
}

// EventGraph is the top-level config document, loaded from a single YAML
// file, matching the CLI surface in SPEC_FULL.md §6.1.
type EventGraph struct {
	Global        Global        `yaml:"global"`
	RoomServer    RoomServer    `yaml:"room_server"`
	FederationAPI FederationAPI `yaml:"federation_api"`
}

// Load reads and parses the config file at path, applies defaults, and
// verifies it.
func Load(path string) (*EventGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg EventGraph
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.RoomServer.Matrix = &cfg.Global
	cfg.FederationAPI.Matrix = &cfg.Global
	cfg.RoomServer.Defaults()
	cfg.FederationAPI.Defaults()
	if err := cfg.RoomServer.Verify(); err != nil {
		return nil, err
	}
	if err := cfg.FederationAPI.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
