// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package output

import (
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/setup/config"
)

// Embedded is a running in-process NATS server plus a JetStream-enabled
// client connection to it. The §4.M non-goal carry-over applies: this is
// not a durability guarantee beyond the local KV store, only a decoupling
// mechanism, so no external broker is ever required.
type Embedded struct {
	Server *server.Server
	Conn   *nats.Conn
	JS     nats.JetStreamContext
}

// StartEmbedded boots an embedded NATS server per cfg.JetStream (used when
// Addresses is empty) and returns a ready JetStream client connection.
func StartEmbedded(cfg config.JetStreamOptions) (*Embedded, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  cfg.StoragePath,
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindBadConfig, err, "start embedded nats server")
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, eventgraphutil.New(eventgraphutil.KindBadConfig, "embedded nats server did not become ready")
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "connect to embedded nats server")
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "open jetstream context")
	}
	if err := EnsureStream(js); err != nil {
		return nil, err
	}
	return &Embedded{Server: srv, Conn: nc, JS: js}, nil
}

// Close drains the connection and shuts the embedded server down.
func (e *Embedded) Close() {
	if e.Conn != nil {
		_ = e.Conn.Drain()
	}
	if e.Server != nil {
		e.Server.Shutdown()
	}
}
