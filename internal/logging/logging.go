// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package logging wires up logrus the way Dendrite's top-level
// `internal.SetupStdLogging`/`internal.SetupHookLogging` pair does: a plain
// stderr text formatter for interactive use, plus an optional daily-rotated
// JSON file hook (matrix-org/dugong), a level-splitting output hook
// (MFAshby/stdemuxerhook) and capture of the stdlib "log" package into
// logrus once a config is available. Sentry panic/error
// capture is wired separately by SetupSentry, mirroring how Dendrite's
// contrib/dendrite-demo-i2p/main.go and contrib/dendrite-demo-embedded call
// both independently during startup.
package logging

import (
	"log"
	"os"
	"time"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/eventgraph/setup/config"
)

const flushTimeout = 5 * time.Second

// SetupStdLogging installs a plain text formatter on the standard logger
// before any config is loaded, so early startup errors (bad CLI flags, a
// config file that fails to parse) are still readable.
func SetupStdLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000",
		FullTimestamp:   true,
	})
	logrus.SetOutput(os.Stderr)
}

// SetupHookLogging reconfigures the standard logger from a loaded
// LoggingOptions: sets the level, adds the stdemuxerhook hook, redirects
// the stdlib "log" package's output into logrus, and if DugongDir is set
// adds a daily-rotated JSON file hook there.
func SetupHookLogging(opts config.LoggingOptions) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.AddHook(stdemuxerhook.NewHook(logrus.StandardLogger()))
	log.SetOutput(logrus.StandardLogger().Writer())

	if opts.DugongDir != "" {
		logrus.AddHook(dugong.NewFSHook(
			opts.DugongDir+"/eventgraph.log",
			level,
			&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000"},
			&dugong.DailyRotationSchedule{GZip: true},
		))
	}
}

// SetupSentry initializes the Sentry SDK from SentryOptions. Called once
// during startup; a disabled or zero-value SentryOptions is a no-op client
// that silently drops events, matching sentry-go's own documented default
// behavior for an empty DSN.
func SetupSentry(opts config.SentryOptions, serverName, version string) error {
	if !opts.Enabled {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		ServerName:  serverName,
		Release:     version,
		Environment: "eventgraph",
	})
}

// CapturePanic reports r to Sentry (if initialized) and flushes before the
// caller re-panics or exits, mirroring Dendrite's
// `logrus.WithError(err).Panic` + `sentry.Flush` pairing in its
// contrib entrypoints.
func CapturePanic(r interface{}) {
	sentry.CurrentHub().Recover(r)
	sentry.Flush(flushTimeout)
}
