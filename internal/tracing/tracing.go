// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tracing sets up an opentracing.Tracer backed by
// uber/jaeger-client-go, the way Dendrite's setup/process global tracer
// is installed once at startup and then used ambiently by `opentracing.StartSpan`
// calls scattered through the federation send and ingestion paths.
package tracing

import (
	"context"
	"io"

	"github.com/opentracing/opentracing-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-client-go/log"

	"github.com/element-hq/eventgraph/setup/config"
)

// Init installs a global opentracing.Tracer for serviceName when
// opts.Enabled, reporting to opts.JaegerAgent via the jaeger-client-go
// UDP agent transport. The returned io.Closer flushes buffered spans on
// shutdown; Init returns a no-op closer when tracing is disabled.
func Init(serviceName string, opts config.TracingOptions) (io.Closer, error) {
	if !opts.Enabled {
		return io.NopCloser(nil), nil
	}
	cfg := jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: opts.JaegerAgent,
		},
	}
	tracer, closer, err := cfg.NewTracer(jaegercfg.Logger(jaegerlog.StdLogger))
	if err != nil {
		return nil, err
	}
	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}

// StartSpan starts a child span of the global tracer's active span in ctx,
// following the ambient `opentracing.StartSpanFromContext` pattern the
// teacher uses around its storage and federation-send call sites.
func StartSpan(ctx context.Context, operationName string) (opentracing.Span, context.Context) {
	return opentracing.StartSpanFromContext(ctx, operationName)
}
