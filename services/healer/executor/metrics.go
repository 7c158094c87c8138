// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for fix execution metrics.
var meter = otel.Meter("healer.executor")

// Metric instruments for fix execution.
var (
	fixesTotal    metric.Int64Counter
	fixDuration   metric.Float64Histogram
	rollbacks     metric.Int64Counter
	retriesTotal  metric.Int64Counter
	activeFixes   metric.Int64UpDownCounter

	metricsOnce sync.Once
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: atomic, safe for concurrent use.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics lazily creates the instruments. Creation failures degrade
// gracefully: the instrument stays nil and recording becomes a no-op.
func initMetrics() {
	metricsOnce.Do(func() {
		fixesTotal, _ = meter.Int64Counter("healer_fixes_total",
			metric.WithDescription("Fix attempts by terminal status"))
		fixDuration, _ = meter.Float64Histogram("healer_fix_duration_seconds",
			metric.WithDescription("Wall time of a fix attempt"),
			metric.WithUnit("s"))
		rollbacks, _ = meter.Int64Counter("healer_rollbacks_total",
			metric.WithDescription("Automatic rollback attempts by outcome"))
		retriesTotal, _ = meter.Int64Counter("healer_command_retries_total",
			metric.WithDescription("Transient command retries"))
		activeFixes, _ = meter.Int64UpDownCounter("healer_active_fixes",
			metric.WithDescription("Fixes currently in flight"))
	})
}

func recordFix(ctx context.Context, status string, duration time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	initMetrics()
	attrs := metric.WithAttributes(attribute.String("status", status))
	if fixesTotal != nil {
		fixesTotal.Add(ctx, 1, attrs)
	}
	if fixDuration != nil {
		fixDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

func recordRollback(ctx context.Context, ok bool) {
	if !metricsEnabled.Load() {
		return
	}
	initMetrics()
	if rollbacks != nil {
		rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
	}
}

func recordRetry(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	initMetrics()
	if retriesTotal != nil {
		retriesTotal.Add(ctx, 1)
	}
}

func addActive(ctx context.Context, delta int64) {
	if !metricsEnabled.Load() {
		return
	}
	initMetrics()
	if activeFixes != nil {
		activeFixes.Add(ctx, delta)
	}
}
