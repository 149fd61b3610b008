// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("coreswitch.service")
	meter  = otel.Meter("coreswitch.service")
)

var (
	reinstallTotal metric.Int64Counter
	startTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		reinstallTotal, err = meter.Int64Counter(
			"coreswitch_service_reinstall_total",
			metric.WithDescription("Service reinstall attempts by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		startTotal, err = meter.Int64Counter(
			"coreswitch_service_start_core_total",
			metric.WithDescription("Engine starts through the service by path and result"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordReinstall(ctx context.Context, result string) {
	if initMetrics() != nil {
		return
	}
	reinstallTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func recordStart(ctx context.Context, path string, success bool) {
	if initMetrics() != nil {
		return
	}
	startTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.Bool("success", success),
	))
}
