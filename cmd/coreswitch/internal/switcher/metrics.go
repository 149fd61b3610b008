// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package switcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("coreswitch.switcher")

var (
	switchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreswitch_switch_total",
		Help: "Profile switch requests by outcome",
	}, []string{"outcome"})

	switchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coreswitch_switch_duration_seconds",
		Help:    "Time from request to outcome",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	staleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreswitch_switch_stale_total",
		Help: "Requests abandoned as superseded, by checkpoint",
	}, []string{"checkpoint"})

	lockForcedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coreswitch_switch_lock_forced_total",
		Help: "Requests that blocked on the update lock after the short wait",
	})

	taskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreswitch_background_task_failures_total",
		Help: "Failed or panicked background tasks",
	}, []string{"task"})
)
