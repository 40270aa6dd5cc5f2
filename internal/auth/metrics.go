// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OutcomeSuccess labels successful operations. Failures are labeled with
// their Kind.
const OutcomeSuccess = "success"

// Operations is the counter for auth operations by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var Operations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kd_auth_operations_total",
		Help: "Total number of authentication operations by operation and outcome",
	},
	[]string{"operation", "outcome"},
)

// RegisterMetrics registers auth package metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Operations)
}

// recordOperation counts one operation with the outcome derived from err.
func recordOperation(operation string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = string(KindOf(err))
	}
	Operations.WithLabelValues(operation, outcome).Inc()
}
