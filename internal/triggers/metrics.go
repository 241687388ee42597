package triggers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TriggerFailuresTotal counts trigger invocations that returned an error or panicked.
	TriggerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windsayl_trigger_failures_total",
			Help: "Total number of failed trigger invocations",
		},
		[]string{"trigger"},
	)

	// TriggerInvocationsTotal counts trigger invocations that completed.
	TriggerInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windsayl_trigger_invocations_total",
			Help: "Total number of successful trigger invocations",
		},
		[]string{"trigger"},
	)

	// NotificationsCreatedTotal counts notifications written by the triggers, by type.
	NotificationsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windsayl_notifications_created_total",
			Help: "Total number of notifications created by triggers",
		},
		[]string{"type"},
	)
)
