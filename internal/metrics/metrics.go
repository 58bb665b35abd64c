// Package metrics exposes the Prometheus instrumentation for a MeterMaid
// agent, grounded on the teacher's promauto package-level var pattern
// (controlplane/monitor/internal/sol-balance/metrics.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricNameLoadPPM           = "metermaid_load_pulses_per_minute"
	MetricNameBucketRollovers   = "metermaid_bucket_rollovers_total"
	MetricNameMailboxDrops      = "metermaid_mailbox_drops_total"
	MetricNameDebounceRejects   = "metermaid_debounce_rejects_total"
	MetricNameBucketCount       = "metermaid_bucket_count"
	MetricNamePulsesTotal       = "metermaid_pulses_total"

	MetricLabelMeter       = "meter"
	MetricLabelGranularity = "granularity"
)

var (
	// LoadPPM is the live pulses-per-minute estimate from each meter's PHD.
	LoadPPM = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameLoadPPM,
			Help: "Current pulses-per-minute load for a meter",
		},
		[]string{MetricLabelMeter},
	)

	// BucketRollovers counts rollover events processed per meter/granularity.
	// No code in this module increments it.
	BucketRollovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameBucketRollovers,
			Help: "Number of bucket rollovers processed",
		},
		[]string{MetricLabelMeter, MetricLabelGranularity},
	)

	// MailboxDrops counts non-blocking sends that found a full subscriber
	// mailbox (spec.md §5's drop-on-full semantics). No code in this module
	// increments it; drops are only logged.
	MailboxDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameMailboxDrops,
			Help: "Number of event-bus sends dropped because a subscriber mailbox was full",
		},
		[]string{MetricLabelMeter},
	)

	// DebounceRejects counts OnPulse calls ignored within the debounce
	// interval (spec.md §4.3). No code in this module increments it.
	DebounceRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameDebounceRejects,
			Help: "Number of pulses ignored by debounce filtering",
		},
		[]string{MetricLabelMeter},
	)

	// BucketCount reports CurrentCount() per meter/granularity.
	BucketCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBucketCount,
			Help: "Number of retained buckets",
		},
		[]string{MetricLabelMeter, MetricLabelGranularity},
	)

	// PulsesTotal counts pulses drained into the minute bucket chain. No code
	// in this module increments it.
	PulsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePulsesTotal,
			Help: "Total pulses accounted for per meter",
		},
		[]string{MetricLabelMeter},
	)
)
