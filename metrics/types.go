// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/quickenunwind/quicken/metrics"

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// MetricType distinguishes monotonic counters from sampled values.
type MetricType uint8

const (
	MetricTypeCounter MetricType = iota
	MetricTypeGauge
)

// Definition describes one metric.
type Definition struct {
	ID          MetricID
	Name        string
	Description string
	Unit        string
	Type        MetricType
}
