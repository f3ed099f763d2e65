// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports the statistics of table generation, the table
// registry and the range cache as OpenTelemetry instruments.
//
// Example code to report the counters of a manager every 10 seconds:
//
//	defer metrics.Start(ctx, 10*time.Second, metrics.FromManager(m))()
package metrics // import "github.com/quickenunwind/quicken/metrics"

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/internal/periodiccaller"
	"github.com/quickenunwind/quicken/vc"
)

// Reporter receives every batch of metrics in addition to the OTel
// instruments.
type Reporter interface {
	ReportMetrics(timestamp uint32, ids []uint32, values []int64)
}

var (
	meter = otel.Meter("github.com/quickenunwind/quicken",
		metric.WithInstrumentationVersion(vc.Version()))

	// mutex serializes reports.
	mutex       sync.Mutex
	metricTypes = map[MetricID]MetricType{}
	counters    = map[MetricID]metric.Int64Counter{}
	gauges      = map[MetricID]metric.Int64Gauge{}

	reporterImpl Reporter
)

// SetReporter installs r, nil removes the reporter.
func SetReporter(r Reporter) {
	mutex.Lock()
	defer mutex.Unlock()
	reporterImpl = r
}

func init() {
	for _, md := range definitions {
		metricTypes[md.ID] = md.Type
		switch md.Type {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		}
	}
}

// AddSlice reports a batch of metrics. Counters with a zero value and
// unknown IDs are dropped.
func AddSlice(newMetrics []Metric) {
	ctx := context.Background()
	ids := make([]uint32, 0, len(newMetrics))
	values := make([]int64, 0, len(newMetrics))

	mutex.Lock()
	defer mutex.Unlock()
	for _, m := range newMetrics {
		typ, ok := metricTypes[m.ID]
		if !ok || (typ == MetricTypeCounter && m.Value == 0) {
			continue
		}
		switch typ {
		case MetricTypeCounter:
			if counter, ok := counters[m.ID]; ok {
				counter.Add(ctx, int64(m.Value))
			}
		case MetricTypeGauge:
			if gauge, ok := gauges[m.ID]; ok {
				gauge.Record(ctx, int64(m.Value))
			}
		}
		ids = append(ids, uint32(m.ID))
		values = append(values, int64(m.Value))
	}
	if reporterImpl != nil && len(ids) > 0 {
		reporterImpl.ReportMetrics(uint32(time.Now().Unix()), ids, values)
	}
}

// Add reports a single metric.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{ID: id, Value: value}})
}

// Source produces the metrics accumulated since its last call.
type Source func() []Metric

// Start polls the sources every interval and reports their metrics until
// ctx is canceled or the returned function is called.
func Start(ctx context.Context, interval time.Duration, sources ...Source) func() {
	return periodiccaller.Start(ctx, interval, func() {
		for _, source := range sources {
			AddSlice(source())
		}
	})
}

// FromManager reports and resets the counters of m.
func FromManager(m *generator.Manager) Source {
	return func() []Metric {
		s := m.GetAndResetStatistics()
		return []Metric{
			{IDTableHits, MetricValue(s.Hits)},
			{IDTableStoreLoads, MetricValue(s.StoreLoads)},
			{IDTableRequests, MetricValue(s.Requests)},
			{IDTableRequestFailures, MetricValue(s.RequestFailures)},
			{IDTableGenerations, MetricValue(s.Generations)},
			{IDTableGenerateFailures, MetricValue(s.GenerateFailures)},
			{IDTablesLoaded, MetricValue(m.Len())},
		}
	}
}

// FromRangeCache reports and resets the counters of rc.
func FromRangeCache(rc *generator.RangeCache) Source {
	return func() []Metric {
		s := rc.GetAndResetStatistics()
		return []Metric{
			{IDRangeHits, MetricValue(s.Hits)},
			{IDRangeMisses, MetricValue(s.Misses)},
			{IDRangeGenerated, MetricValue(s.Generated)},
			{IDRangeFailed, MetricValue(s.Failed)},
			{IDRangesCached, MetricValue(rc.Len())},
		}
	}
}

// GenerateMetrics converts the statistics of one generation.
func GenerateMetrics(s *generator.Stats) []Metric {
	total := s.Total()
	return []Metric{
		{IDDecodeEntries, MetricValue(total.Entries)},
		{IDDecodeBadEntries, MetricValue(total.BadEntries)},
		{IDDecodeUnsupported, MetricValue(total.Unsupported)},
		{IDGenerateMergedEntries, MetricValue(s.Merged)},
		{IDGenerateMemoryUsed, MetricValue(s.MemoryUsed)},
		{IDGenerateDuration, MetricValue(s.Duration.Milliseconds())},
		{IDPackEntries, MetricValue(s.Pack.Entries)},
		{IDPackCompact, MetricValue(s.Pack.Compact)},
		{IDPackRows, MetricValue(s.Pack.Rows)},
		{IDPackBadEntries, MetricValue(s.Pack.BadEntries)},
		{IDPackPrologues, MetricValue(s.Pack.Prologues)},
		{IDPackGaps, MetricValue(s.Pack.Gaps)},
	}
}
