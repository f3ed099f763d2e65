// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/quickenunwind/quicken/metrics"

// Metric IDs. Only append: the numbers are reported to the Reporter.
const (
	// Leave out the 0 value. It's an indication of not explicitly initialized variables.
	IDInvalid MetricID = iota

	IDTableHits
	IDTableStoreLoads
	IDTableRequests
	IDTableRequestFailures
	IDTableGenerations
	IDTableGenerateFailures
	IDTablesLoaded

	IDRangeHits
	IDRangeMisses
	IDRangeGenerated
	IDRangeFailed
	IDRangesCached

	IDDecodeEntries
	IDDecodeBadEntries
	IDDecodeUnsupported
	IDGenerateMergedEntries
	IDGenerateMemoryUsed
	IDGenerateDuration

	IDPackEntries
	IDPackCompact
	IDPackRows
	IDPackBadEntries
	IDPackPrologues
	IDPackGaps

	IDMax
)

var definitions = []Definition{
	{IDTableHits, "quicken.table.hits", "Table lookups served from memory", "{lookup}",
		MetricTypeCounter},
	{IDTableStoreLoads, "quicken.table.store_loads", "Tables loaded from the table store",
		"{table}", MetricTypeCounter},
	{IDTableRequests, "quicken.table.requests", "Generation requests handed to the delegate",
		"{request}", MetricTypeCounter},
	{IDTableRequestFailures, "quicken.table.request_failures",
		"Generation requests the delegate rejected", "{request}", MetricTypeCounter},
	{IDTableGenerations, "quicken.table.generations", "Tables generated synchronously",
		"{table}", MetricTypeCounter},
	{IDTableGenerateFailures, "quicken.table.generate_failures", "Failed table generations",
		"{table}", MetricTypeCounter},
	{IDTablesLoaded, "quicken.table.loaded", "Tables held in memory", "{table}",
		MetricTypeGauge},

	{IDRangeHits, "quicken.range.hits", "Range cache lookups that found a table", "{lookup}",
		MetricTypeCounter},
	{IDRangeMisses, "quicken.range.misses", "Range cache lookups without a table", "{lookup}",
		MetricTypeCounter},
	{IDRangeGenerated, "quicken.range.generated", "Single entry tables generated", "{table}",
		MetricTypeCounter},
	{IDRangeFailed, "quicken.range.failed", "Failed single entry generations", "{table}",
		MetricTypeCounter},
	{IDRangesCached, "quicken.range.cached", "Ranges held by the range cache", "{range}",
		MetricTypeGauge},

	{IDDecodeEntries, "quicken.decode.entries", "Entries read from unwind sections", "{entry}",
		MetricTypeCounter},
	{IDDecodeBadEntries, "quicken.decode.bad_entries", "Malformed entries skipped", "{entry}",
		MetricTypeCounter},
	{IDDecodeUnsupported, "quicken.decode.unsupported",
		"Entries with rules Quicken cannot express", "{entry}", MetricTypeCounter},
	{IDGenerateMergedEntries, "quicken.generate.merged_entries", "Entries after merging sources",
		"{entry}", MetricTypeCounter},
	{IDGenerateMemoryUsed, "quicken.generate.memory_used",
		"Estimated memory of the last generation", "By", MetricTypeGauge},
	{IDGenerateDuration, "quicken.generate.duration", "Time spent generating tables", "ms",
		MetricTypeCounter},

	{IDPackEntries, "quicken.pack.entries", "Index entries written", "{entry}",
		MetricTypeCounter},
	{IDPackCompact, "quicken.pack.compact", "Entries inlined into the index", "{entry}",
		MetricTypeCounter},
	{IDPackRows, "quicken.pack.rows", "Instruction table rows written", "{row}",
		MetricTypeCounter},
	{IDPackBadEntries, "quicken.pack.bad_entries", "Entries that failed to encode", "{entry}",
		MetricTypeCounter},
	{IDPackPrologues, "quicken.pack.prologues", "Entries with a collapsed prologue", "{entry}",
		MetricTypeCounter},
	{IDPackGaps, "quicken.pack.gaps", "Gap markers written", "{entry}", MetricTypeCounter},
}

// GetDefinitions returns the definitions of all metrics.
func GetDefinitions() []Definition {
	return definitions
}
