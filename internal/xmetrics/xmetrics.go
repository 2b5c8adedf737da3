// Package xmetrics wires per-chain telemetry into rcrowley/go-metrics,
// the same registry the teacher's chaindatafetcher gauges
// (checkpointGauge, handledBlockNumberGauge, traceAPIErrorCounter)
// register into.
package xmetrics

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// ChainGauges is the set of live gauges/counters one collector
// publishes to. They are telemetry only: Status and Health read the
// collector's own Snapshot, not these gauges.
type ChainGauges struct {
	Cursor          metrics.Gauge
	RecordsIn       metrics.Gauge
	RecordsOut      metrics.Gauge
	ErrorCount      metrics.Counter
	CycleDurationMs metrics.Gauge
	LastCommitUnix  metrics.Gauge
	BackfillStart   metrics.Gauge
	BackfillTarget  metrics.Gauge
}

// NewChainGauges registers a fresh set of gauges under
// ingest.<chain>.<name> and returns them. Register's duplicate-name
// error is ignored: registering the same chain twice in one registry
// keeps the first set registered, and the gauges returned by the
// second call are not in the registry.
func NewChainGauges(registry metrics.Registry, chain string) *ChainGauges {
	name := func(suffix string) string { return fmt.Sprintf("ingest.%s.%s", chain, suffix) }

	g := &ChainGauges{
		Cursor:          metrics.NewGauge(),
		RecordsIn:       metrics.NewGauge(),
		RecordsOut:      metrics.NewGauge(),
		ErrorCount:      metrics.NewCounter(),
		CycleDurationMs: metrics.NewGauge(),
		LastCommitUnix:  metrics.NewGauge(),
		BackfillStart:   metrics.NewGauge(),
		BackfillTarget:  metrics.NewGauge(),
	}
	registry.Register(name("cursor"), g.Cursor)
	registry.Register(name("records_in"), g.RecordsIn)
	registry.Register(name("records_out"), g.RecordsOut)
	registry.Register(name("error_count"), g.ErrorCount)
	registry.Register(name("cycle_duration_ms"), g.CycleDurationMs)
	registry.Register(name("last_commit_unix"), g.LastCommitUnix)
	registry.Register(name("backfill_start"), g.BackfillStart)
	registry.Register(name("backfill_target"), g.BackfillTarget)
	return g
}
