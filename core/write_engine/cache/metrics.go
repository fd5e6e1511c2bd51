package cache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// bg is the context used for metric recordings; cache operations are
// synchronous and carry no caller context.
var bg = context.Background()

// cacheMetrics bundles the OpenTelemetry instruments of the cache manager.
// All instruments come from the configured meter; with telemetry disabled
// the noop meter makes every recording free.
type cacheMetrics struct {
	pageLoads  metric.Int64Counter
	cacheHits  metric.Int64Counter
	evictions  metric.Int64Counter
	diversions metric.Int64Counter
	commits    metric.Int64Counter
	logPages   metric.Int64Counter
}

func newCacheMetrics(meter metric.Meter) *cacheMetrics {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &cacheMetrics{}
	m.pageLoads, _ = meter.Int64Counter("compoundfs.cache.page_loads",
		metric.WithDescription("Pages read from the file into the cache"))
	m.cacheHits, _ = meter.Int64Counter("compoundfs.cache.hits",
		metric.WithDescription("Page requests served from the cache"))
	m.evictions, _ = meter.Int64Counter("compoundfs.cache.evictions",
		metric.WithDescription("Pages evicted from the cache, by page class"))
	m.diversions, _ = meter.Int64Counter("compoundfs.cache.diversions",
		metric.WithDescription("Dirty pages written to a diverted location"))
	m.commits, _ = meter.Int64Counter("compoundfs.commits",
		metric.WithDescription("Completed commits"))
	m.logPages, _ = meter.Int64Counter("compoundfs.commit.log_pages",
		metric.WithDescription("Commit log pages written"))
	return m
}

func (m *cacheMetrics) recordEviction(class PageClass, n int) {
	m.evictions.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("class", class.String())))
}
