package otel

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Standard attribute keys for contextd telemetry.
var (
	AttrAgentID     = attribute.Key("contextd.agent.id")
	AttrSessionID   = attribute.Key("contextd.session.id")
	AttrTeamID      = attribute.Key("contextd.team.id")
	AttrAccessLevel = attribute.Key("contextd.access.level")
	AttrGrantedBy   = attribute.Key("contextd.granted.by")
)

// Metrics holds all contextd metric instruments.
type Metrics struct {
	ContextListDuration metric.Float64Histogram
	PermissionChanges   metric.Int64Counter
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	ExpiredDowngrades   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ContextListDuration, err = meter.Float64Histogram("contextd.list.duration",
		metric.WithDescription("Scoped context list duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionChanges, err = meter.Int64Counter("contextd.permission.changes",
		metric.WithDescription("Permission changes applied"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("contextd.permission.cache.hits",
		metric.WithDescription("Permission cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("contextd.permission.cache.misses",
		metric.WithDescription("Permission cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.ExpiredDowngrades, err = meter.Int64Counter("contextd.permission.expired",
		metric.WithDescription("Expired permissions downgraded to self_only"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
