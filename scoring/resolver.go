package scoring

import (
	"context"
	"time"

	"fieldcrm/customer"
)

// Behavioral metric names. The set is closed: a new metric needs a new case
// in Resolver.behavioral.
const (
	MetricDealsCount          = "deals_count"
	MetricTotalRevenue        = "total_revenue"
	MetricLastInteractionDays = "last_interaction_days"
)

// NeverInteracted is reported for last_interaction_days when no activity exists.
const NeverInteracted = 999

// MetricSource supplies the derived figures behind behavioral rules.
type MetricSource interface {
	DealsCount(ctx context.Context, customerID string) (int, error)
	WonRevenue(ctx context.Context, customerID string) (float64, error)
	LastActivityAt(ctx context.Context, customerID string) (*time.Time, error)
}

// Resolver maps a rule's (category, field) onto a customer value. A resolver
// memoises behavioral metrics, so create one per scoring run.
type Resolver struct {
	metrics MetricSource
	now     time.Time
	cache   map[metricKey]any
}

type metricKey struct {
	customerID string
	field      string
}

func NewResolver(metrics MetricSource, now time.Time) *Resolver {
	return &Resolver{
		metrics: metrics,
		now:     now,
		cache:   make(map[metricKey]any),
	}
}

// Resolve returns the value a rule should be evaluated against. Unknown
// categories and fields resolve to nil; only metric queries can fail.
func (r *Resolver) Resolve(ctx context.Context, c customer.Customer, category Category, field string) (any, error) {
	switch category {
	case CategoryDemographic, CategoryFirmographic:
		return c.Attribute(field), nil
	case CategoryBehavioral:
		key := metricKey{customerID: c.ID, field: field}
		if v, ok := r.cache[key]; ok {
			return v, nil
		}
		v, err := r.behavioral(ctx, c.ID, field)
		if err != nil {
			return nil, err
		}
		r.cache[key] = v
		return v, nil
	default:
		return nil, nil
	}
}

func (r *Resolver) behavioral(ctx context.Context, customerID, field string) (any, error) {
	switch field {
	case MetricDealsCount:
		return r.metrics.DealsCount(ctx, customerID)
	case MetricTotalRevenue:
		return r.metrics.WonRevenue(ctx, customerID)
	case MetricLastInteractionDays:
		last, err := r.metrics.LastActivityAt(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if last == nil {
			return NeverInteracted, nil
		}
		return daysBetween(*last, r.now), nil
	default:
		return nil, nil
	}
}

func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		d = -d
	}
	return int(d / (24 * time.Hour))
}
