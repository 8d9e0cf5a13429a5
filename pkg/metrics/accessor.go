package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ValueOption adjusts one accessor call.
type ValueOption func(*valueOptions)

type valueOptions struct {
	force bool
}

// Force recomputes regardless of cache freshness. It has no effect on
// metrics without a per-record computation.
func Force() ValueOption {
	return func(o *valueOptions) { o.force = true }
}

// Accessor reads one metric of an owner's records.
type Accessor[T any] struct {
	owner *Owner[T]
	name  string
}

// Name returns the metric name.
func (a *Accessor[T]) Name() string { return a.name }

// Value returns the metric for rec, recomputing and persisting it when the
// cached value is stale.
func (a *Accessor[T]) Value(ctx context.Context, rec *Record[T], opts ...ValueOption) (any, error) {
	if rec.owner != a.owner {
		return nil, fmt.Errorf("metrics: %s: record is bound to owner %s", a.name, rec.owner.Name())
	}
	return a.owner.value(ctx, a.owner.db, rec, a.name, opts...)
}

// Int64 returns the metric as int64. ok is false for a nil value.
func (a *Accessor[T]) Int64(ctx context.Context, rec *Record[T], opts ...ValueOption) (n int64, ok bool, err error) {
	v, err := a.Value(ctx, rec, opts...)
	if err != nil {
		return 0, false, err
	}
	n, ok = AsInt64(v)
	return n, ok, nil
}

// Float64 returns the metric as float64. ok is false for a nil value.
func (a *Accessor[T]) Float64(ctx context.Context, rec *Record[T], opts ...ValueOption) (f float64, ok bool, err error) {
	v, err := a.Value(ctx, rec, opts...)
	if err != nil {
		return 0, false, err
	}
	f, ok = AsFloat64(v)
	return f, ok, nil
}

// value is the read path behind every accessor. db carries the batch
// transaction during a full pass.
func (o *Owner[T]) value(ctx context.Context, db *gorm.DB, rec *Record[T], name string, opts ...ValueOption) (any, error) {
	var vo valueOptions
	for _, opt := range opts {
		opt(&vo)
	}

	def, ok := o.registry.Definition(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	row, err := rec.companion(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("metrics: %s: %w", name, err)
	}

	stamp := TimestampColumn(name)
	var (
		prev   any
		prevAt time.Time
		hasAt  bool
	)
	if !def.Every.IsAlways() {
		prev = row.Get(name)
		prevAt, hasAt = AsTime(row.Get(stamp))
	}

	// Bulk-refreshed metrics are only read here.
	if !def.HasSingle() {
		return prev, nil
	}
	if !vo.force && (def.HasAggregate() || o.registry.Promoted(name)) {
		return prev, nil
	}
	if !vo.force && o.fresh(&def, prev, prevAt, hasAt) {
		return prev, nil
	}

	result, err := def.Single(ctx, db.WithContext(ctx), rec.model)
	if err != nil {
		return nil, fmt.Errorf("metrics: compute %s for %v: %w", name, rec.id, err)
	}
	result = finite(result)

	if err := row.SetColumns(map[string]any{name: result, stamp: o.now()}); err != nil {
		if errors.Is(err, ErrColumnNotProvisioned) {
			o.log.Debug().Str("metric", name).Err(err).Msg("Metric column not provisioned, value not cached")
			return result, nil
		}
		return nil, err
	}

	if err := rec.save(ctx, db, row); err != nil {
		return nil, fmt.Errorf("metrics: save %s for %v: %w", name, rec.id, err)
	}
	return result, nil
}

// fresh reports whether a cached value may be returned without recomputing.
func (o *Owner[T]) fresh(def *Definition[T], prev any, prevAt time.Time, hasAt bool) bool {
	switch {
	case def.Every.IsAlways():
		return false
	case def.Every.IsOnce():
		// String columns default to '' on backfilled rows; only a stamp
		// marks a computed value.
		return hasAt && prev != nil
	}
	interval, ok := def.Every.Duration()
	if !ok {
		interval = o.cfg.DefaultInterval
	}
	return hasAt && prevAt.After(o.now().Add(-interval))
}
