package metrics

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ComputeFunc computes a single metric for one record. It must read through
// tx, which carries the batch transaction and the capture scope used for
// aggregate inference.
type ComputeFunc[T any] func(ctx context.Context, tx *gorm.DB, rec *T) (any, error)

// AggregateTarget names the quoted tables and columns an AggregateFunc writes.
type AggregateTarget struct {
	Store    string
	Owner    string
	IDColumn string
	Column   string
}

// AggregateFunc refreshes a metric for every record in one operation.
type AggregateFunc func(ctx context.Context, tx *gorm.DB, target AggregateTarget) error

// Definition is a registered metric.
type Definition[T any] struct {
	Single         ComputeFunc[T]
	AggregateFn    AggregateFunc
	Name           string
	AggregateSQL   string
	Type           ColumnType
	AggregateVars  []any
	Every          Interval
	InferAggregate bool
}

// HasSingle reports whether the metric can be computed per record.
func (d *Definition[T]) HasSingle() bool { return d.Single != nil }

// HasAggregate reports whether the metric has a defined bulk computation.
func (d *Definition[T]) HasAggregate() bool {
	return d.AggregateSQL != "" || d.AggregateFn != nil
}

// Option configures a metric at registration. Options given for an
// already registered metric are merged into its definition.
type Option func(*options)

type options struct {
	single  any
	every   *Interval
	typ     *ColumnType
	infer   *bool
	aggSQL  *string
	aggFn   AggregateFunc
	aggVars []any
}

// Single installs fn as the per-record computation.
func Single[T any](fn ComputeFunc[T]) Option {
	return func(o *options) { o.single = fn }
}

// Aggregate installs a bulk statement executed verbatim during a full pass.
func Aggregate(sql string, vars ...any) Option {
	return func(o *options) {
		o.aggSQL = &sql
		o.aggVars = vars
	}
}

// AggregateWith installs fn as the bulk computation.
func AggregateWith(fn AggregateFunc) Option {
	return func(o *options) { o.aggFn = fn }
}

// Every sets the staleness interval.
func Every(d time.Duration) Option {
	return func(o *options) { o.every = &Interval{mode: intervalEvery, duration: d} }
}

// Always disables reuse of cached values.
func Always() Option {
	return func(o *options) { o.every = &Interval{mode: intervalAlways} }
}

// Once keeps the first non-nil computed value forever.
func Once() Option {
	return func(o *options) { o.every = &Interval{mode: intervalOnce} }
}

// WithInterval sets a parsed interval.
func WithInterval(i Interval) Option {
	return func(o *options) { o.every = &i }
}

// Type declares the storage type of the metric column.
func Type(t ColumnType) Option {
	return func(o *options) { o.typ = &t }
}

// InferAggregate requests that a full pass try to derive a bulk statement
// from the metric's per-record query.
func InferAggregate() Option {
	t := true
	return func(o *options) { o.infer = &t }
}

// Registry holds the metric definitions of one owner type in registration
// order. It is safe for concurrent use; a full pass works on a snapshot.
type Registry[T any] struct {
	defs     map[string]*Definition[T]
	promoted map[string]struct{}
	order    []string
	mu       sync.RWMutex
}

func newRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		defs:     map[string]*Definition[T]{},
		promoted: map[string]struct{}{},
	}
}

// register merges opts into the definition of name. It panics on an empty
// name or on a compute function written for another record type.
func (r *Registry[T]) register(name string, opts ...Option) {
	name = strings.TrimSpace(name)
	if name == "" {
		panic("metrics: register with empty name")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var single ComputeFunc[T]
	if o.single != nil {
		fn, ok := o.single.(ComputeFunc[T])
		if !ok {
			var zero T
			panic(fmt.Sprintf("metrics: %s: compute function %T does not take *%T", name, o.single, zero))
		}
		single = fn
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[name]
	if !ok {
		def = &Definition[T]{Name: name}
		r.defs[name] = def
		r.order = append(r.order, name)
	}
	if single != nil {
		def.Single = single
	}
	if o.aggSQL != nil {
		def.AggregateSQL = *o.aggSQL
		def.AggregateVars = o.aggVars
	}
	if o.aggFn != nil {
		def.AggregateFn = o.aggFn
	}
	if o.every != nil {
		def.Every = *o.every
	}
	if o.typ != nil {
		def.Type = *o.typ
	}
	if o.infer != nil {
		def.InferAggregate = *o.infer
	}
}

// Names returns every metric name in registration order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of registered metrics.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Definition returns a copy of the definition of name.
func (r *Registry[T]) Definition(name string) (Definition[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Definition[T]{}, false
	}
	return *def, true
}

// snapshot copies every definition in registration order.
func (r *Registry[T]) snapshot() []Definition[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition[T], len(r.order))
	for i, name := range r.order {
		defs[i] = *r.defs[name]
	}
	return defs
}

// SingleOnlyMetrics returns the metrics with neither a defined nor an
// inferred aggregate.
func (r *Registry[T]) SingleOnlyMetrics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, name := range r.order {
		_, promoted := r.promoted[name]
		if !r.defs[name].HasAggregate() && !promoted {
			names = append(names, name)
		}
	}
	return names
}

// AggregateMetrics returns the metrics with a defined aggregate or one
// promoted by the last successful inference.
func (r *Registry[T]) AggregateMetrics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, name := range r.order {
		_, promoted := r.promoted[name]
		if r.defs[name].HasAggregate() || promoted {
			names = append(names, name)
		}
	}
	return names
}

// ColumnType resolves the storage type of a store column: the declared
// type of the metric, datetime for names ending in "_at", else integer.
func (r *Registry[T]) ColumnType(column string) ColumnType {
	r.mu.RLock()
	def, ok := r.defs[column]
	r.mu.RUnlock()
	switch {
	case ok && def.Type != "":
		return def.Type
	case strings.HasSuffix(column, "_at"):
		return Datetime
	default:
		return Integer
	}
}

// Promoted reports whether name was promoted by the last inference.
func (r *Registry[T]) Promoted(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.promoted[name]
	return ok
}

func (r *Registry[T]) setPromoted(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoted = make(map[string]struct{}, len(names))
	for _, n := range names {
		r.promoted[n] = struct{}{}
	}
}

// requiredColumns returns a value and a timestamp column per metric.
func requiredColumns(names []string) []string {
	cols := make([]string, 0, 2*len(names))
	for _, name := range names {
		cols = append(cols, name, TimestampColumn(name))
	}
	return cols
}
