package metrics

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"github.com/thebtf/metricache/internal/capture"
	gormstore "github.com/thebtf/metricache/internal/db/gorm"
)

// Defaults applied by NewOwner.
const (
	DefaultBatchSize = 1000
	DefaultInterval  = 20 * time.Hour
)

// OwnerConfig declares an owning type and its companion store.
type OwnerConfig struct {
	// Name identifies the owner in logs and reports. Defaults to the table.
	Name string
	// Table overrides the owner table derived from the model.
	Table string
	// StoreTable is the companion store. Empty, or equal to the owner
	// table, keeps metrics on the owner's own table.
	StoreTable string
	// BatchSize is the number of records per singular batch transaction.
	BatchSize int
	// BatchTimeout bounds each batch transaction. Zero means no bound.
	BatchTimeout time.Duration
	// DefaultInterval is the staleness interval of metrics without one.
	DefaultInterval time.Duration
}

// OwnerOption customizes an Owner.
type OwnerOption func(*ownerOptions)

type ownerOptions struct {
	now    func() time.Time
	logger *zerolog.Logger
	hooks  Hooks
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) OwnerOption {
	return func(o *ownerOptions) { o.now = now }
}

// WithLogger sets the logger the owner derives its component logger from.
func WithLogger(l zerolog.Logger) OwnerOption {
	return func(o *ownerOptions) { o.logger = &l }
}

// WithHooks installs timing hooks.
func WithHooks(h Hooks) OwnerOption {
	return func(o *ownerOptions) { o.hooks = h }
}

// Owner binds a metric registry to an owning record type and its store.
type Owner[T any] struct {
	registry  *Registry[T]
	db        *gorm.DB
	key       *schema.Field
	now       func() time.Time
	hooks     Hooks
	log       zerolog.Logger
	cfg       OwnerConfig
	table     string
	store     string
	storeID   string
	liveCols  []string
	colMu     sync.Mutex
	ddlMu     sync.Mutex
	passMu    sync.Mutex
	colocated bool
}

// NewOwner parses T's schema and prepares its metric registry. The capture
// plugin used for aggregate inference is installed on db.
func NewOwner[T any](db *gorm.DB, cfg OwnerConfig, opts ...OwnerOption) (*Owner[T], error) {
	if db == nil {
		return nil, fmt.Errorf("metrics: nil database")
	}
	oo := ownerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&oo)
	}

	stmt := &gorm.Statement{DB: db, Table: cfg.Table}
	if err := stmt.Parse(new(T)); err != nil {
		return nil, fmt.Errorf("metrics: parse owner model: %w", err)
	}
	key := stmt.Schema.PrioritizedPrimaryField
	if key == nil {
		return nil, fmt.Errorf("metrics: %s has no primary key", stmt.Table)
	}

	if err := capture.Install(db); err != nil {
		return nil, fmt.Errorf("metrics: install capture plugin: %w", err)
	}

	if cfg.Name == "" {
		cfg.Name = stmt.Table
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultInterval
	}

	base := log.Logger
	if oo.logger != nil {
		base = *oo.logger
	}

	o := &Owner[T]{
		registry: newRegistry[T](),
		db:       db,
		key:      key,
		now:      oo.now,
		hooks:    oo.hooks,
		log:      base.With().Str("component", "metrics").Str("owner", cfg.Name).Logger(),
		cfg:      cfg,
		table:    stmt.Table,
		store:    cfg.StoreTable,
		storeID:  "id",
	}
	if o.store == "" || o.store == o.table {
		o.store = o.table
		o.storeID = key.DBName
		o.colocated = true
	}
	return o, nil
}

// Name returns the owner's name.
func (o *Owner[T]) Name() string { return o.cfg.Name }

// Table returns the owner table.
func (o *Owner[T]) Table() string { return o.table }

// StoreTable returns the companion store table.
func (o *Owner[T]) StoreTable() string { return o.store }

// Colocated reports whether metrics live on the owner table itself.
func (o *Owner[T]) Colocated() bool { return o.colocated }

// Registry returns the owner's metric registry.
func (o *Owner[T]) Registry() *Registry[T] { return o.registry }

// Register merges opts into metric name and returns its accessor.
func (o *Owner[T]) Register(name string, opts ...Option) *Accessor[T] {
	o.registry.register(name, opts...)
	return &Accessor[T]{owner: o, name: name}
}

// RegisterSingle registers a per-record metric.
func (o *Owner[T]) RegisterSingle(name string, fn ComputeFunc[T], opts ...Option) *Accessor[T] {
	return o.Register(name, append([]Option{Single(fn)}, opts...)...)
}

// RegisterAggregate registers a metric refreshed by a bulk statement.
func (o *Owner[T]) RegisterAggregate(name, sql string, vars ...any) *Accessor[T] {
	return o.Register(name, Aggregate(sql, vars...))
}

// RegisterAggregateFunc registers a metric refreshed by fn.
func (o *Owner[T]) RegisterAggregateFunc(name string, fn AggregateFunc, opts ...Option) *Accessor[T] {
	return o.Register(name, append([]Option{AggregateWith(fn)}, opts...)...)
}

// Accessor returns the accessor of a registered metric.
func (o *Owner[T]) Accessor(name string) (*Accessor[T], error) {
	if _, ok := o.registry.Definition(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return &Accessor[T]{owner: o, name: name}, nil
}

// MetricInfo describes a registered metric.
type MetricInfo struct {
	Name           string     `json:"name"`
	Type           ColumnType `json:"type"`
	Every          string     `json:"every"`
	Single         bool       `json:"single"`
	Aggregate      bool       `json:"aggregate"`
	InferAggregate bool       `json:"infer_aggregate"`
	Promoted       bool       `json:"promoted"`
}

// Describe lists the registered metrics in registration order.
func (o *Owner[T]) Describe() []MetricInfo {
	defs := o.registry.snapshot()
	infos := make([]MetricInfo, len(defs))
	for i := range defs {
		d := &defs[i]
		infos[i] = MetricInfo{
			Name:           d.Name,
			Type:           o.registry.ColumnType(d.Name),
			Every:          d.Every.String(),
			Single:         d.HasSingle(),
			Aggregate:      d.HasAggregate(),
			InferAggregate: d.InferAggregate,
			Promoted:       o.registry.Promoted(d.Name),
		}
	}
	return infos
}

// quote quotes a table or column for the connected dialect.
func (o *Owner[T]) quote(expr any) string {
	return o.db.Statement.Quote(expr)
}

// storeIDRef is the quoted reference to the store's identity column.
func (o *Owner[T]) storeIDRef() string {
	return o.quote(clause.Column{Table: o.store, Name: o.storeID})
}

// identity returns the primary key value of rec and whether it is set.
func (o *Owner[T]) identity(rec *T) (any, bool) {
	v, zero := o.key.ValueOf(context.Background(), reflect.ValueOf(rec))
	return v, !zero
}

// liveColumns returns the store's columns, loading them through db when
// the cache is empty. A store table that does not exist has no columns.
func (o *Owner[T]) liveColumns(ctx context.Context, db *gorm.DB) ([]string, error) {
	o.colMu.Lock()
	defer o.colMu.Unlock()
	if o.liveCols != nil {
		return o.liveCols, nil
	}
	if !gormstore.HasTable(ctx, db, o.store) {
		return []string{}, nil
	}
	cols, err := gormstore.Columns(ctx, db, o.store)
	if err != nil {
		return nil, err
	}
	o.liveCols = cols
	return cols, nil
}

func (o *Owner[T]) invalidateColumns() {
	o.colMu.Lock()
	o.liveCols = nil
	o.colMu.Unlock()
}
