package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	gormstore "github.com/thebtf/metricache/internal/db/gorm"
)

// PendingChanges is implemented by models that know whether they carry
// unsaved changes. While it reports true, accessors compute values but hold
// the companion row back; call Record.Flush after saving the owner.
type PendingChanges interface {
	HasPendingChanges() bool
}

// Record binds one owning record to its companion store row.
type Record[T any] struct {
	owner *Owner[T]
	model *T
	id    any
	row   *gormstore.CompanionRow
	hasID bool
	mu    sync.Mutex
}

// Bind returns the record handle of model. The companion row is loaded on
// first access and memoized.
func (o *Owner[T]) Bind(model *T) *Record[T] {
	id, ok := o.identity(model)
	return &Record[T]{owner: o, model: model, id: id, hasID: ok}
}

// ID returns the record identity.
func (r *Record[T]) ID() any { return r.id }

// Model returns the bound model.
func (r *Record[T]) Model() *T { return r.model }

// companion returns the memoized store row, loading it through db.
func (r *Record[T]) companion(ctx context.Context, db *gorm.DB) (*gormstore.CompanionRow, error) {
	if r.row != nil {
		return r.row, nil
	}
	o := r.owner
	cols, err := o.liveColumns(ctx, db)
	if err != nil {
		return nil, err
	}
	if !r.hasID || len(cols) == 0 {
		r.row = gormstore.NewCompanionRow(o.store, o.storeID, r.id, cols)
		return r.row, nil
	}
	row, err := gormstore.LoadCompanionRow(ctx, db, o.store, o.storeID, r.id, cols)
	if err != nil {
		return nil, err
	}
	r.row = row
	return row, nil
}

// holdWrites reports whether the companion row must not be written now.
func (r *Record[T]) holdWrites() bool {
	if !r.hasID {
		return true
	}
	if p, ok := any(r.model).(PendingChanges); ok {
		return p.HasPendingChanges()
	}
	return false
}

// save writes the row unless writes are held.
func (r *Record[T]) save(ctx context.Context, db *gorm.DB, row *gormstore.CompanionRow) error {
	if r.holdWrites() {
		return nil
	}
	return row.Save(ctx, db, !r.owner.colocated)
}

// Flush persists values held back while the owner had pending changes.
func (r *Record[T]) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.row == nil {
		return nil
	}
	if !r.hasID {
		id, ok := r.owner.identity(r.model)
		if !ok {
			return fmt.Errorf("metrics: flush %s: record has no identity", r.owner.Name())
		}
		held := r.row
		r.id, r.hasID, r.row = id, true, nil
		row, err := r.companion(ctx, r.owner.db)
		if err != nil {
			return err
		}
		for _, col := range held.Dirty() {
			if err := row.Set(col, held.Get(col)); err != nil {
				return err
			}
		}
	}
	return r.row.Save(ctx, r.owner.db, !r.owner.colocated)
}

// Reload drops the memoized companion row.
func (r *Record[T]) Reload() {
	r.mu.Lock()
	r.row = nil
	r.mu.Unlock()
}

// RecomputeAll evaluates every registered metric for the record. Failures
// of individual metrics are joined.
func (r *Record[T]) RecomputeAll(ctx context.Context, opts ...ValueOption) error {
	return r.recompute(ctx, r.owner.db, r.owner.registry.Names(), opts...)
}

func (r *Record[T]) recompute(ctx context.Context, db *gorm.DB, names []string, opts ...ValueOption) error {
	var errs []error
	for _, name := range names {
		if _, err := r.owner.value(ctx, db, r, name, opts...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
