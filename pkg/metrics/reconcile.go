package metrics

import (
	"context"
	"fmt"
	"slices"

	gormstore "github.com/thebtf/metricache/internal/db/gorm"
)

// RequiredColumns returns the value and timestamp column of every metric.
func (o *Owner[T]) RequiredColumns() []string {
	return requiredColumns(o.registry.Names())
}

// MissingColumns returns required columns the store does not have.
func (o *Owner[T]) MissingColumns(ctx context.Context) ([]string, error) {
	live, err := o.metricColumns(ctx)
	if err != nil {
		return nil, err
	}
	return difference(o.RequiredColumns(), live), nil
}

// ExtraColumns returns store columns no metric requires. It fails with
// ErrColocatedStore when metrics live on the owner table.
func (o *Owner[T]) ExtraColumns(ctx context.Context) ([]string, error) {
	if o.colocated {
		return nil, fmt.Errorf("%w: %s", ErrColocatedStore, o.table)
	}
	live, err := o.metricColumns(ctx)
	if err != nil {
		return nil, err
	}
	return difference(live, o.RequiredColumns()), nil
}

// Reconcile converges the store schema on the registry: it creates the
// store if needed, drops extra columns and adds missing ones. It never
// touches a colocated store.
func (o *Owner[T]) Reconcile(ctx context.Context) error {
	if o.colocated {
		return nil
	}
	return o.reconcileTo(ctx, o.RequiredColumns())
}

// RebuildAll drops every metric column and recreates them empty. All
// cached values are lost.
func (o *Owner[T]) RebuildAll(ctx context.Context) error {
	if o.colocated {
		return nil
	}
	o.log.Warn().Str("store", o.store).Msg("Rebuilding metric store, cached values will be discarded")
	if err := o.reconcileTo(ctx, nil); err != nil {
		return err
	}
	return o.reconcileTo(ctx, o.RequiredColumns())
}

func (o *Owner[T]) reconcileTo(ctx context.Context, required []string) error {
	o.ddlMu.Lock()
	defer o.ddlMu.Unlock()
	defer o.invalidateColumns()

	db := o.db.WithContext(ctx)
	if !gormstore.HasTable(ctx, db, o.store) {
		keyType := gormstore.KeyDataTypeOf(db, o.key)
		if err := gormstore.CreateCompanionTable(ctx, db, o.store, o.storeID, keyType, o.table, o.key.DBName); err != nil {
			return err
		}
	}

	o.invalidateColumns()
	live, err := o.metricColumns(ctx)
	if err != nil {
		return err
	}

	if extra := difference(live, required); len(extra) > 0 {
		for _, col := range extra {
			if err := gormstore.DropColumn(ctx, db, o.store, col); err != nil {
				return err
			}
		}
		o.invalidateColumns()
		if live, err = o.metricColumns(ctx); err != nil {
			return err
		}
	}

	if missing := difference(required, live); len(missing) > 0 {
		for _, col := range missing {
			typ := o.registry.ColumnType(col)
			dataType := gormstore.DataTypeOf(db, typ.dataType())
			if err := gormstore.AddColumn(ctx, db, o.store, col, dataType, typ == String); err != nil {
				return err
			}
		}
		o.invalidateColumns()
	}
	return nil
}

// metricColumns returns the live store columns minus reserved ones.
func (o *Owner[T]) metricColumns(ctx context.Context) ([]string, error) {
	cols, err := o.liveColumns(ctx, o.db)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if _, reserved := reservedColumns[c]; reserved || c == o.storeID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// difference returns the members of a not in b, in a's order.
func difference(a, b []string) []string {
	var out []string
	for _, s := range a {
		if !slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}
