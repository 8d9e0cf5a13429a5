package gorm

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrColumnNotProvisioned is the cause of every *ColumnError.
var ErrColumnNotProvisioned = errors.New("column not provisioned")

// ColumnError reports an assignment to a column the store does not have yet.
type ColumnError struct {
	Table  string
	Column string
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("%s: column %q is not provisioned", e.Table, e.Column)
}

func (e *ColumnError) Unwrap() error { return ErrColumnNotProvisioned }

// CompanionRow is one companion store row held as a column map. Only
// columns assigned through Set are written back.
type CompanionRow struct {
	id        any
	columns   map[string]struct{}
	values    map[string]any
	dirty     map[string]struct{}
	table     string
	idColumn  string
	persisted bool
}

// LoadCompanionRow reads the row of table whose idColumn equals id. A missing
// row yields an empty, unpersisted CompanionRow. columns is the live column
// set of table and decides which assignments are accepted.
func LoadCompanionRow(ctx context.Context, db *gorm.DB, table, idColumn string, id any, columns []string) (*CompanionRow, error) {
	row := NewCompanionRow(table, idColumn, id, columns)

	values := map[string]any{}
	result := db.WithContext(ctx).
		Table(table).
		Where(clause.Eq{Column: clause.Column{Name: idColumn}, Value: id}).
		Limit(1).
		Find(&values)
	if result.Error != nil {
		return nil, fmt.Errorf("load %s row: %w", table, result.Error)
	}
	if result.RowsAffected > 0 {
		row.values = values
		row.persisted = true
	}
	return row, nil
}

// NewCompanionRow returns an empty, unpersisted row.
func NewCompanionRow(table, idColumn string, id any, columns []string) *CompanionRow {
	set := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		set[c] = struct{}{}
	}
	return &CompanionRow{
		id:       id,
		columns:  set,
		values:   map[string]any{},
		dirty:    map[string]struct{}{},
		table:    table,
		idColumn: idColumn,
	}
}

// ID returns the row identity.
func (r *CompanionRow) ID() any { return r.id }

// Persisted reports whether the row exists in the store.
func (r *CompanionRow) Persisted() bool { return r.persisted }

// Has reports whether the store has column.
func (r *CompanionRow) Has(column string) bool {
	_, ok := r.columns[column]
	return ok
}

// Get returns the value of column. Unprovisioned columns read as nil.
func (r *CompanionRow) Get(column string) any {
	return r.values[column]
}

// Set assigns value to column. It fails with a *ColumnError when the store
// does not have the column.
func (r *CompanionRow) Set(column string, value any) error {
	if !r.Has(column) {
		return &ColumnError{Table: r.table, Column: column}
	}
	r.values[column] = value
	r.dirty[column] = struct{}{}
	return nil
}

// SetColumns assigns every value, or none when a column is missing.
func (r *CompanionRow) SetColumns(values map[string]any) error {
	var missing []string
	for c := range values {
		if !r.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return &ColumnError{Table: r.table, Column: missing[0]}
	}
	for c, v := range values {
		r.values[c] = v
		r.dirty[c] = struct{}{}
	}
	return nil
}

// Dirty returns the assigned columns not yet saved, sorted.
func (r *CompanionRow) Dirty() []string {
	cols := make([]string, 0, len(r.dirty))
	for c := range r.dirty {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	return cols
}

// Save writes the dirty columns. An unpersisted row is inserted when insert
// is true; otherwise the write is skipped and the columns stay dirty.
func (r *CompanionRow) Save(ctx context.Context, db *gorm.DB, insert bool) error {
	if len(r.dirty) == 0 {
		return nil
	}

	changes := make(map[string]any, len(r.dirty)+1)
	for c := range r.dirty {
		changes[c] = r.values[c]
	}

	db = db.WithContext(ctx)
	if r.persisted {
		err := db.Table(r.table).
			Where(clause.Eq{Column: clause.Column{Name: r.idColumn}, Value: r.id}).
			Updates(changes).Error
		if err != nil {
			return fmt.Errorf("update %s row: %w", r.table, err)
		}
	} else {
		if !insert {
			return nil
		}
		changes[r.idColumn] = r.id
		if err := db.Table(r.table).Create(changes).Error; err != nil {
			return fmt.Errorf("insert %s row: %w", r.table, err)
		}
		r.persisted = true
	}

	clear(r.dirty)
	return nil
}
