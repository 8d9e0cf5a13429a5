package gorm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// Columns returns the live column names of table in declaration order.
func Columns(ctx context.Context, db *gorm.DB, table string) ([]string, error) {
	types, err := db.WithContext(ctx).Migrator().ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.Name()
	}
	return names, nil
}

// HasTable reports whether table exists.
func HasTable(ctx context.Context, db *gorm.DB, table string) bool {
	return db.WithContext(ctx).Migrator().HasTable(table)
}

// CreateCompanionTable creates a companion store whose only column is an
// identity referencing ownerTable. Deleting an owner row deletes its
// companion row.
func CreateCompanionTable(ctx context.Context, db *gorm.DB, table, idColumn, keyType, ownerTable, ownerKey string) error {
	err := db.WithContext(ctx).Exec(
		"CREATE TABLE ? (? "+keyType+" NOT NULL PRIMARY KEY REFERENCES ? (?) ON DELETE CASCADE)",
		clause.Table{Name: table}, clause.Column{Name: idColumn},
		clause.Table{Name: ownerTable}, clause.Column{Name: ownerKey},
	).Error
	if err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	log.Info().Str("table", table).Str("owner", ownerTable).Msg("Created companion store")
	return nil
}

// AddColumn adds column with the given SQL type. emptyDefault makes the
// column NOT NULL with an empty string default.
func AddColumn(ctx context.Context, db *gorm.DB, table, column, dataType string, emptyDefault bool) error {
	ddl := "ALTER TABLE ? ADD COLUMN ? " + dataType
	if emptyDefault {
		ddl += " NOT NULL DEFAULT ''"
	}
	if err := db.WithContext(ctx).Exec(ddl, clause.Table{Name: table}, clause.Column{Name: column}).Error; err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	log.Info().Str("table", table).Str("column", column).Str("type", dataType).Msg("Added metric column")
	return nil
}

// DropColumn removes column from table.
func DropColumn(ctx context.Context, db *gorm.DB, table, column string) error {
	if err := db.WithContext(ctx).Exec("ALTER TABLE ? DROP COLUMN ?", clause.Table{Name: table}, clause.Column{Name: column}).Error; err != nil {
		return fmt.Errorf("drop column %s.%s: %w", table, column, err)
	}
	log.Info().Str("table", table).Str("column", column).Msg("Dropped metric column")
	return nil
}

// DataTypeOf maps a GORM data type to the SQL type of the connected dialect.
// Numeric types use 64-bit storage.
func DataTypeOf(db *gorm.DB, dt schema.DataType) string {
	field := &schema.Field{DataType: dt}
	switch dt {
	case schema.Int, schema.Uint, schema.Float:
		field.Size = 64
	}
	return db.Dialector.DataTypeOf(field)
}

// KeyDataTypeOf returns the SQL type of a column referencing key, without
// the auto-increment decoration the key itself may carry.
func KeyDataTypeOf(db *gorm.DB, key *schema.Field) string {
	field := *key
	field.AutoIncrement = false
	field.HasDefaultValue = false
	field.DefaultValueInterface = nil
	return db.Dialector.DataTypeOf(&field)
}
