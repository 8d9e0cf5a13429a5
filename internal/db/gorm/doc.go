// Package gorm is the persistence layer behind metricache.
//
// It opens SQLite (modernc.org/sqlite) or PostgreSQL through GORM, runs the
// gormigrate migrations for the pass history, and provides the primitives
// the metrics core builds on:
//
//   - CompanionRow: one companion store row, loaded and saved as a column map
//   - Columns, AddColumn, DropColumn, CreateCompanionTable: schema
//     introspection and DDL for companion stores
//   - PassRunStore: history of full recomputation passes
//
// # Testing
//
// Tests run against temporary SQLite files:
//
//	go test ./internal/db/gorm
package gorm
