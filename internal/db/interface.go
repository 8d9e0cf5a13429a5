// Package db defines database interfaces for the metricache stores.
package db

import (
	"context"

	"github.com/thebtf/metricache/pkg/models"
)

// PassRunReader defines read operations for pass history.
type PassRunReader interface {
	GetPassRun(ctx context.Context, passID string) (*models.PassRun, error)
	GetRecentPassRuns(ctx context.Context, owner string, limit int) ([]*models.PassRun, error)
	GetPassRunCount(ctx context.Context, owner string) (int64, error)
}

// PassRunWriter defines write operations for pass history.
type PassRunWriter interface {
	RecordPassRun(ctx context.Context, run *models.PassRun) (int64, error)
	PrunePassRuns(ctx context.Context, owner string, keep int) (int64, error)
}

// PassRunStore combines read and write operations for pass history.
type PassRunStore interface {
	PassRunReader
	PassRunWriter
}
