package metrics

import (
	"errors"
	"fmt"

	gormstore "github.com/thebtf/metricache/internal/db/gorm"
)

var (
	// ErrColumnNotProvisioned reports a metric whose store column has not
	// been added yet. The accessor recovers from it by returning the value
	// without persisting it.
	ErrColumnNotProvisioned = gormstore.ErrColumnNotProvisioned

	// ErrColocatedStore is returned by ExtraColumns when metrics live on the
	// owner's own table, where metric columns cannot be told apart from
	// the owner's data.
	ErrColocatedStore = errors.New("metrics: store is the owner table; extra columns are undefined")

	// ErrUnknownMetric is returned for names that were never registered.
	ErrUnknownMetric = errors.New("metrics: unknown metric")

	// ErrNoComputeExpression is returned at pass time for a metric with
	// neither a per-record nor a bulk computation.
	ErrNoComputeExpression = errors.New("metrics: metric has no compute expression")
)

// ColumnError is the concrete error behind ErrColumnNotProvisioned.
type ColumnError = gormstore.ColumnError

// BatchFailure is a batch whose transaction was rolled back during a pass.
type BatchFailure struct {
	Err     error  `json:"-"`
	FirstID any    `json:"first_id"`
	LastID  any    `json:"last_id"`
	Message string `json:"error"`
	Batch   int    `json:"batch"`
	Records int    `json:"records"`
}

func (f BatchFailure) Error() string {
	return fmt.Sprintf("batch %d (ids %v..%v): %v", f.Batch, f.FirstID, f.LastID, f.Err)
}

func (f BatchFailure) Unwrap() error { return f.Err }
