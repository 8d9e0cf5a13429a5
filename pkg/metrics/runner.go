package metrics

import "context"

// Runner is the record-type independent view of an Owner, used by services
// that manage several owners.
type Runner interface {
	Name() string
	Table() string
	StoreTable() string
	Colocated() bool
	Describe() []MetricInfo
	RequiredColumns() []string
	MissingColumns(ctx context.Context) ([]string, error)
	ExtraColumns(ctx context.Context) ([]string, error)
	Reconcile(ctx context.Context) error
	RebuildAll(ctx context.Context) error
	RunFullPass(ctx context.Context, opts ...ValueOption) (*PassReport, error)
}

var _ Runner = (*Owner[struct {
	ID int64 `gorm:"primaryKey"`
}])(nil)
