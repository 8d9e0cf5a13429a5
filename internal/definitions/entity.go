package definitions

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"

	"github.com/thebtf/metricache/pkg/metrics"
)

// Entity is the record type of declared owners. Only the identity is
// loaded; metric queries read everything else themselves.
type Entity struct {
	ID int64 `gorm:"primaryKey;column:id"`
}

// queryMetric computes a metric from SQL returning a single scalar. The
// record identity is bound to @id.
func queryMetric(query string) metrics.ComputeFunc[Entity] {
	return func(ctx context.Context, tx *gorm.DB, e *Entity) (any, error) {
		var v any
		err := tx.WithContext(ctx).Raw(query, sql.Named("id", e.ID)).Row().Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return v, nil
	}
}
