package gorm

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/thebtf/metricache/pkg/models"
)

// PassRunStore provides pass history operations using GORM.
type PassRunStore struct {
	db *gorm.DB
}

// NewPassRunStore creates a new pass history store.
func NewPassRunStore(store *Store) *PassRunStore {
	return &PassRunStore{db: store.DB}
}

// RecordPassRun stores the outcome of a pass and returns its row id.
func (s *PassRunStore) RecordPassRun(ctx context.Context, run *models.PassRun) (int64, error) {
	ctx, cancel := WithTimeout(ctx, DefaultQueryTimeout, "record pass run")
	defer cancel()

	row := fromModelPassRun(run)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, err
	}
	run.ID = row.ID
	return row.ID, nil
}

// GetPassRun returns a pass by its pass id, or nil when unknown.
func (s *PassRunStore) GetPassRun(ctx context.Context, passID string) (*models.PassRun, error) {
	ctx, cancel := WithTimeout(ctx, DefaultQueryTimeout, "get pass run")
	defer cancel()

	var row PassRun
	err := s.db.WithContext(ctx).Where("pass_id = ?", passID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelPassRun(&row), nil
}

// GetRecentPassRuns returns the latest passes, newest first. An empty owner
// matches every owner.
func (s *PassRunStore) GetRecentPassRuns(ctx context.Context, owner string, limit int) ([]*models.PassRun, error) {
	ctx, cancel := WithTimeout(ctx, DefaultQueryTimeout, "recent pass runs")
	defer cancel()

	query := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC")
	if owner != "" {
		query = query.Where("owner = ?", owner)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []PassRun
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]*models.PassRun, len(rows))
	for i := range rows {
		result[i] = toModelPassRun(&rows[i])
	}
	return result, nil
}

// GetPassRunCount returns the number of stored passes for owner.
func (s *PassRunStore) GetPassRunCount(ctx context.Context, owner string) (int64, error) {
	ctx, cancel := WithTimeout(ctx, DefaultQueryTimeout, "count pass runs")
	defer cancel()

	var count int64
	query := s.db.WithContext(ctx).Model(&PassRun{})
	if owner != "" {
		query = query.Where("owner = ?", owner)
	}
	err := query.Count(&count).Error
	return count, err
}

// PrunePassRuns keeps the newest keep passes per owner and deletes the rest.
func (s *PassRunStore) PrunePassRuns(ctx context.Context, owner string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	ctx, cancel := WithTimeout(ctx, SlowQueryTimeout, "prune pass runs")
	defer cancel()

	newest := s.db.Model(&PassRun{}).
		Select("id").
		Where("owner = ?", owner).
		Order("started_at DESC").
		Order("id DESC").
		Limit(keep)

	result := s.db.WithContext(ctx).
		Where("owner = ? AND id NOT IN (?)", owner, newest).
		Delete(&PassRun{})
	return result.RowsAffected, result.Error
}
