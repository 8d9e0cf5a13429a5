package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/metricache/pkg/models"
)

// PassRun is the stored history row of one full recomputation pass.
// Field order optimized for memory alignment (fieldalignment).
type PassRun struct {
	StartedAt     time.Time              `gorm:"index:idx_pass_runs_owner_started,priority:2,sort:desc;not null"`
	PassID        string                 `gorm:"uniqueIndex;size:36;not null"`
	Owner         string                 `gorm:"index:idx_pass_runs_owner_started,priority:1;not null"`
	Trigger       string                 `gorm:"type:text;default:'manual'"`
	Error         sql.NullString         `gorm:"type:text"`
	Metrics       models.JSONStringArray `gorm:"type:text"`
	Inferred      models.JSONStringArray `gorm:"type:text"`
	BadGuesses    models.JSONStringArray `gorm:"type:text"`
	Singular      models.JSONStringArray `gorm:"type:text"`
	Aggregates    models.JSONStringArray `gorm:"type:text"`
	ID            int64                  `gorm:"primaryKey;autoIncrement"`
	DurationMs    int64                  `gorm:"not null;default:0"`
	Batches       int                    `gorm:"not null;default:0"`
	FailedBatches int                    `gorm:"not null;default:0"`
}

func (PassRun) TableName() string { return "metric_pass_runs" }

// BeforeCreate hook to ensure the start time is set.
func (p *PassRun) BeforeCreate(tx *gorm.DB) error {
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now()
	}
	if p.Trigger == "" {
		p.Trigger = string(models.TriggerManual)
	}
	return nil
}

func toModelPassRun(p *PassRun) *models.PassRun {
	return &models.PassRun{
		ID:            p.ID,
		PassID:        p.PassID,
		Owner:         p.Owner,
		Trigger:       models.PassTrigger(p.Trigger),
		StartedAt:     p.StartedAt,
		DurationMs:    p.DurationMs,
		Error:         p.Error.String,
		Metrics:       p.Metrics,
		Inferred:      p.Inferred,
		BadGuesses:    p.BadGuesses,
		Singular:      p.Singular,
		Aggregates:    p.Aggregates,
		Batches:       p.Batches,
		FailedBatches: p.FailedBatches,
	}
}

func fromModelPassRun(m *models.PassRun) *PassRun {
	return &PassRun{
		PassID:        m.PassID,
		Owner:         m.Owner,
		Trigger:       string(m.Trigger),
		StartedAt:     m.StartedAt,
		DurationMs:    m.DurationMs,
		Error:         nullString(m.Error),
		Metrics:       m.Metrics,
		Inferred:      m.Inferred,
		BadGuesses:    m.BadGuesses,
		Singular:      m.Singular,
		Aggregates:    m.Aggregates,
		Batches:       m.Batches,
		FailedBatches: m.FailedBatches,
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
