// Package models contains the data transfer types shared by the metricache
// daemon, its HTTP API and its CLI.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// PassTrigger records what started a full pass.
type PassTrigger string

const (
	TriggerScheduled PassTrigger = "scheduled"
	TriggerManual    PassTrigger = "manual"
	TriggerAPI       PassTrigger = "api"
)

// PassRun is the recorded outcome of one full recomputation pass.
type PassRun struct {
	StartedAt     time.Time       `json:"started_at"`
	PassID        string          `json:"pass_id"`
	Owner         string          `json:"owner"`
	Trigger       PassTrigger     `json:"trigger"`
	Error         string          `json:"error,omitempty"`
	Metrics       JSONStringArray `json:"metrics"`
	Inferred      JSONStringArray `json:"inferred,omitempty"`
	BadGuesses    JSONStringArray `json:"bad_guesses,omitempty"`
	Singular      JSONStringArray `json:"singular,omitempty"`
	Aggregates    JSONStringArray `json:"aggregates,omitempty"`
	ID            int64           `json:"id"`
	DurationMs    int64           `json:"duration_ms"`
	Batches       int             `json:"batches"`
	FailedBatches int             `json:"failed_batches"`
}

// Succeeded reports whether the pass finished without a fatal error or
// failed batches.
func (p *PassRun) Succeeded() bool {
	return p.Error == "" && p.FailedBatches == 0
}

// JSONStringArray stores a string slice as a JSON text column.
type JSONStringArray []string

// Scan implements sql.Scanner for JSONStringArray.
func (j *JSONStringArray) Scan(src any) error {
	if src == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("JSONStringArray: unsupported type %T", src)
	}

	if len(data) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer for JSONStringArray.
func (j JSONStringArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	data, err := json.Marshal([]string(j))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
