// Package definitions loads metric owners declared in YAML and registers
// them as metrics.Owner[Entity] values.
//
// A definitions file looks like:
//
//	owners:
//	  - name: users
//	    table: users
//	    store: user_metrics
//	    batch_size: 500
//	    metrics:
//	      - name: pets_count
//	        query: SELECT count(*) FROM pets WHERE user_id = @id
//	        infer_aggregate: true
//	        every: 6h
//	      - name: pets_total
//	        aggregate: UPDATE user_metrics SET pets_total = (SELECT count(*) FROM pets WHERE pets.user_id = user_metrics.id)
//
// Single metrics are SQL returning one scalar, with the record identity
// bound to @id.
package definitions

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/metricache/pkg/metrics"
)

// File is a parsed definitions file.
type File struct {
	Owners []OwnerDef `yaml:"owners"`
}

// OwnerDef declares one owning table and its companion store.
type OwnerDef struct {
	Name            string      `yaml:"name"`
	Table           string      `yaml:"table"`
	Store           string      `yaml:"store"`
	BatchTimeout    string      `yaml:"batch_timeout"`
	DefaultInterval string      `yaml:"default_interval"`
	Metrics         []MetricDef `yaml:"metrics"`
	BatchSize       int         `yaml:"batch_size"`
}

// MetricDef declares one metric.
type MetricDef struct {
	Name           string `yaml:"name"`
	Query          string `yaml:"query"`
	Aggregate      string `yaml:"aggregate"`
	Every          string `yaml:"every"`
	Type           string `yaml:"type"`
	InferAggregate bool   `yaml:"infer_aggregate"`
}

// Parse decodes and validates a definitions document. Unknown keys are
// rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	return Parse(data)
}

// Validate checks names, intervals and types, and that every metric has
// a query or an aggregate.
func (f *File) Validate() error {
	var errs []error
	owners := map[string]bool{}
	for i := range f.Owners {
		o := &f.Owners[i]
		if o.Table == "" {
			errs = append(errs, fmt.Errorf("owner %d: table is required", i))
			continue
		}
		if o.Name == "" {
			o.Name = o.Table
		}
		if owners[o.Name] {
			errs = append(errs, fmt.Errorf("owner %s: declared twice", o.Name))
		}
		owners[o.Name] = true

		if _, err := parseDuration(o.BatchTimeout); err != nil {
			errs = append(errs, fmt.Errorf("owner %s: batch_timeout: %w", o.Name, err))
		}
		if _, err := parseDuration(o.DefaultInterval); err != nil {
			errs = append(errs, fmt.Errorf("owner %s: default_interval: %w", o.Name, err))
		}

		names := map[string]bool{}
		for j := range o.Metrics {
			m := &o.Metrics[j]
			if m.Name == "" {
				errs = append(errs, fmt.Errorf("owner %s: metric %d: name is required", o.Name, j))
				continue
			}
			if names[m.Name] {
				errs = append(errs, fmt.Errorf("owner %s: metric %s: declared twice", o.Name, m.Name))
			}
			names[m.Name] = true
			if _, err := m.Options(); err != nil {
				errs = append(errs, fmt.Errorf("owner %s: metric %s: %w", o.Name, m.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Config returns the owner configuration of o.
func (o *OwnerDef) Config() metrics.OwnerConfig {
	timeout, _ := parseDuration(o.BatchTimeout)
	interval, _ := parseDuration(o.DefaultInterval)
	return metrics.OwnerConfig{
		Name:            o.Name,
		Table:           o.Table,
		StoreTable:      o.Store,
		BatchSize:       o.BatchSize,
		BatchTimeout:    timeout,
		DefaultInterval: interval,
	}
}

// Options translates m into registration options.
func (m *MetricDef) Options() ([]metrics.Option, error) {
	query := strings.TrimSpace(m.Query)
	aggregate := strings.TrimSpace(m.Aggregate)
	if query == "" && aggregate == "" {
		return nil, errors.New("query or aggregate is required")
	}
	if m.InferAggregate && query == "" {
		return nil, errors.New("infer_aggregate requires a query")
	}

	var opts []metrics.Option
	if query != "" {
		opts = append(opts, metrics.Single(queryMetric(query)))
	}
	if aggregate != "" {
		opts = append(opts, metrics.Aggregate(aggregate))
	}
	if m.Every != "" {
		interval, err := metrics.ParseInterval(m.Every)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metrics.WithInterval(interval))
	}
	if m.Type != "" {
		typ, err := metrics.ParseColumnType(m.Type)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metrics.Type(typ))
	}
	if m.InferAggregate {
		opts = append(opts, metrics.InferAggregate())
	}
	return opts, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
