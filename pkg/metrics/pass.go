package metrics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	gormstore "github.com/thebtf/metricache/internal/db/gorm"
	"github.com/thebtf/metricache/internal/sqlrewrite"
)

// Phase names a timed step of a full pass.
type Phase string

const (
	PhaseReconcile          Phase = "reconcile"
	PhaseBackfill           Phase = "backfill"
	PhaseInfer              Phase = "infer"
	PhaseInferredAggregates Phase = "inferred_aggregates"
	PhaseSingular           Phase = "singular"
	PhaseAggregates         Phase = "aggregates"
)

// Hooks expose pass boundaries to external instrumentation. Nil fields are
// ignored.
type Hooks struct {
	OnPhase func(ctx context.Context, owner string, phase Phase, elapsed time.Duration, err error)
	OnPass  func(ctx context.Context, report *PassReport)
}

// PassReport summarizes a full pass.
type PassReport struct {
	StartedAt     time.Time      `json:"started_at"`
	ID            string         `json:"id"`
	Owner         string         `json:"owner"`
	Metrics       []string       `json:"metrics"`
	Inferred      []string       `json:"inferred,omitempty"`
	BadGuesses    []string       `json:"bad_guesses,omitempty"`
	Singular      []string       `json:"singular,omitempty"`
	Aggregates    []string       `json:"aggregates,omitempty"`
	FailedBatches []BatchFailure `json:"failed_batches,omitempty"`
	Duration      time.Duration  `json:"duration_ns"`
	Batches       int            `json:"batches"`
	Records       int            `json:"records"`
}

// Err joins the failed batches, or returns nil.
func (r *PassReport) Err() error {
	if len(r.FailedBatches) == 0 {
		return nil
	}
	errs := make([]error, len(r.FailedBatches))
	for i, f := range r.FailedBatches {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// RunFullPass recomputes every metric of every record: reconcile, backfill
// store rows, infer and run bulk statements, compute the remaining metrics
// per record in batch transactions, then run the defined aggregates.
//
// Failed batches are rolled back and reported in the PassReport without
// stopping the pass. A returned error means the pass stopped early; the
// report then covers the work done so far. opts are passed to every
// per-record evaluation.
func (o *Owner[T]) RunFullPass(ctx context.Context, opts ...ValueOption) (*PassReport, error) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	report := &PassReport{
		ID:        uuid.NewString(),
		Owner:     o.cfg.Name,
		StartedAt: o.now(),
	}
	start := time.Now()
	err := o.runFullPass(ctx, report, opts)
	report.Duration = time.Since(start)

	evt := o.log.Info()
	if err != nil {
		evt = o.log.Error().Err(err)
	}
	evt.Str("pass", report.ID).
		Int("records", report.Records).
		Int("batches", report.Batches).
		Int("failed_batches", len(report.FailedBatches)).
		Strs("inferred", report.Inferred).
		Strs("bad_guesses", report.BadGuesses).
		Dur("duration", report.Duration).
		Msg("Metric pass finished")

	if o.hooks.OnPass != nil {
		o.hooks.OnPass(ctx, report)
	}
	return report, err
}

func (o *Owner[T]) runFullPass(ctx context.Context, report *PassReport, opts []ValueOption) error {
	now := report.StartedAt
	defs := o.registry.snapshot()
	for i := range defs {
		report.Metrics = append(report.Metrics, defs[i].Name)
		if !defs[i].HasSingle() && !defs[i].HasAggregate() {
			return fmt.Errorf("%w: %s", ErrNoComputeExpression, defs[i].Name)
		}
	}

	if err := o.phase(ctx, PhaseReconcile, func() error { return o.Reconcile(ctx) }); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := o.phase(ctx, PhaseBackfill, func() error { return o.backfill(ctx) }); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	var stmts []sqlrewrite.Statement
	err := o.phase(ctx, PhaseInfer, func() error {
		warm, ok, err := o.warmUp(ctx)
		if err != nil || !ok {
			return err
		}
		stmts = o.inferAggregates(ctx, defs, warm)
		return nil
	})
	if err != nil {
		return fmt.Errorf("infer: %w", err)
	}

	var promoted []string
	if len(stmts) > 0 {
		_ = o.phase(ctx, PhaseInferredAggregates, func() error {
			promoted, report.BadGuesses = o.runInferred(ctx, stmts, now)
			return nil
		})
	}
	o.registry.setPromoted(promoted)
	report.Inferred = promoted
	if len(report.BadGuesses) > 0 {
		o.log.Warn().
			Int("count", len(report.BadGuesses)).
			Strs("metrics", report.BadGuesses).
			Msg("Bad guesses found, scheduling as singular metrics")
	}

	for i := range defs {
		if !defs[i].HasAggregate() && !slices.Contains(promoted, defs[i].Name) {
			report.Singular = append(report.Singular, defs[i].Name)
		}
	}
	if len(report.Singular) > 0 {
		o.log.Info().
			Int("count", len(report.Singular)).
			Strs("metrics", report.Singular).
			Msg("Slow metrics found, implement their aggregates to speed this up")
		err := o.phase(ctx, PhaseSingular, func() error {
			return o.runSingular(ctx, report, opts)
		})
		if err != nil {
			return fmt.Errorf("singular: %w", err)
		}
	}

	err = o.phase(ctx, PhaseAggregates, func() error {
		return o.runAggregates(ctx, defs, report, now)
	})
	if err != nil {
		return fmt.Errorf("aggregates: %w", err)
	}
	return nil
}

// phase times fn and reports it to the hooks.
func (o *Owner[T]) phase(ctx context.Context, p Phase, fn func() error) error {
	start := time.Now()
	err := fn()
	if o.hooks.OnPhase != nil {
		o.hooks.OnPhase(ctx, o.cfg.Name, p, time.Since(start), err)
	}
	return err
}

// backfill inserts an empty store row for every owner row lacking one.
func (o *Owner[T]) backfill(ctx context.Context) error {
	if o.colocated {
		return nil
	}
	result := o.db.WithContext(ctx).Exec(
		"INSERT INTO ? (?) SELECT ? FROM ? WHERE NOT EXISTS (SELECT 1 FROM ? WHERE ? = ?)",
		clause.Table{Name: o.store}, clause.Column{Name: o.storeID},
		clause.Column{Table: o.table, Name: o.key.DBName}, clause.Table{Name: o.table},
		clause.Table{Name: o.store},
		clause.Column{Table: o.store, Name: o.storeID}, clause.Column{Table: o.table, Name: o.key.DBName},
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		o.log.Debug().Int64("rows", result.RowsAffected).Msg("Backfilled store rows")
	}
	return nil
}

// warmUp loads the first owner row by key.
func (o *Owner[T]) warmUp(ctx context.Context) (*T, bool, error) {
	warm := new(T)
	result := o.db.WithContext(ctx).
		Table(o.table).
		Order(clause.OrderByColumn{Column: clause.Column{Name: o.key.DBName}}).
		Limit(1).
		Find(warm)
	if result.Error != nil {
		return nil, false, result.Error
	}
	return warm, result.RowsAffected > 0, nil
}

// runSingular evaluates the singular metrics record by record, one
// transaction per batch. A failed batch is rolled back and recorded.
func (o *Owner[T]) runSingular(ctx context.Context, report *PassReport, opts []ValueOption) error {
	var batch []T
	result := o.db.WithContext(ctx).Table(o.table).FindInBatches(&batch, o.cfg.BatchSize, func(_ *gorm.DB, n int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Batches++
		report.Records += len(batch)

		err := gormstore.TransactionWithTimeout(ctx, o.db, o.cfg.BatchTimeout, "metrics batch", func(tx *gorm.DB) error {
			bctx := tx.Statement.Context
			for i := range batch {
				rec := o.Bind(&batch[i])
				if err := rec.recompute(bctx, tx, report.Singular, opts...); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		failure := BatchFailure{Batch: n, Records: len(batch), Err: err, Message: err.Error()}
		if len(batch) > 0 {
			failure.FirstID, _ = o.identity(&batch[0])
			failure.LastID, _ = o.identity(&batch[len(batch)-1])
		}
		report.FailedBatches = append(report.FailedBatches, failure)
		o.log.Error().Err(err).Int("batch", n).Msg("Metric batch rolled back")
		return nil
	})
	return result.Error
}

// runAggregates executes every defined aggregate and stamps its timestamp
// column with now across the whole store.
func (o *Owner[T]) runAggregates(ctx context.Context, defs []Definition[T], report *PassReport, now time.Time) error {
	db := o.db.WithContext(ctx)
	for i := range defs {
		def := &defs[i]
		if !def.HasAggregate() {
			continue
		}
		if def.AggregateSQL != "" {
			if err := db.Exec(def.AggregateSQL, def.AggregateVars...).Error; err != nil {
				return fmt.Errorf("%s: %w", def.Name, err)
			}
		}
		if def.AggregateFn != nil {
			target := AggregateTarget{
				Store:    o.quote(clause.Table{Name: o.store}),
				Owner:    o.quote(clause.Table{Name: o.table}),
				IDColumn: o.storeIDRef(),
				Column:   o.quote(clause.Column{Name: def.Name}),
			}
			if err := def.AggregateFn(ctx, db, target); err != nil {
				return fmt.Errorf("%s: %w", def.Name, err)
			}
		}
		err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Table(o.store).
			Update(TimestampColumn(def.Name), now).Error
		if err != nil {
			return fmt.Errorf("stamp %s: %w", def.Name, err)
		}
		report.Aggregates = append(report.Aggregates, def.Name)
	}
	return nil
}
