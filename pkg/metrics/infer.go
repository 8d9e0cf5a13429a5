package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm/clause"

	"github.com/thebtf/metricache/internal/capture"
	"github.com/thebtf/metricache/internal/sqlrewrite"
)

// Reasons a metric was not promoted to an inferred aggregate.
const (
	skipComputeError   = "compute error"
	skipQueryCount     = "not exactly one query"
	skipNoIdentity     = "query does not reference the record"
	skipWholeRow       = "query selects a whole row"
	skipSelfLookup     = "query only reads the store row"
	skipRewriteFailure = "rewrite failed"
)

// inferAggregates evaluates every inference candidate against warm and
// returns the bulk statements of the ones whose query could be rewritten.
func (o *Owner[T]) inferAggregates(ctx context.Context, defs []Definition[T], warm *T) []sqlrewrite.Statement {
	warmID, _ := o.identity(warm)
	ref := o.storeIDRef()
	table := o.quote(clause.Table{Name: o.store})

	var stmts []sqlrewrite.Statement
	for i := range defs {
		def := &defs[i]
		if !def.InferAggregate || def.HasAggregate() || !def.HasSingle() {
			continue
		}

		captured, err := o.captureSingle(ctx, def, warm)
		if err != nil {
			o.skipInference(def.Name, skipComputeError, err)
			continue
		}
		if len(captured) != 1 {
			o.log.Debug().
				Str("metric", def.Name).
				Str("reason", skipQueryCount).
				Int("queries", len(captured)).
				Msg("Aggregate inference skipped")
			continue
		}

		q := sqlrewrite.Query{SQL: captured[0].SQL, Vars: captured[0].Vars}
		frag, err := sqlrewrite.Parameterize(q, warmID, ref)
		switch {
		case errors.Is(err, sqlrewrite.ErrNotParameterizable):
			o.skipInference(def.Name, skipNoIdentity, nil)
			continue
		case err != nil:
			o.skipInference(def.Name, skipRewriteFailure, err)
			continue
		case sqlrewrite.SelectsWholeRow(frag.SQL):
			o.skipInference(def.Name, skipWholeRow, nil)
			continue
		case sqlrewrite.IsSelfLookup(frag.SQL, o.store, o.storeID):
			o.skipInference(def.Name, skipSelfLookup, nil)
			continue
		}

		stmt := sqlrewrite.BulkUpdate(
			def.Name,
			table,
			o.quote(clause.Column{Name: def.Name}),
			o.quote(clause.Column{Name: TimestampColumn(def.Name)}),
			frag,
		)
		o.log.Debug().Str("metric", def.Name).Str("sql", stmt.SQL).Bool("literal", frag.Literal).Msg("Inferred aggregate")
		stmts = append(stmts, stmt)
	}
	return stmts
}

// captureSingle evaluates def for warm and returns the reads it issued.
// Nothing is written; the capture scope ends even if evaluation fails.
func (o *Owner[T]) captureSingle(ctx context.Context, def *Definition[T], warm *T) ([]capture.Statement, error) {
	capCtx, rec := capture.Begin(ctx)
	defer rec.Close()

	if _, err := def.Single(capCtx, o.db.WithContext(capCtx), warm); err != nil {
		return nil, err
	}
	return rec.Statements(), nil
}

func (o *Owner[T]) skipInference(metric, reason string, err error) {
	evt := o.log.Debug().Str("metric", metric).Str("reason", reason)
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("Aggregate inference skipped")
}

// runInferred executes inferred statements. Metrics whose statement fails
// are returned as bad guesses; the rest succeeded.
func (o *Owner[T]) runInferred(ctx context.Context, stmts []sqlrewrite.Statement, now time.Time) (succeeded, badGuesses []string) {
	db := o.db.WithContext(ctx)
	for _, stmt := range stmts {
		if err := db.Exec(stmt.SQL, stmt.Args(now)...).Error; err != nil {
			evt := o.log.Warn().Str("metric", stmt.Metric).Err(err)
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				evt = evt.Str("sqlstate", pgErr.Code)
			}
			evt.Msg("Inferred aggregate failed, computing singularly this pass")
			badGuesses = append(badGuesses, stmt.Metric)
			continue
		}
		succeeded = append(succeeded, stmt.Metric)
	}
	return succeeded, badGuesses
}
