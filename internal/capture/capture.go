// Package capture records the read statements GORM issues while a context
// carries a Recorder.
//
// The Plugin is installed once per *gorm.DB. Its callbacks are inert unless
// the statement's context was produced by Begin, so observation is scoped to
// exactly one evaluation and ends when the Recorder is closed, whether or
// not the evaluation succeeded.
package capture

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// PluginName is the name the plugin registers under.
const PluginName = "metricache:capture"

// Statement is one observed read: the dialect SQL and its bound variables.
type Statement struct {
	SQL  string
	Vars []any
}

// Recorder collects statements for one scoped evaluation.
type Recorder struct {
	statements []Statement
	mu         sync.Mutex
	closed     bool
}

type recorderKey struct{}

// Begin returns a context that routes observed statements to a new Recorder.
func Begin(ctx context.Context) (context.Context, *Recorder) {
	rec := &Recorder{}
	return context.WithValue(ctx, recorderKey{}, rec), rec
}

// FromContext returns the Recorder carried by ctx, if any.
func FromContext(ctx context.Context) *Recorder {
	if ctx == nil {
		return nil
	}
	rec, _ := ctx.Value(recorderKey{}).(*Recorder)
	return rec
}

// Close stops recording. Statements issued afterwards are dropped.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Statements returns a copy of everything recorded so far.
func (r *Recorder) Statements() []Statement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Statement(nil), r.statements...)
}

// Len returns the number of recorded statements.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statements)
}

func (r *Recorder) record(s Statement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.statements = append(r.statements, s)
}

// Plugin hooks the Query and Row processors of a *gorm.DB.
type Plugin struct{}

// Name implements gorm.Plugin.
func (Plugin) Name() string { return PluginName }

// Initialize implements gorm.Plugin.
func (Plugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().After("gorm:query").Register(PluginName+":query", observe); err != nil {
		return err
	}
	return db.Callback().Row().After("gorm:row").Register(PluginName+":row", observe)
}

// Install registers the plugin on db unless it is already present.
func Install(db *gorm.DB) error {
	if _, ok := db.Config.Plugins[PluginName]; ok {
		return nil
	}
	return db.Use(Plugin{})
}

func observe(db *gorm.DB) {
	if db.Statement == nil || db.DryRun {
		return
	}
	rec := FromContext(db.Statement.Context)
	if rec == nil {
		return
	}
	rec.record(Statement{
		SQL:  db.Statement.SQL.String(),
		Vars: append([]any(nil), db.Statement.Vars...),
	})
}
