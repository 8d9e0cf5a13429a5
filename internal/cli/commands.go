package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thebtf/metricache/internal/definitions"
	"github.com/thebtf/metricache/pkg/metrics"
	"github.com/thebtf/metricache/pkg/models"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [owner...]",
		Short: "Create stores and align their columns with the registered metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			e, err := opts.open(cmd.ErrOrStderr())
			if err != nil {
				return f.Report(err)
			}
			defer func() { _ = e.Close() }()

			runners, err := e.runners(args)
			if err != nil {
				return f.Report(err)
			}
			ctx := cmd.Context()
			done := make([]string, 0, len(runners))
			for _, r := range runners {
				f.VerboseLog("Reconciling %s (%s)", r.Name(), r.StoreTable())
				if err := r.Reconcile(ctx); err != nil {
					return f.Failure(ExitFailure, "reconcile "+r.Name(), err, done)
				}
				done = append(done, r.Name())
			}
			return f.Success(done, func(w io.Writer) {
				for _, name := range done {
					fmt.Fprintf(w, "reconciled %s\n", name)
				}
			})
		},
	}
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rebuild <owner>",
		Short: "Drop and recreate every metric column of an owner, discarding cached values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			if !yes {
				return f.Failure(ExitCommandError, "rebuild discards every cached value; pass --yes to confirm", nil, nil)
			}
			e, err := opts.open(cmd.ErrOrStderr())
			if err != nil {
				return f.Report(err)
			}
			defer func() { _ = e.Close() }()

			runners, err := e.runners(args)
			if err != nil {
				return f.Report(err)
			}
			r := runners[0]
			if r.Colocated() {
				return f.Failure(ExitCommandError, "rebuild "+r.Name(), metrics.ErrColocatedStore, nil)
			}
			if err := r.RebuildAll(cmd.Context()); err != nil {
				return f.Failure(ExitFailure, "rebuild "+r.Name(), err, nil)
			}
			columns := r.RequiredColumns()
			return f.Success(map[string]any{"owner": r.Name(), "columns": columns}, func(w io.Writer) {
				fmt.Fprintf(w, "rebuilt %s (%d columns)\n", r.StoreTable(), len(columns))
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm discarding cached values")
	return cmd
}

// NewPassCommand creates the pass command.
func NewPassCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pass [owner...]",
		Short: "Run a full recomputation pass and record it in the history",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			e, err := opts.open(cmd.ErrOrStderr())
			if err != nil {
				return f.Report(err)
			}
			defer func() { _ = e.Close() }()

			runners, err := e.runners(args)
			if err != nil {
				return f.Report(err)
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			runs := make([]*models.PassRun, 0, len(runners))
			var failed []string
			for _, r := range runners {
				f.VerboseLog("Running pass for %s", r.Name())
				run, err := e.scheduler.RunOwner(ctx, r.Name(), models.TriggerManual)
				if err != nil {
					return f.Failure(ExitFailure, "pass "+r.Name(), err, runs)
				}
				runs = append(runs, run)
				if !run.Succeeded() {
					failed = append(failed, r.Name())
				}
			}
			if len(failed) > 0 {
				return f.Failure(ExitFailure, "pass failed for "+strings.Join(failed, ", "), nil, runs)
			}
			return f.Success(runs, func(w io.Writer) { writeRuns(w, runs) })
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the pass after this long")
	return cmd
}

// columnsView is the column diff of one owner.
type columnsView struct {
	Owner    string   `json:"owner"`
	Store    string   `json:"store"`
	Required []string `json:"required"`
	Missing  []string `json:"missing"`
	Extra    []string `json:"extra,omitempty"`
}

// NewColumnsCommand creates the columns command.
func NewColumnsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "columns [owner...]",
		Short: "Show required, missing and extra store columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			e, err := opts.open(cmd.ErrOrStderr())
			if err != nil {
				return f.Report(err)
			}
			defer func() { _ = e.Close() }()

			runners, err := e.runners(args)
			if err != nil {
				return f.Report(err)
			}
			ctx := cmd.Context()
			views := make([]columnsView, 0, len(runners))
			for _, r := range runners {
				v := columnsView{Owner: r.Name(), Store: r.StoreTable(), Required: r.RequiredColumns()}
				if v.Missing, err = r.MissingColumns(ctx); err != nil {
					return f.Failure(ExitFailure, "columns "+r.Name(), err, nil)
				}
				v.Extra, err = r.ExtraColumns(ctx)
				if err != nil && !errors.Is(err, metrics.ErrColocatedStore) {
					return f.Failure(ExitFailure, "columns "+r.Name(), err, nil)
				}
				views = append(views, v)
			}
			return f.Success(views, func(w io.Writer) {
				for _, v := range views {
					fmt.Fprintf(w, "%s (%s)\n", v.Owner, v.Store)
					fmt.Fprintf(w, "  required: %s\n", listOrNone(v.Required))
					fmt.Fprintf(w, "  missing:  %s\n", listOrNone(v.Missing))
					fmt.Fprintf(w, "  extra:    %s\n", listOrNone(v.Extra))
				}
			})
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var (
		owner string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded passes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			e, err := opts.open(cmd.ErrOrStderr())
			if err != nil {
				return f.Report(err)
			}
			defer func() { _ = e.Close() }()

			runs, err := e.history.GetRecentPassRuns(cmd.Context(), owner, limit)
			if err != nil {
				return f.Failure(ExitFailure, "read history", err, nil)
			}
			return f.Success(runs, func(w io.Writer) { writeRuns(w, runs) })
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only passes of this owner")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of passes")
	return cmd
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [definitions-file]",
		Short: "Check a definitions file without touching the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			path := opts.DefinitionsPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return f.Failure(ExitCommandError, "load settings", err, nil)
				}
				path = cfg.DefinitionsPath
			}

			file, err := definitions.LoadFile(path)
			if err != nil {
				return f.Failure(ExitFailure, "invalid definitions "+path, err, nil)
			}
			summary := make(map[string]int, len(file.Owners))
			for _, o := range file.Owners {
				summary[o.Name] = len(o.Metrics)
			}
			return f.Success(summary, func(w io.Writer) {
				for _, o := range file.Owners {
					fmt.Fprintf(w, "%s: %d metrics\n", o.Name, len(o.Metrics))
				}
				fmt.Fprintln(w, "definitions valid")
			})
		},
	}
}

func writeRuns(w io.Writer, runs []*models.PassRun) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OWNER\tPASS\tTRIGGER\tSTARTED\tDURATION\tBATCHES\tFAILED\tINFERRED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.Owner,
			r.PassID,
			r.Trigger,
			r.StartedAt.Format(time.RFC3339),
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			r.Batches,
			r.FailedBatches,
			listOrNone(r.Inferred),
			r.Error,
		)
	}
	_ = tw.Flush()
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}
