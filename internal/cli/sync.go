package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pxarchive/internal/controller"
	"github.com/roach88/pxarchive/internal/engine"
	"github.com/roach88/pxarchive/internal/source"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Start int
	End   int
	Mode  string
	Order string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync in the foreground",
		Long: `Run one manual sync between the bookmark collection and the archive.

The window is given as offsets into the collection, newest first. Without
--end the whole remaining collection is walked. Interrupting the command
cancels the run after the current item; a later sync resumes from the
registry.

Example:
  pxarchive sync
  pxarchive sync --mode catchup --order newest
  pxarchive sync --start 100 --end 200`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Start, "start", 0, "first offset of the window")
	cmd.Flags().IntVar(&opts.End, "end", 0, "offset after the window (0 = collection end)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "full|catchup (default: sync.mode)")
	cmd.Flags().StringVar(&opts.Order, "order", "", "oldest|newest (default: sync.order)")

	return cmd
}

// syncResult is the printed outcome of a run.
type syncResult struct {
	engine.Report
}

func (r syncResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "Sync %s (%s)\n", r.Outcome, r.RunID)
	fmt.Fprintf(w, "  processed: %d  new: %d  reuploaded: %d  updated: %d  unchanged: %d\n",
		r.Processed, r.New, r.Reuploaded, r.Updated, r.Unchanged)
	fmt.Fprintf(w, "  existence checked: %d  flipped: %d  failed: %d  drift: %d\n",
		r.Checked, r.Flipped, r.Failed, r.Drift)
	fmt.Fprintf(w, "  last ordinal: %d  took: %s\n", r.LastOrdinal, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
}

func (o *SyncOptions) plan(defaults engine.Plan) (engine.Plan, error) {
	plan := defaults
	if o.Mode != "" {
		mode, err := engine.ParseMode(o.Mode)
		if err != nil {
			return plan, err
		}
		plan.Mode = mode
	}
	if o.Order != "" {
		order, err := source.ParseOrder(o.Order)
		if err != nil {
			return plan, err
		}
		plan.Order = order
	}
	if o.Start < 0 || o.End < 0 || (o.End > 0 && o.End <= o.Start) {
		return plan, fmt.Errorf("invalid window [%d, %d)", o.Start, o.End)
	}
	plan.Window = source.Window{Start: o.Start, End: o.End}
	return plan, nil
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	out := newFormatter(cmd, opts.RootOptions)
	a, err := openApp(cmd, opts.RootOptions, out)
	if err != nil {
		return err
	}
	defer a.Close()

	defaults, err := a.defaultPlan()
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "invalid sync settings", err)
	}
	plan, err := opts.plan(defaults)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "invalid sync flags", err)
	}

	eng, err := a.engine()
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeRemote, "failed to connect to archive", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(eng,
		controller.WithJournal(a.store),
		controller.WithNow(a.deps.Now),
		controller.WithLogger(a.logger))
	if _, err := ctrl.Start(ctx, controller.KindManual, plan); err != nil {
		return out.Fail(ExitFailure, ErrCodeRun, "failed to start sync", err)
	}

	waited := make(chan struct{})
	go func() {
		_ = ctrl.Wait(context.WithoutCancel(ctx), controller.KindManual)
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		a.logger.Info("interrupt received, cancelling sync after the current item")
		_ = ctrl.Cancel(controller.KindManual)
		<-waited
	}

	report := lastReport(ctrl)
	switch report.Outcome {
	case engine.OutcomeCompleted:
		return out.Success(syncResult{report})
	case engine.OutcomeCancelled:
		_ = out.Success(syncResult{report})
		return NewExitError(ExitFailure, "sync cancelled")
	default:
		return out.Fail(ExitFailure, ErrCodeRun, "sync failed", errors.New(report.Error))
	}
}

func lastReport(ctrl *controller.Controller) engine.Report {
	for _, st := range ctrl.Status() {
		if st.Kind == controller.KindManual && st.Last != nil {
			return *st.Last
		}
	}
	return engine.Report{Outcome: engine.OutcomeFailed, Error: "run did not report"}
}
