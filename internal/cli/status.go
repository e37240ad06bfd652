package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/pxarchive/internal/store"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registry counts, pending items and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			a, err := openApp(cmd, rootOpts, out)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := collectStatus(cmd, a.store, limit)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to read registry", err)
			}
			return out.Success(res)
		},
	}
	cmd.Flags().IntVarP(&limit, "runs", "n", 5, "number of recent runs to show")
	return cmd
}

type statusResult struct {
	Registry store.Stats         `json:"registry"`
	Pending  []store.PendingItem `json:"pending"`
	Runs     []store.Run         `json:"runs"`
}

func collectStatus(cmd *cobra.Command, st *store.Store, limit int) (statusResult, error) {
	ctx := cmd.Context()
	stats, err := st.Stats(ctx)
	if err != nil {
		return statusResult{}, err
	}
	pending, err := st.Pending(ctx)
	if err != nil {
		return statusResult{}, err
	}
	runs, err := st.RecentRuns(ctx, max(limit, 1))
	if err != nil {
		return statusResult{}, err
	}
	return statusResult{Registry: stats, Pending: pending, Runs: runs}, nil
}

func (r statusResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "Registry: %d record(s), %d unavailable, last ordinal %d\n",
		r.Registry.Records, r.Registry.Missing, r.Registry.LastOrdinal)
	fmt.Fprintf(w, "Pending: %d\n", len(r.Pending))
	for _, p := range r.Pending {
		fmt.Fprintf(w, "  %s  %-7s attempts=%d  %s\n", p.ID, p.Stage, p.Attempts, p.LastError)
	}
	fmt.Fprintf(w, "Recent runs: %d\n", len(r.Runs))
	for _, run := range r.Runs {
		fmt.Fprintf(w, "  %s  %-9s %-9s processed=%d last_ordinal=%d  %s\n",
			run.StartedAt.Format("2006-01-02 15:04:05"), run.Kind, run.Status, run.Processed, run.LastOrdinal, run.ID)
		if run.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", run.Error)
		}
	}
}
