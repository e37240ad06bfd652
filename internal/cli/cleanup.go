package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/pxarchive/internal/media"
)

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete downloaded files older than media.retention",
		Long: `Delete page files, frame archives and prepared covers older than
media.retention from media.save_dir and media.temp_dir. The serve command runs
the same sweep daily at media.cleanup_at.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			a, err := openApp(cmd, rootOpts, out)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweep()
			if err != nil {
				return out.Fail(ExitFailure, ErrCodeGeneric, "cleanup failed", err)
			}
			return out.Success(res)
		},
	}
}

type sweepResult struct {
	Removed map[string]int `json:"removed"`
}

func (r sweepResult) renderText(w io.Writer) {
	total := 0
	for _, n := range r.Removed {
		total += n
	}
	fmt.Fprintf(w, "Removed %d outdated file(s)\n", total)
}

func (a *app) sweep() (sweepResult, error) {
	mc := a.cfg.Media
	res := sweepResult{Removed: make(map[string]int)}
	now := a.deps.Now()
	for _, dir := range []string{mc.SaveDir, mc.TempDir} {
		if _, done := res.Removed[dir]; done {
			continue
		}
		n, err := media.Sweep(dir, mc.Retention, now)
		if err != nil {
			return res, fmt.Errorf("sweep %s: %w", dir, err)
		}
		res.Removed[dir] = n
		a.logger.Info("media swept", "dir", dir, "removed", n, "retention", mc.Retention)
	}
	return res, nil
}
