package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Upload a registry snapshot to object storage",
		Long: `Snapshot the registry and upload it to the configured S3 bucket. The
serve command does the same after every completed scheduled sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			a, err := openApp(cmd, rootOpts, out)
			if err != nil {
				return err
			}
			defer a.Close()

			bk, err := a.backuper(cmd.Context())
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeBackup, "failed to configure backup", err)
			}
			if bk == nil {
				return out.Fail(ExitCommandError, ErrCodeConfig, "backup is disabled",
					errors.New("set backup.enabled and backup.bucket"))
			}
			key, err := bk.Backup(cmd.Context())
			if err != nil {
				return out.Fail(ExitFailure, ErrCodeBackup, "backup failed", err)
			}
			return out.Success(backupResult{Key: key})
		},
	}
}

type backupResult struct {
	Key string `json:"key"`
}

func (r backupResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "Registry uploaded: %s\n", r.Key)
}
