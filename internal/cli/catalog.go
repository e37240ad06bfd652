package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the pinned ordinal catalog",
	}
	cmd.AddCommand(newCatalogInitCommand(rootOpts))
	return cmd
}

func newCatalogInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create and pin the catalog message",
		Long: `Create the catalog message in the broadcast channel and pin it. Put the
printed id into archive.catalog_message_id; syncs then add an entry for every
archive.catalog_batch records. Does nothing when an id is already configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			a, err := openApp(cmd, rootOpts, out)
			if err != nil {
				return err
			}
			defer a.Close()

			api, err := a.archiveAPI()
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeRemote, "failed to connect to archive", err)
			}
			cat := a.catalog(api)
			existing := cat.MessageID() != 0
			id, err := cat.Init(cmd.Context())
			if err != nil {
				return out.Fail(ExitFailure, ErrCodeRemote, "failed to create catalog", err)
			}
			return out.Success(catalogResult{MessageID: id, Existing: existing})
		},
	}
}

type catalogResult struct {
	MessageID int  `json:"message_id"`
	Existing  bool `json:"existing"`
}

func (r catalogResult) renderText(w io.Writer) {
	if r.Existing {
		fmt.Fprintf(w, "Catalog already configured: message %d\n", r.MessageID)
		return
	}
	fmt.Fprintf(w, "Catalog created: message %d\n", r.MessageID)
	fmt.Fprintf(w, "Set archive.catalog_message_id: %d\n", r.MessageID)
}
