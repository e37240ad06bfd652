// Command pxarchive archives a Pixiv bookmark collection into a Telegram
// channel and its discussion group.
//
// Usage:
//
//	pxarchive serve                 # scheduled syncs, cleanup and the control API
//	pxarchive sync --mode catchup   # one sync in the foreground
//	pxarchive status                # registry counts and recent runs
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/pxarchive/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err != nil && !cli.Printed(err) {
		fmt.Fprintln(os.Stderr, "pxarchive:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
