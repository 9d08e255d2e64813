package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tnyholm/triplicate/internal/supervisor"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop a folder's workers without stopping the daemon",
		Long: `Stops the upload syncer and folder uploader for the folder named by
--folder, via the running daemon's control socket. The daemon keeps
running and the folder resumes on the next "resume" or daemon restart.

Examples:
  triplicate pause --folder photos`,
		RunE: runPause,
	}
}

func runPause(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.Folder == "" {
		return fmt.Errorf("--folder is required (specify which folder to pause)")
	}

	client, err := dialDaemon(cc)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, worker := range folderWorkerNames(cc.Flags.Folder) {
		resp, err := client.send(supervisor.Command{Verb: "stop", Target: worker})
		if err != nil {
			return err
		}

		if !resp.OK {
			return fmt.Errorf("stopping %s: %s", worker, resp.Error)
		}
	}

	cc.Statusf("Folder %s paused\n", cc.Flags.Folder)

	return nil
}

// folderWorkerNames returns the worker names run.go registers for one
// folder's long-running components, matching the naming used when they
// were added to the supervisor.
func folderWorkerNames(folderID string) []string {
	return []string{
		"uploadsync:" + folderID,
		"folderupload:" + folderID,
	}
}
