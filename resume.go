package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tnyholm/triplicate/internal/supervisor"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Start a paused folder's workers again",
		Long: `Starts the upload syncer and folder uploader for the folder named by
--folder, via the running daemon's control socket. With no --folder,
resumes every configured folder.

Examples:
  triplicate resume --folder photos
  triplicate resume`,
		RunE: runResume,
	}
}

func runResume(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	client, err := dialDaemon(cc)
	if err != nil {
		return err
	}
	defer client.Close()

	if cc.Flags.Folder != "" {
		return resumeFolder(client, cc, cc.Flags.Folder)
	}

	if len(cc.Cfg.Folders) == 0 {
		return fmt.Errorf("no folders configured")
	}

	for _, f := range cc.Cfg.Folders {
		if err := resumeFolder(client, cc, f.ID); err != nil {
			return err
		}
	}

	return nil
}

func resumeFolder(client *controlClient, cc *CLIContext, folderID string) error {
	for _, worker := range folderWorkerNames(folderID) {
		resp, err := client.send(supervisor.Command{Verb: "start", Target: worker})
		if err != nil {
			return err
		}

		if !resp.OK {
			return fmt.Errorf("starting %s: %s", worker, resp.Error)
		}
	}

	cc.Statusf("Folder %s resumed\n", folderID)

	return nil
}
