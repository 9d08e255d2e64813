package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tnyholm/triplicate/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(cc.Cfg)
	}

	return renderEffective(cc.Cfg, os.Stdout)
}

// renderEffective prints the resolved config as a table of global settings
// followed by one block per folder.
func renderEffective(cfg *config.Config, w io.Writer) error {
	fmt.Fprintln(w, "Global:")
	printTable(w, []string{"setting", "value"}, [][]string{
		{"sync_daemon_url", cfg.Global.SyncDaemonURL},
		{"listener_address", cfg.Global.ListenerAddress},
		{"log_dir", cfg.Global.LogDir},
		{"log_level", cfg.Global.LogLevel},
		{"storage_tool_binary", cfg.Global.StorageToolBinary},
	})

	for _, f := range cfg.Folders {
		fmt.Fprintf(w, "\nFolder %s:\n", f.ID)
		printTable(w, []string{"setting", "value"}, [][]string{
			{"local_root", f.LocalRoot},
			{"remote_root", f.RemoteRoot},
			{"trash_root", f.TrashRoot},
			{"has_archive", fmt.Sprintf("%t", f.HasArchive())},
		})
	}

	return nil
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file without starting the daemon",
		Annotations: map[string]string{
			skipConfigAnnotation: "true",
		},
		RunE: runConfigValidate,
	}
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(nil)

	cli := config.CLIOverrides{ConfigPath: flagConfigPath}
	env := config.ReadEnvOverrides()
	cfgPath := config.ResolveConfigPath(env, cli, logger)

	if _, err := config.Load(cfgPath, logger); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	fmt.Printf("%s is valid\n", cfgPath)

	return nil
}
