package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tnyholm/triplicate/internal/supervisor"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [worker]",
		Short: "Query the running daemon's control socket",
		Long: `Reports what a running triplicate daemon knows about itself: with no
argument, the effective config; with a worker name (e.g.
"uploadsync:photos"), that worker's running/stopped state.`,
		RunE: runStatus,
		Args: cobra.MaximumNArgs(1),
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	client, err := dialDaemon(cc)
	if err != nil {
		return err
	}
	defer client.Close()

	target := "config"
	if len(args) > 0 {
		target = args[0]
	}

	resp, err := client.send(supervisor.Command{Verb: "get", Target: target})
	if err != nil {
		return err
	}

	if !resp.OK {
		return fmt.Errorf("daemon: %s", resp.Error)
	}

	if cc.Flags.JSON {
		return printStatusJSON(target, resp.Data)
	}

	fmt.Printf("%s: %s\n", target, resp.Data)

	return nil
}

func printStatusJSON(target, data string) error {
	out := map[string]string{"target": target, "data": data}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

// dialDaemon connects to the control socket described by the loaded
// config's listener_address/listener_secret.
func dialDaemon(cc *CLIContext) (*controlClient, error) {
	if cc.Cfg.Global.ListenerAddress == "" {
		return nil, fmt.Errorf("no listener_address configured; is the daemon running with a control socket enabled?")
	}

	network, address, err := parseListenerAddress(cc.Cfg.Global.ListenerAddress)
	if err != nil {
		return nil, err
	}

	return dialControl(network, address, cc.Cfg.Global.ListenerSecret)
}
