package main

import (
	"github.com/spf13/cobra"
)

const defaultAdminURL = "http://127.0.0.1:9090"

type rootOptions struct {
	configPath string
	adminURL   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "idleproxy",
		Short: "Start backends on the first request and stop them when idle",
		Long: `idleproxy puts one listener in front of each configured backend. A
backend (a local process or a container) is started by the first request
that reaches it and stopped once it has been idle for its idle timeout.
Every exchange is recorded and can be read back with the requests,
request, logs, stats and servers commands.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is ./config/config.yaml or ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.adminURL, "admin", defaultAdminURL, "admin URL of a running proxy, used by the read commands")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newServersCmd(opts))
	cmd.AddCommand(newRequestsCmd(opts))
	cmd.AddCommand(newRequestCmd(opts))
	cmd.AddCommand(newLogsCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))

	return cmd
}
