package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/idleproxy/internal/api"
	"github.com/angeloszaimis/idleproxy/internal/store"
)

func newServersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured backends with their state and running time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := api.NewClient(opts.adminURL).Servers(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATE\tRUNNING TIME\tLAST REQUEST")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.3fs\t%s\n", s.ID, s.Kind, s.State, s.RunningTime, formatTime(s.LastRequestAt))
			}
			return w.Flush()
		},
	}
}

func newRequestsCmd(opts *rootOptions) *cobra.Command {
	var (
		serverID string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List the most recent recorded requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := api.NewClient(opts.adminURL).Requests(cmd.Context(), serverID, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSERVER\tMETHOD\tSTATUS\tELAPSED\tURL")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.3fs\t%s\n", r.ID, r.ServerID, r.Method, r.Status, r.Elapsed, r.URL)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&serverID, "server", "", "only show requests of this backend")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListLimit, "number of requests to show")

	return cmd
}

func newRequestCmd(opts *rootOptions) *cobra.Command {
	var body string

	cmd := &cobra.Command{
		Use:   "request <id>",
		Short: "Show one recorded exchange, or write one of its raw bodies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(opts.adminURL)

			if body != "" {
				blob, err := client.Body(cmd.Context(), args[0], store.Side(body))
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(blob.Data)
				return err
			}

			detail, err := client.Request(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), detail)
		},
	}

	cmd.Flags().StringVar(&body, "body", "", "write the raw request or response body instead")

	return cmd
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <server>",
		Short: "Print the recorded output of a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := api.NewClient(opts.adminURL).Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var serverID, date string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the request count and total running time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := api.NewClient(opts.adminURL).Stats(cmd.Context(), serverID, date)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}

	cmd.Flags().StringVar(&serverID, "server", "", "only count requests of this backend")
	cmd.Flags().StringVar(&date, "date", "", "only count requests of this UTC day (YYYY-MM-DD)")

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
