package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/kernelsup/internal/cliutil"
	"github.com/Paintersrp/kernelsup/internal/connection"
)

func newConnectInfoCmd(ctx *context) *cobra.Command {
	var (
		wait      bool
		showKey   bool
		endpoints bool
	)
	cmd := &cobra.Command{
		Use:   "connect-info FILE",
		Short: "Print a kernel connection file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			var (
				info connection.Info
				err  error
			)
			if wait {
				info, err = connection.WaitForFile(cmd.Context(), path)
			} else {
				info, err = connection.ReadFile(path)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if endpoints {
				byRole := info.Endpoints()
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CHANNEL\tENDPOINT")
				for _, role := range connection.Roles {
					fmt.Fprintf(tw, "%s\t%s\n", role, byRole[role])
				}
				return tw.Flush()
			}

			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("encode connection info: %w", err)
			}
			text := string(data)
			if !showKey {
				text = cliutil.RedactSecrets(text)
			}
			fmt.Fprintln(out, text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the file to appear")
	cmd.Flags().BoolVar(&showKey, "show-key", false, "Print the signing key instead of redacting it")
	cmd.Flags().BoolVar(&endpoints, "endpoints", false, "Print one endpoint per channel instead of the JSON document")
	return cmd
}
