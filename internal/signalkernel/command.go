package signalkernel

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/kernelsup/internal/logging"
)

// NewCommand returns the signalkernel command. SIGINT never cancels it; only
// SIGTERM or a shutdown_request ends the kernel.
func NewCommand() *cobra.Command {
	var (
		connectionFile string
		verbosity      int
	)
	cmd := &cobra.Command{
		Use:           "signalkernel -f CONNECTION_FILE",
		Short:         "Kernel that exercises interrupt delivery to child processes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectionFile == "" {
				return errors.New("connection file is required (-f)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			log := logging.New(logging.Options{Verbosity: verbosity, Output: cmd.ErrOrStderr()})
			return Run(ctx, connectionFile, log.WithName("signalkernel"))
		},
	}
	cmd.Flags().StringVarP(&connectionFile, "connection-file", "f", "", "Path to the kernel connection file")
	cmd.Flags().IntVarP(&verbosity, "verbosity", "v", 0, "Log verbosity")
	return cmd
}

// Main runs the command with args and returns the process exit code.
func Main(args []string) int {
	cmd := NewCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		cmd.PrintErrln("error:", err)
		return 1
	}
	return 0
}

// Exit runs Main with the process arguments and exits.
func Exit() {
	os.Exit(Main(os.Args[1:]))
}
