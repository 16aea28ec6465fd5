package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/kernelsup/internal/channel"
	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/kernel"
	"github.com/Paintersrp/kernelsup/internal/wire"
)

// drainWindow bounds how long exec keeps reading iopub after the reply.
const drainWindow = 2 * time.Second

func newExecCmd(ctx *context) *cobra.Command {
	var (
		kernelName string
		existing   string
		timeout    time.Duration
		silent     bool
	)
	cmd := &cobra.Command{
		Use:   "exec CODE",
		Short: "Run code in a kernel and print its output and reply",
		Long: "Start a kernel (or attach to a running one with --existing), execute CODE, " +
			"print stream output from iopub and the execute_reply as JSON.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execCtx := cmd.Context()
			client, cleanup, err := execClient(execCtx, ctx, kernelName, existing)
			if err != nil {
				return err
			}
			defer cleanup()
			return execute(execCtx, cmd, client, args[0], channel.ExecuteOptions{
				Silent:        silent,
				DisallowStdin: true,
			}, timeout)
		},
	}
	cmd.Flags().StringVarP(&kernelName, "kernel", "k", "", "Kernel to start (defaults to the configured default kernel)")
	cmd.Flags().StringVar(&existing, "existing", "", "Connection file of an already running kernel")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "How long to wait for the execute reply")
	cmd.Flags().BoolVar(&silent, "silent", false, "Ask the kernel not to broadcast output")
	return cmd
}

// execClient returns a ready client and a function that tears down whatever
// was started for it.
func execClient(execCtx stdcontext.Context, ctx *context, kernelName, existing string) (*channel.Client, func(), error) {
	readyTimeout := ctx.cfg.ReadyTimeout.Duration
	if existing != "" {
		info, err := connection.ReadFile(existing)
		if err != nil {
			return nil, nil, err
		}
		client, err := channel.New(info, channel.WithLogger(ctx.log.WithName("channel")))
		if err != nil {
			return nil, nil, err
		}
		if err := client.WaitForReady(execCtx, readyTimeout); err != nil {
			client.StopChannels()
			return nil, nil, err
		}
		return client, client.StopChannels, nil
	}

	name, err := ctx.kernelName(kernelName)
	if err != nil {
		return nil, nil, err
	}
	reg, err := ctx.registry()
	if err != nil {
		return nil, nil, err
	}
	km, client, err := kernel.StartNewKernel(execCtx, kernel.LaunchOptions{KernelName: name}, readyTimeout, ctx.managerOptions(reg)...)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		client.StopChannels()
		stopCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 2*ctx.cfg.ShutdownWait.Duration+defaultStopGrace)
		defer cancel()
		if err := km.Shutdown(stopCtx, kernel.ShutdownOptions{}); err != nil {
			ctx.log.Error(err, "shut down kernel", "kernel", name)
		}
	}
	return client, cleanup, nil
}

func execute(ctx stdcontext.Context, cmd *cobra.Command, client *channel.Client, code string, opts channel.ExecuteOptions, timeout time.Duration) error {
	msgID, err := client.Execute(code, opts)
	if err != nil {
		return err
	}
	reply, err := client.GetShellReply(ctx, msgID, timeout)
	if err != nil {
		return err
	}
	drainIOPub(ctx, client, msgID, cmd.OutOrStdout(), cmd.ErrOrStderr())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(reply.Content); err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if status := reply.Status(); status != "ok" {
		return executeError(reply)
	}
	return nil
}

// drainIOPub prints stream output parented to msgID until the kernel reports
// idle for it or nothing arrives within drainWindow.
func drainIOPub(ctx stdcontext.Context, client *channel.Client, msgID string, stdout, stderr io.Writer) {
	for {
		msg, err := client.GetIOPubMsg(ctx, drainWindow)
		if err != nil {
			return
		}
		if msg.ParentID() != msgID {
			continue
		}
		switch msg.MsgType() {
		case wire.MsgStream:
			text, _ := msg.Content["text"].(string)
			if name, _ := msg.Content["name"].(string); name == "stderr" {
				fmt.Fprint(stderr, text)
			} else {
				fmt.Fprint(stdout, text)
			}
		case wire.MsgError:
			fmt.Fprintln(stderr, errorSummary(msg.Content))
		case wire.MsgStatus:
			if state, _ := msg.Content["execution_state"].(string); state == "idle" {
				return
			}
		}
	}
}

func executeError(reply *wire.Message) error {
	return errors.New(errorSummary(reply.Content))
}

func errorSummary(content map[string]any) string {
	ename, _ := content["ename"].(string)
	evalue, _ := content["evalue"].(string)
	switch {
	case ename == "" && evalue == "":
		status, _ := content["status"].(string)
		return fmt.Sprintf("execution failed with status %q", status)
	case evalue == "":
		return ename
	default:
		return ename + ": " + evalue
	}
}
