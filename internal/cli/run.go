package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	httpapi "github.com/Paintersrp/kernelsup/internal/api/http"
	"github.com/Paintersrp/kernelsup/internal/cliutil"
	"github.com/Paintersrp/kernelsup/internal/kernel"
	"github.com/Paintersrp/kernelsup/internal/tui"
)

const defaultStopGrace = 5 * time.Second

func newRunCmd(ctx *context) *cobra.Command {
	var (
		jsonOutput  bool
		useTUI      bool
		autorestart bool
		apiAddr     string
		dir         string
	)
	cmd := &cobra.Command{
		Use:   "run [KERNEL...]",
		Short: "Start kernels and supervise them until interrupted",
		Long: "Start each named kernel (or the configured default) and stream their lifecycle " +
			"events and output. Runs until interrupted or until every kernel has exited.",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				name, err := ctx.kernelName("")
				if err != nil {
					return err
				}
				names = []string{name}
			}
			if apiAddr == "" {
				apiAddr = ctx.cfg.API.Addr
			}
			return runKernels(cmd, ctx, names, runOptions{
				json:        jsonOutput,
				tui:         useTUI,
				autorestart: autorestart,
				apiAddr:     apiAddr,
				dir:         dir,
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit events as JSON lines")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show an interactive dashboard instead of streaming events")
	cmd.Flags().BoolVar(&autorestart, "autorestart", false, "Start kernels again after they exit on their own")
	cmd.Flags().StringVar(&apiAddr, "api", "", "Serve the control API and metrics on this address")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory for kernel processes")
	return cmd
}

type runOptions struct {
	json        bool
	tui         bool
	autorestart bool
	apiAddr     string
	dir         string
}

func runKernels(cmd *cobra.Command, ctx *context, names []string, opts runOptions) error {
	reg, err := ctx.registry()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := reg.Resolve(name); err != nil {
			return err
		}
	}

	if opts.tui && opts.json {
		return errors.New("--tui and --json are mutually exclusive")
	}

	runCtx, cancel := stdcontext.WithCancel(cmd.Context())
	defer cancel()

	if opts.tui {
		// Log lines would tear the dashboard.
		ctx.log = logr.Discard()
	}
	sup := newSupervisor(ctx.log, ctx.managerOptions(reg), restartPolicy(ctx.cfg.Restart), opts.autorestart)

	var ui *tui.UI
	if opts.tui {
		ui = tui.New(tui.WithController(NewControlAPI(sup)))
	}

	stderr := cmd.ErrOrStderr()
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		if ui != nil {
			defer ui.CloseEvents()
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for evt := range sup.Events() {
			if ui != nil {
				ui.EventSink() <- evt
				continue
			}
			if opts.json {
				cliutil.EncodeLogEvent(enc, stderr, evt)
				continue
			}
			fmt.Fprintln(stderr, cliutil.FormatEvent(evt))
		}
	}()

	stopAll := func() error {
		stopCtx, stopCancel := stdcontext.WithTimeout(stdcontext.Background(), 2*ctx.cfg.ShutdownWait.Duration+defaultStopGrace)
		defer stopCancel()
		err := sup.shutdown(stopCtx)
		<-consumed
		return err
	}

	for _, name := range names {
		if _, err := sup.start(runCtx, name, kernel.LaunchOptions{Dir: opts.dir}); err != nil {
			return errors.Join(err, stopAll())
		}
	}

	if !opts.json && !opts.tui {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KERNEL\tPID\tCONNECTION FILE")
		for _, h := range sup.handles() {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", h.name, h.mgr.PID(), h.mgr.ConnectionFile())
		}
		if err := tw.Flush(); err != nil {
			return errors.Join(err, stopAll())
		}
	}

	apiErr := make(chan error, 1)
	if opts.apiAddr != "" {
		ln, err := httpapi.Listen(opts.apiAddr)
		if err != nil {
			return errors.Join(err, stopAll())
		}
		srv, err := httpapi.NewServer(ln, NewControlAPI(sup))
		if err != nil {
			ln.Close()
			return errors.Join(err, stopAll())
		}
		ctx.log.Info("control API listening", "addr", srv.Addr())
		go func() { apiErr <- srv.Run(runCtx) }()
	}

	var (
		uiDone <-chan struct{}
		uiErr  = make(chan error, 1)
	)
	if ui != nil {
		uiDone = ui.Done()
		go func() { uiErr <- ui.Run(runCtx) }()
	}

	var runErr error
	select {
	case <-runCtx.Done():
	case <-uiDone:
	case <-sup.Exited():
		ctx.log.Info("all kernels exited")
	case runErr = <-apiErr:
		if runErr != nil {
			runErr = fmt.Errorf("control API: %w", runErr)
		}
	}
	cancel()
	stopErr := stopAll()
	if ui != nil {
		if err := <-uiErr; err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("dashboard: %w", err))
		}
	}
	return errors.Join(runErr, stopErr)
}
