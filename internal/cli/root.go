package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/kernelsup/internal/config"
	"github.com/Paintersrp/kernelsup/internal/kernel"
	"github.com/Paintersrp/kernelsup/internal/kernelspec"
	"github.com/Paintersrp/kernelsup/internal/logging"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{log: logr.Discard()}

	root := &cobra.Command{
		Use:   "kernelsup",
		Short: "Kernel process supervisor and channel client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.init(cmd)
		},
	}

	root.PersistentFlags().
		StringVarP(&ctx.configFile, "config", "c", "", "Path to kernelsup.yaml (defaults to ./kernelsup.yaml when present)")
	root.PersistentFlags().IntVarP(&ctx.verbosity, "verbosity", "v", 0, "Log verbosity")
	root.PersistentFlags().StringVar(&ctx.logFormat, "log-format", "", "Log format: auto, json or console")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newExecCmd(ctx))
	root.AddCommand(newConnectInfoCmd(ctx))
	root.AddCommand(newKernelSpecsCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	configFile string
	verbosity  int
	logFormat  string

	cfg *config.Config
	log logr.Logger
}

func (c *context) init(cmd *cobra.Command) error {
	cfg, err := config.LoadOrDefault(c.configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("verbosity") {
		cfg.Logging.Verbosity = c.verbosity
	}
	if flags.Changed("log-format") {
		if _, err := logging.ParseFormat(c.logFormat); err != nil {
			return err
		}
		cfg.Logging.Format = c.logFormat
	}
	c.cfg = cfg
	c.log = logging.New(logging.Options{
		Verbosity: cfg.Logging.Verbosity,
		Format:    cfg.Logging.Format,
		Output:    cmd.ErrOrStderr(),
	}).WithName("kernelsup")
	return nil
}

func (c *context) registry() (*kernelspec.Registry, error) {
	return c.cfg.Registry()
}

// kernelName returns name, or the configured default kernel when name is
// empty.
func (c *context) kernelName(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if c.cfg.DefaultKernel == "" {
		return "", errors.New("no kernel given and no defaultKernel configured")
	}
	return c.cfg.DefaultKernel, nil
}

func (c *context) managerOptions(resolver kernelspec.Resolver) []kernel.Option {
	opts := []kernel.Option{
		kernel.WithLogger(c.log.WithName("kernel")),
		kernel.WithResolver(resolver),
		kernel.WithTransport(c.cfg.Transport),
		kernel.WithShutdownWait(c.cfg.ShutdownWait.Duration),
		kernel.WithRestartPolicy(restartPolicy(c.cfg.Restart)),
	}
	if c.cfg.IP != "" {
		opts = append(opts, kernel.WithIP(c.cfg.IP))
	}
	if c.cfg.RuntimeDir != "" {
		opts = append(opts, kernel.WithRuntimeDir(c.cfg.RuntimeDir))
	}
	return opts
}

func restartPolicy(p *config.RestartPolicy) kernel.RestartPolicy {
	policy := kernel.DefaultRestartPolicy()
	if p == nil {
		return policy
	}
	if p.MaxAttempts > 0 {
		policy.MaxAttempts = p.MaxAttempts
	}
	if b := p.Backoff; b != nil {
		if b.Min.IsSet() {
			policy.Min = b.Min.Duration
		}
		if b.Max.IsSet() {
			policy.Max = b.Max.Duration
		}
		if b.Factor != 0 {
			policy.Factor = b.Factor
		}
	}
	return policy
}
