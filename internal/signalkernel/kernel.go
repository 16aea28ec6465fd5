// Package signalkernel is a minimal kernel used to exercise interrupt
// delivery. It understands four commands:
//
//	start  spawn a "sleep 10" child process
//	check  report each child's exit status in user_expressions.poll
//	sleep  sleep for ten seconds unless interrupted
//	env    report the kernel's environment
//
// A child that is still running reports null; one terminated by a signal
// reports the negative signal number.
package signalkernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/kernelserver"
)

// SleepDuration is how long the sleep command blocks when not interrupted.
var SleepDuration = 10 * time.Second

// ChildCommand is the argv spawned by the start command.
var ChildCommand = []string{"sleep", "10"}

type child struct {
	cmd  *exec.Cmd
	done chan struct{}
	code *int
}

// Kernel implements kernelserver.Handler.
type Kernel struct {
	log        logr.Logger
	interrupts chan struct{}

	mu       sync.Mutex
	children []*child
}

// New returns a kernel with no children.
func New(log logr.Logger) *Kernel {
	return &Kernel{
		log:        log,
		interrupts: make(chan struct{}, 1),
	}
}

// Execute implements kernelserver.Handler.
func (k *Kernel) Execute(ctx context.Context, code string, req *kernelserver.Request) map[string]any {
	switch strings.TrimSpace(code) {
	case "start":
		if err := k.spawn(); err != nil {
			return errorReply("SpawnError", err)
		}
		return nil
	case "check":
		return map[string]any{"user_expressions": map[string]any{"poll": k.poll()}}
	case "sleep":
		return map[string]any{"user_expressions": map[string]any{"interrupted": k.sleep(ctx)}}
	case "env":
		env := make(map[string]any)
		for _, kv := range os.Environ() {
			if key, value, ok := strings.Cut(kv, "="); ok {
				env[key] = value
			}
		}
		return map[string]any{"user_expressions": map[string]any{"env": env}}
	case "input":
		value, err := req.Input(ctx, "? ", false)
		if err != nil {
			return errorReply("StdinNotImplementedError", err)
		}
		return map[string]any{"user_expressions": map[string]any{"value": value}}
	default:
		return errorReply("UnknownCommand", fmt.Errorf("unknown command %q", code))
	}
}

// Interrupt handles interrupt_request messages by doing what SIGINT to the
// process group would have done: signal every child, then wake any sleeper.
func (k *Kernel) Interrupt() {
	k.mu.Lock()
	children := append([]*child(nil), k.children...)
	k.mu.Unlock()
	for _, c := range children {
		select {
		case <-c.done:
			continue
		default:
		}
		if err := c.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			k.log.Error(err, "forward interrupt failed", "pid", c.cmd.Process.Pid)
		}
	}
	k.notifyInterrupt()
}

func (k *Kernel) notifyInterrupt() {
	select {
	case k.interrupts <- struct{}{}:
	default:
	}
}

func (k *Kernel) sleep(ctx context.Context) bool {
	// A stale interrupt from before the request must not cut it short.
	select {
	case <-k.interrupts:
	default:
	}
	timer := time.NewTimer(SleepDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-k.interrupts:
		return true
	case <-ctx.Done():
		return false
	}
}

func (k *Kernel) spawn() error {
	cmd := exec.Command(ChildCommand[0], ChildCommand[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}
	c := &child{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		_ = cmd.Wait()
		code := exitCode(cmd.ProcessState)
		k.mu.Lock()
		c.code = &code
		k.mu.Unlock()
	}()
	k.mu.Lock()
	k.children = append(k.children, c)
	k.mu.Unlock()
	k.log.V(1).Info("spawned child", "pid", cmd.Process.Pid)
	return nil
}

func (k *Kernel) poll() []any {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]any, len(k.children))
	for i, c := range k.children {
		if c.code == nil {
			out[i] = nil
			continue
		}
		out[i] = *c.code
	}
	return out
}

// Close kills any children that are still running.
func (k *Kernel) Close() {
	k.mu.Lock()
	children := append([]*child(nil), k.children...)
	k.mu.Unlock()
	for _, c := range children {
		select {
		case <-c.done:
		default:
			_ = c.cmd.Process.Kill()
			<-c.done
		}
	}
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

func errorReply(ename string, err error) map[string]any {
	return map[string]any{
		"status":    "error",
		"ename":     ename,
		"evalue":    err.Error(),
		"traceback": []string{},
	}
}

// Run serves the kernel described by the connection file at path until a
// shutdown_request arrives or ctx is done.
func Run(ctx context.Context, path string, log logr.Logger) error {
	info, err := connection.ReadFile(path)
	if err != nil {
		return err
	}

	k := New(log)
	defer k.Close()

	// Trap SIGINT so the kernel survives interrupts aimed at its process
	// group. Installing the handler also clears an inherited ignore, so
	// children spawned afterwards get the default disposition.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				log.Info("received interrupt")
				k.notifyInterrupt()
			}
		}
	}()

	srv, err := kernelserver.New(info, k, kernelserver.WithLogger(log))
	if err != nil {
		return err
	}
	restart, err := srv.Serve(ctx)
	if err != nil {
		return err
	}
	log.Info("kernel shutting down", "restart", restart)
	return nil
}
