package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Paintersrp/kernelsup/internal/channel"
	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/kernelspec"
	"github.com/Paintersrp/kernelsup/internal/wire"
)

var executeDefaults = channel.ExecuteOptions{}

func startKernel(t *testing.T, mode kernelspec.InterruptMode, opts ...Option) (*Manager, *channel.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts = append([]Option{WithRuntimeDir(t.TempDir())}, opts...)
	km, kc, err := StartNewKernel(ctx, LaunchOptions{Spec: testSpec(mode)}, 20*time.Second, opts...)
	if err != nil {
		t.Fatalf("start kernel: %v", err)
	}
	t.Cleanup(func() {
		kc.StopChannels()
		if err := km.Shutdown(context.Background(), ShutdownOptions{Now: true}); err != nil {
			t.Logf("shutdown: %v", err)
		}
	})
	return km, kc
}

func execute(t *testing.T, kc *channel.Client, code string) *wire.Message {
	t.Helper()
	id, err := kc.Execute(code, executeDefaults)
	if err != nil {
		t.Fatalf("execute %q: %v", code, err)
	}
	reply, err := kc.GetShellReply(context.Background(), id, 10*time.Second)
	if err != nil {
		t.Fatalf("reply to %q: %v", code, err)
	}
	if reply.Status() != "ok" {
		t.Fatalf("%q failed: %v", code, reply.Content)
	}
	return reply
}

func userExpressions(msg *wire.Message) map[string]any {
	expressions, _ := msg.Content["user_expressions"].(map[string]any)
	return expressions
}

func pollChildren(t *testing.T, kc *channel.Client) []any {
	t.Helper()
	poll, ok := userExpressions(execute(t, kc, "check"))["poll"].([]any)
	if !ok {
		t.Fatalf("check reply carried no poll list")
	}
	return poll
}

func waitForExecuteInput(t *testing.T, kc *channel.Client, msgID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := kc.GetIOPubMsg(context.Background(), time.Until(deadline))
		if err != nil {
			break
		}
		if msg.ParentID() == msgID && msg.MsgType() == wire.MsgExecuteInput {
			return
		}
	}
	t.Fatalf("kernel never started executing %s", msgID)
}

func TestStartAndShutdown(t *testing.T) {
	requireUnix(t)
	for _, transport := range []connection.Transport{connection.TransportTCP, connection.TransportIPC} {
		t.Run(string(transport), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			km := NewManager(WithRuntimeDir(t.TempDir()), WithTransport(transport), WithBinder(connection.NewBinder()))
			if err := km.Start(ctx, LaunchOptions{Spec: testSpec(kernelspec.InterruptSignal)}); err != nil {
				t.Fatalf("start: %v", err)
			}
			if !km.IsAlive() {
				t.Fatalf("kernel not alive right after start")
			}
			if km.State() != StateRunning {
				t.Fatalf("expected running, got %s", km.State())
			}

			info, err := km.ConnectionInfo()
			if err != nil {
				t.Fatalf("connection info: %v", err)
			}
			seen := make(map[string]connection.Role)
			for role, endpoint := range info.Endpoints() {
				if other, dup := seen[endpoint]; dup {
					t.Fatalf("%s and %s share endpoint %s", role, other, endpoint)
				}
				seen[endpoint] = role
			}
			if len(seen) != len(connection.Roles) {
				t.Fatalf("expected %d endpoints, got %d", len(connection.Roles), len(seen))
			}

			path := km.ConnectionFile()
			onDisk, err := connection.ReadFile(path)
			if err != nil {
				t.Fatalf("read connection file: %v", err)
			}
			if onDisk != info {
				t.Fatalf("connection file %+v does not match descriptor %+v", onDisk, info)
			}

			kc, err := km.Client()
			if err != nil {
				t.Fatalf("client: %v", err)
			}
			if err := kc.WaitForReady(ctx, 20*time.Second); err != nil {
				t.Fatalf("wait for ready: %v", err)
			}
			env, _ := userExpressions(execute(t, kc, "env"))["env"].(map[string]any)
			if env[envTestKernel] != "1" {
				t.Fatalf("kernel env missing spec variable: %v", env[envTestKernel])
			}
			kc.StopChannels()

			if err := km.Shutdown(ctx, ShutdownOptions{}); err != nil {
				t.Fatalf("shutdown: %v", err)
			}
			if km.IsAlive() {
				t.Fatalf("kernel alive after shutdown")
			}
			if km.State() != StateStopped {
				t.Fatalf("expected stopped, got %s", km.State())
			}
			if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("connection file left behind: %v", err)
			}
			if transport == connection.TransportIPC {
				for role := range info.Endpoints() {
					_, socket := info.Address(role)
					if _, err := os.Stat(socket); !errors.Is(err, os.ErrNotExist) {
						t.Fatalf("%s socket left behind: %v", role, err)
					}
				}
			}

			var types []EventType
		drain:
			for {
				select {
				case evt := <-km.Events():
					if evt.Type != EventTypeLog {
						types = append(types, evt.Type)
					}
				default:
					break drain
				}
			}
			want := []EventType{EventTypeStarting, EventTypeRunning, EventTypeStopping, EventTypeStopped}
			if fmt.Sprint(types) != fmt.Sprint(want) {
				t.Fatalf("expected events %v, got %v", want, types)
			}
		})
	}
}

func TestShutdownTwiceIsNoop(t *testing.T) {
	requireUnix(t)
	idle := NewManager()
	for i := 0; i < 2; i++ {
		if err := idle.Shutdown(context.Background(), ShutdownOptions{}); err != nil {
			t.Fatalf("shutdown of unstarted manager: %v", err)
		}
	}

	km, kc := startKernel(t, kernelspec.InterruptSignal)
	kc.StopChannels()
	for i := 0; i < 2; i++ {
		if err := km.Shutdown(context.Background(), ShutdownOptions{Now: true}); err != nil {
			t.Fatalf("shutdown %d: %v", i+1, err)
		}
	}
	if km.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", km.State())
	}
}

func TestInvalidTransitions(t *testing.T) {
	km := NewManager()
	ctx := context.Background()

	var stateErr *InvalidStateError
	if err := km.Interrupt(ctx); !errors.As(err, &stateErr) || stateErr.State != StateUnstarted {
		t.Fatalf("interrupt of unstarted manager: %v", err)
	}
	if err := km.Restart(ctx, RestartOptions{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("restart of unstarted manager: %v", err)
	}
	if _, err := km.ConnectionInfo(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("connection info of unstarted manager: %v", err)
	}
	if _, err := km.Wait(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("wait on unstarted manager: %v", err)
	}
	if km.IsAlive() {
		t.Fatalf("unstarted manager reports alive")
	}
}

func TestStartTwiceIsInvalid(t *testing.T) {
	requireUnix(t)
	km, _ := startKernel(t, kernelspec.InterruptSignal)
	err := km.Start(context.Background(), LaunchOptions{Spec: testSpec(kernelspec.InterruptSignal)})
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) || stateErr.State != StateRunning {
		t.Fatalf("expected invalid state error from running manager, got %v", err)
	}
	if !km.IsAlive() {
		t.Fatalf("failed start disturbed the running kernel")
	}
}

func TestStartFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown kernel", func(t *testing.T) {
		km := NewManager(WithResolver(kernelspec.NewRegistry(nil)))
		err := km.Start(ctx, LaunchOptions{KernelName: "missing"})
		if !errors.Is(err, ErrLaunch) || !errors.Is(err, kernelspec.ErrNotFound) {
			t.Fatalf("expected launch error wrapping ErrNotFound, got %v", err)
		}
		if km.State() != StateUnstarted {
			t.Fatalf("expected unstarted, got %s", km.State())
		}
	})

	t.Run("missing executable", func(t *testing.T) {
		dir := t.TempDir()
		binder := connection.NewBinder()
		km := NewManager(WithRuntimeDir(dir), WithBinder(binder))
		spec := &kernelspec.Spec{Argv: []string{filepath.Join(dir, "no-such-kernel"), "{connection_file}"}, DisplayName: "ghost"}
		err := km.Start(ctx, LaunchOptions{Spec: spec})
		var launchErr *LaunchError
		if !errors.As(err, &launchErr) || launchErr.Kernel != "ghost" {
			t.Fatalf("expected launch error for ghost, got %v", err)
		}
		if km.State() != StateUnstarted {
			t.Fatalf("expected unstarted, got %s", km.State())
		}
		if n := binder.Reserved(); n != 0 {
			t.Fatalf("failed launch kept %d endpoints reserved", n)
		}
		if files, _ := filepath.Glob(filepath.Join(dir, "kernel-*.json")); len(files) != 0 {
			t.Fatalf("failed launch left connection files: %v", files)
		}
	})
}

func TestKernelExitMarksStopped(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	km := NewManager(WithRuntimeDir(t.TempDir()))
	spec := &kernelspec.Spec{Argv: []string{"/bin/sh", "-c", "exit 3", "{connection_file}"}, DisplayName: "quitter"}
	if err := km.Start(ctx, LaunchOptions{Spec: spec}); err != nil {
		t.Fatalf("start: %v", err)
	}
	code, err := km.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}

	for {
		select {
		case evt := <-km.Events():
			if evt.Type != EventTypeExited {
				continue
			}
			if evt.ExitCode != 3 {
				t.Fatalf("exit event carried code %d", evt.ExitCode)
			}
		case <-ctx.Done():
			t.Fatalf("no exit event")
		}
		break
	}
	if km.State() != StateStopped || km.IsAlive() {
		t.Fatalf("expected stopped and dead, got %s alive=%v", km.State(), km.IsAlive())
	}
	if _, err := km.ConnectionInfo(); err != nil {
		t.Fatalf("last descriptor should remain readable: %v", err)
	}
	if err := km.Shutdown(ctx, ShutdownOptions{}); err != nil {
		t.Fatalf("shutdown after exit: %v", err)
	}
}

func TestRestartAllocatesNewDescriptor(t *testing.T) {
	requireUnix(t)
	for _, now := range []bool{true, false} {
		t.Run(fmt.Sprintf("now=%v", now), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			km, kc := startKernel(t, kernelspec.InterruptSignal, WithShutdownWait(10*time.Second))
			kc.StopChannels()
			before, _ := km.ConnectionInfo()
			oldPID := km.PID()

			start := time.Now()
			if err := km.Restart(ctx, RestartOptions{Now: now}); err != nil {
				t.Fatalf("restart: %v", err)
			}
			if !now && time.Since(start) > 8*time.Second {
				t.Fatalf("cooperative restart waited for the shutdown timeout")
			}
			after, err := km.ConnectionInfo()
			if err != nil {
				t.Fatalf("connection info: %v", err)
			}
			if after == before || after.Overlaps(before) {
				t.Fatalf("restart reused endpoints: before %+v after %+v", before, after)
			}
			if !km.IsAlive() || km.PID() == oldPID {
				t.Fatalf("expected a new live kernel process")
			}
			if km.State() != StateRunning {
				t.Fatalf("expected running, got %s", km.State())
			}

			client, err := km.Client()
			if err != nil {
				t.Fatalf("client: %v", err)
			}
			defer client.StopChannels()
			if err := client.WaitForReady(ctx, 20*time.Second); err != nil {
				t.Fatalf("restarted kernel not ready: %v", err)
			}
		})
	}
}

func TestRestartFailureStopsManager(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	script := filepath.Join(dir, "kernel.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	binder := connection.NewBinder()
	km := NewManager(WithRuntimeDir(dir), WithBinder(binder),
		WithRestartPolicy(RestartPolicy{MaxAttempts: 2, Min: time.Millisecond, Max: time.Millisecond}))
	spec := &kernelspec.Spec{Argv: []string{script, "{connection_file}"}, DisplayName: "sleeper"}
	if err := km.Start(ctx, LaunchOptions{Spec: spec}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := os.Remove(script); err != nil {
		t.Fatalf("remove script: %v", err)
	}

	err := km.Restart(ctx, RestartOptions{Now: true})
	var restartErr *RestartError
	if !errors.As(err, &restartErr) || !errors.Is(err, ErrRestart) {
		t.Fatalf("expected restart error, got %v", err)
	}
	if restartErr.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", restartErr.Attempts)
	}
	if km.State() != StateStopped || km.IsAlive() {
		t.Fatalf("expected stopped manager, got %s", km.State())
	}
	if n := binder.Reserved(); n != 0 {
		t.Fatalf("failed restart kept %d endpoints reserved", n)
	}
}

// A kernel that fans work out to child processes must be able to stop all
// of them with a single interrupt while staying alive itself.
func TestInterruptReachesKernelSubprocesses(t *testing.T) {
	requireUnix(t)
	for _, mode := range []kernelspec.InterruptMode{kernelspec.InterruptSignal, kernelspec.InterruptMessage} {
		t.Run(string(mode), func(t *testing.T) {
			km, kc := startKernel(t, mode)

			const tasks = 5
			for i := 0; i < tasks; i++ {
				execute(t, kc, "start")
			}
			poll := pollChildren(t, kc)
			if len(poll) != tasks {
				t.Fatalf("expected %d children, got %v", tasks, poll)
			}
			for i, code := range poll {
				if code != nil {
					t.Fatalf("child %d finished early with %v", i, code)
				}
			}

			sleepID, err := kc.Execute("sleep", executeDefaults)
			if err != nil {
				t.Fatalf("execute sleep: %v", err)
			}
			waitForExecuteInput(t, kc, sleepID)
			if err := km.Interrupt(context.Background()); err != nil {
				t.Fatalf("interrupt: %v", err)
			}

			reply, err := kc.GetShellReply(context.Background(), sleepID, 5*time.Second)
			if err != nil {
				t.Fatalf("sleep reply: %v", err)
			}
			if userExpressions(reply)["interrupted"] != true {
				t.Fatalf("sleep was not interrupted: %v", reply.Content)
			}
			if !km.IsAlive() || km.State() != StateRunning {
				t.Fatalf("kernel should survive the interrupt, state %s", km.State())
			}

			deadline := time.Now().Add(5 * time.Second)
			for {
				poll = pollChildren(t, kc)
				interrupted := 0
				for _, code := range poll {
					if code == float64(-2) {
						interrupted++
					}
				}
				if interrupted == tasks {
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("children not interrupted within 5s: %v", poll)
				}
				time.Sleep(100 * time.Millisecond)
			}
		})
	}
}

// Running is reported as soon as the process spawns, before the kernel has
// bound its ports. An interrupt_request sent at that point must wait for the
// control channel instead of failing to connect.
func TestMessageInterruptRightAfterStart(t *testing.T) {
	requireUnix(t)
	km := NewManager(WithRuntimeDir(t.TempDir()))
	t.Cleanup(func() { _ = km.Shutdown(context.Background(), ShutdownOptions{Now: true}) })
	if err := km.Start(context.Background(), LaunchOptions{Spec: testSpec(kernelspec.InterruptMessage)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := km.Interrupt(context.Background()); err != nil {
		t.Fatalf("interrupt from %s: %v", km.State(), err)
	}
	if !km.IsAlive() || km.State() != StateRunning {
		t.Fatalf("kernel should survive the interrupt, state %s", km.State())
	}
}

func TestConcurrentStartsAcrossGoroutines(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const n = 4
	dir := t.TempDir()
	managers := make([]*Manager, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			km := NewManager(WithRuntimeDir(dir))
			managers[i] = km
			errs[i] = km.Start(ctx, LaunchOptions{Spec: testSpec(kernelspec.InterruptSignal)})
		}(i)
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, km := range managers {
			_ = km.Shutdown(context.Background(), ShutdownOptions{Now: true})
		}
	})

	infos := make([]connection.Info, n)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		infos[i], _ = managers[i].ConnectionInfo()
	}
	assertDisjoint(t, infos)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kc, err := managers[i].Client()
			if err != nil {
				errs[i] = err
				return
			}
			defer kc.StopChannels()
			if errs[i] = kc.WaitForReady(ctx, 30*time.Second); errs[i] != nil {
				return
			}
			id, err := kc.Execute("env", executeDefaults)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = kc.GetShellReply(ctx, id, 10*time.Second)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("kernel %d: %v", i, err)
		}
	}
}

func TestConcurrentStartsAcrossProcesses(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	const n = 3
	dir := t.TempDir()
	release := filepath.Join(dir, "release.json")
	cmds := make([]*exec.Cmd, n)
	stderr := make([]*bytes.Buffer, n)
	outs := make([]string, n)
	for i := 0; i < n; i++ {
		outs[i] = filepath.Join(dir, fmt.Sprintf("kernel-%d.json", i))
		stderr[i] = &bytes.Buffer{}
		cmd := exec.Command(os.Args[0], "-test.run=^$")
		cmd.Env = append(os.Environ(), envParallelOut+"="+outs[i], envParallelRelease+"="+release)
		cmd.Stderr = stderr[i]
		if err := cmd.Start(); err != nil {
			t.Fatalf("spawn supervisor %d: %v", i, err)
		}
		cmds[i] = cmd
	}
	t.Cleanup(func() {
		for _, cmd := range cmds {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	})

	infos := make([]connection.Info, n)
	for i, out := range outs {
		info, err := connection.WaitForFile(ctx, out)
		if err != nil {
			t.Fatalf("supervisor %d never published a descriptor: %v\n%s", i, err, stderr[i])
		}
		infos[i] = info
	}
	assertDisjoint(t, infos)

	if err := connection.WriteFile(release, infos[0]); err != nil {
		t.Fatalf("release supervisors: %v", err)
	}
	for i, cmd := range cmds {
		if err := cmd.Wait(); err != nil {
			t.Fatalf("supervisor %d failed: %v\n%s", i, err, stderr[i])
		}
	}
	cmds = nil
}

func assertDisjoint(t *testing.T, infos []connection.Info) {
	t.Helper()
	for i := range infos {
		for j := i + 1; j < len(infos); j++ {
			if infos[i].Overlaps(infos[j]) {
				t.Fatalf("descriptors %d and %d share an endpoint: %+v / %+v", i, j, infos[i], infos[j])
			}
		}
	}
}
