package kernel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// process is the handle for one kernel subprocess.
type process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu    sync.Mutex
	state *os.ProcessState
	err   error
}

type lineFunc func(source, line string)

func spawn(argv []string, env []string, dir string, onLine lineFunc) (*process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr: %w", err)
	}

	configureCmdSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go streamLines(stdout, LogSourceStdout, onLine)
	go streamLines(stderr, LogSourceStderr, onLine)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.state = cmd.ProcessState
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func streamLines(r io.Reader, source string, onLine lineFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if onLine != nil {
			onLine(source, strings.TrimRight(scanner.Text(), "\r\n"))
		}
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitCode follows the usual convention for a child's return code: the exit
// status, or the negated signal number when a signal ended it.
func (p *process) exitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return 0
	}
	if ws, ok := p.state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return p.state.ExitCode()
}

func mergeEnv(base []string, layers ...map[string]string) []string {
	index := make(map[string]int, len(base))
	env := make([]string, 0, len(base))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			env[i] = kv
			continue
		}
		index[key] = len(env)
		env = append(env, kv)
	}
	for _, layer := range layers {
		for key, value := range layer {
			kv := key + "=" + value
			if i, ok := index[key]; ok {
				env[i] = kv
				continue
			}
			index[key] = len(env)
			env = append(env, kv)
		}
	}
	return env
}
