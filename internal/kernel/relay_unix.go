//go:build !windows

package kernel

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/kernelspec"
)

// signalRelay sends SIGINT to the kernel's process group so its children are
// interrupted along with it.
type signalRelay struct{}

func (signalRelay) deliverInterrupt(_ context.Context, p *process, _ connection.Info) error {
	return signalGroup(p, unix.SIGINT)
}

func newInterrupter(mode kernelspec.InterruptMode) interrupter {
	if mode == kernelspec.InterruptMessage {
		return messageRelay{}
	}
	return signalRelay{}
}

// signalGroup signals every member of the kernel's process group. The kernel
// is started as the group leader, so the group id is its pid.
func signalGroup(p *process, sig unix.Signal) error {
	if p == nil || p.pid <= 0 {
		return nil
	}
	if err := unix.Kill(-p.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group %d with %s: %w", p.pid, unix.SignalName(sig), err)
	}
	return nil
}

func terminateProcess(p *process) error {
	return signalGroup(p, unix.SIGTERM)
}

// killProcess also reaps children left behind after the kernel itself has
// exited.
func killProcess(p *process) error {
	return signalGroup(p, unix.SIGKILL)
}
