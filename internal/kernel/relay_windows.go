//go:build windows

package kernel

import (
	"errors"
	"fmt"
	"os"

	"github.com/Paintersrp/kernelsup/internal/kernelspec"
)

// Windows has no process-group signals, so interrupts always travel over the
// control channel.
func newInterrupter(kernelspec.InterruptMode) interrupter {
	return messageRelay{}
}

func terminateProcess(p *process) error {
	if p == nil || p.cmd.Process == nil {
		return nil
	}
	// Best effort; most Windows processes do not accept os.Interrupt.
	_ = p.cmd.Process.Signal(os.Interrupt)
	return nil
}

func killProcess(p *process) error {
	if p == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %d: %w", p.pid, err)
	}
	return nil
}
