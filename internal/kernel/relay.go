package kernel

import (
	"context"
	"fmt"

	"github.com/Paintersrp/kernelsup/internal/channel"
	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/wire"
)

// interrupter delivers an interrupt to a kernel and everything it spawned.
// Which variant a Manager uses depends on the kernel spec and the platform;
// callers of Manager.Interrupt never see the difference.
type interrupter interface {
	deliverInterrupt(ctx context.Context, p *process, info connection.Info) error
}

// messageRelay asks the kernel to interrupt itself over the control channel.
// The kernel is responsible for forwarding the interrupt to its children.
type messageRelay struct{}

func (messageRelay) deliverInterrupt(ctx context.Context, _ *process, info connection.Info) error {
	reply, err := channel.Request(ctx, info, connection.RoleControl, wire.MsgInterruptRequest, nil)
	if err != nil {
		return err
	}
	if status := reply.Status(); status != "" && status != "ok" {
		return fmt.Errorf("kernel answered interrupt_request with status %q", status)
	}
	return nil
}
