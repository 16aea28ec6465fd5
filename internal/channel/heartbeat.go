package channel

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/probe"
)

// ping sends a unique payload on the heartbeat channel and waits for the
// echo. A failed ping drops the connection so the next one starts from a
// clean stream.
func (c *Client) ping(ctx context.Context) error {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()

	if c.hb == nil {
		conn, err := c.dial(ctx, connection.RoleHB)
		if err != nil {
			return fmt.Errorf("redial heartbeat: %w", err)
		}
		c.hb = conn
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.hbPeriod)
	}
	payload := []byte(uuid.NewString())
	err := func() error {
		if err := c.hb.SetReadDeadline(deadline); err != nil {
			return err
		}
		if err := c.hb.SendRaw([][]byte{payload}); err != nil {
			return err
		}
		for {
			parts, err := c.hb.RecvRaw()
			if err != nil {
				return err
			}
			if len(parts) == 1 && bytes.Equal(parts[0], payload) {
				return nil
			}
		}
	}()
	if err != nil {
		c.hb.Close()
		c.hb = nil
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (c *Client) monitorHeartbeat(ctx context.Context) {
	defer c.wg.Done()
	prober := probe.Func(func(ctx context.Context) error {
		if c.paused.Load() {
			return nil
		}
		return c.ping(ctx)
	})
	events := probe.Watch(ctx, prober, probe.Spec{
		Interval:         c.hbPeriod,
		Timeout:          c.hbPeriod,
		FailureThreshold: 1,
		SuccessThreshold: 1,
	}, nil)
	for event := range events {
		switch event.Status {
		case probe.StatusReady:
			c.beating.Store(true)
			c.log.V(1).Info("heartbeat restored")
		case probe.StatusUnready:
			c.beating.Store(false)
			c.log.Info("heartbeat lost", "reason", event.Reason)
		}
	}
}

// PauseHeartbeat stops pinging the kernel. IsBeating reports false while
// paused.
func (c *Client) PauseHeartbeat() { c.paused.Store(true) }

// UnpauseHeartbeat resumes pinging.
func (c *Client) UnpauseHeartbeat() { c.paused.Store(false) }

// IsBeating reports whether the last heartbeat was answered.
func (c *Client) IsBeating() bool {
	return !c.paused.Load() && c.beating.Load()
}
