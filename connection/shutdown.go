// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"github.com/TheThingsNetwork/amqp-core/channel"
	"github.com/TheThingsNetwork/amqp-core/token"
	"github.com/TheThingsNetwork/amqp-core/types"
	"golang.org/x/sync/errgroup"
)

// Close closes all channels and then the connection. Repeated calls return the
// same token. Without a transport, the token is already resolved.
func (c *Connection) Close() *token.Token[struct{}] {
	result := make(chan *token.Token[struct{}], 1)
	if !c.do(func() { result <- c.shutdown() }) {
		return c.idle
	}
	return <-result
}

func (c *Connection) shutdown() *token.Token[struct{}] {
	if c.closed != nil {
		return c.closed
	}
	if c.transport == nil {
		if c.retry != nil {
			c.retry.Stop()
			c.retry = nil
		}
		if c.connected != nil {
			c.connected.Reject(ErrClosed)
			c.connected = nil
		}
		return c.idle
	}

	closed := token.New[struct{}]()
	c.closed = closed
	if c.connected != nil {
		c.connected.Reject(ErrClosed)
	}
	c.ctx.Debug("Closing")

	var control channel.Unit
	var g errgroup.Group
	for _, u := range c.registry.Descending() {
		c.registry.MarkClosing(u.ID())
		if u.ID() == types.ControlChannel {
			control = u
			continue
		}
		done := u.Close()
		g.Go(func() error {
			_, err := done.Wait()
			return err
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			c.ctx.WithError(err).Debug("Channel did not close cleanly")
		}
		c.do(func() { c.closeControl(closed, control) })
	}()
	return closed
}

// closeControl closes channel 0 once all user channels are closed
func (c *Connection) closeControl(closed *token.Token[struct{}], control channel.Unit) {
	if closed != c.closed || closed.Settled() {
		return
	}
	if control == nil {
		c.finish(closed)
		return
	}
	control.Close().Then(func(_ struct{}, err error) {
		if err != nil {
			c.ctx.WithError(err).Debug("Connection did not close cleanly")
		}
		c.do(func() { c.finish(closed) })
	})
}

func (c *Connection) finish(closed *token.Token[struct{}]) {
	if closed != c.closed || closed.Settled() {
		return
	}
	if tr := c.transport; tr != nil {
		if err := tr.Flush(); err != nil {
			c.ctx.WithError(err).Debug("Could not flush transport")
		}
		if err := tr.Close(); err != nil {
			c.ctx.WithError(err).Debug("Could not close transport")
		}
	}
	c.transport, c.incoming = nil, nil
	c.out.set(nil)
	c.registry.Reset()
	openChannels.Set(0)
	c.connected = nil
	closed.Resolve(struct{}{})
	c.ctx.Info("Closed")
}
