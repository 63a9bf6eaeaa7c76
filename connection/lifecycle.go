// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"github.com/TheThingsNetwork/amqp-core/fault"
	"github.com/TheThingsNetwork/amqp-core/token"
	"github.com/TheThingsNetwork/amqp-core/transport"
	"github.com/TheThingsNetwork/amqp-core/types"
)

// Open connects to the broker. The returned token resolves when the connection
// handshake completes, or is rejected when all connect attempts failed or the
// handshake failed. While a connect is pending, or after it succeeded, Open
// returns the same token without connecting again.
func (c *Connection) Open() *token.Token[struct{}] {
	result := make(chan *token.Token[struct{}], 1)
	if !c.do(func() { result <- c.open() }) {
		return token.Rejected[struct{}](ErrStopped)
	}
	return <-result
}

func (c *Connection) open() *token.Token[struct{}] {
	if c.connected != nil {
		return c.connected
	}
	c.attempts = 0
	c.closed = nil
	c.connected = token.New[struct{}]()
	c.connect()
	return c.connected
}

// handshaking is true while a transport exists and the connect token is still pending
func (c *Connection) handshaking() bool {
	return c.transport != nil && c.connected != nil && !c.connected.Settled()
}

func (c *Connection) connect() {
	pending := c.connected
	ctx := c.ctx.WithField("Address", c.config.Address()).WithField("Attempt", c.attempts+1)
	ctx.Debug("Connecting")
	go func() {
		tr, err := c.dialer.Dial(c.dialCtx, c.config.Host, c.config.Port)
		if !c.do(func() { c.connectDone(pending, tr, err) }) && tr != nil {
			tr.Destroy()
		}
	}()
}

func (c *Connection) connectDone(pending *token.Token[struct{}], tr transport.Transport, err error) {
	if pending != c.connected || pending.Settled() {
		if tr != nil {
			tr.Destroy()
		}
		c.ctx.Debug("Discarding result of stale connect attempt")
		return
	}

	if err != nil {
		connectAttempts.WithLabelValues("failure").Inc()
		c.attempts++
		ctx := c.ctx.WithError(err).WithField("Attempt", c.attempts)
		if limit := c.config.MaxConnectionAttempts; limit > 0 && c.attempts >= limit {
			ctx.Error("Could not connect to AMQP")
			pending.Reject(fault.NewFatal("could not connect to %s after %d attempts", c.config.Address(), c.attempts))
			c.connected = nil
			return
		}
		ctx.Warnf("Could not connect to AMQP. Retrying in %s...", c.config.ReconnectWaitTime)
		c.retry = c.clock.NewTimer(c.config.ReconnectWaitTime)
		return
	}

	connectAttempts.WithLabelValues("success").Inc()
	c.transport = tr
	c.incoming = tr.Messages()
	c.out.set(tr)
	c.registry.Reset()
	openChannels.Set(0)

	control := c.control(types.ControlChannel, c.out)
	c.registry.Put(control)
	control.Open().Then(func(_ struct{}, err error) {
		c.do(func() { c.handshakeDone(pending, err) })
	})
	c.ctx.WithField("Address", c.config.Address()).Debug("Transport connected, waiting for handshake")
}

func (c *Connection) handshakeDone(pending *token.Token[struct{}], err error) {
	if pending != c.connected || pending.Settled() {
		return
	}
	if err != nil {
		c.handleFault(fault.From(err))
		return
	}
	pending.Resolve(struct{}{})
	c.ctx.WithField("Address", c.config.Address()).Info("Connected")
}
