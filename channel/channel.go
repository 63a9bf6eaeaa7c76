// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package channel

import (
	"sync"

	"github.com/TheThingsNetwork/amqp-core/fault"
	"github.com/TheThingsNetwork/amqp-core/frame"
	"github.com/TheThingsNetwork/amqp-core/token"
	"github.com/TheThingsNetwork/amqp-core/types"
	"github.com/apex/log"
)

// BufferSize indicates the maximum number of deliveries that should be buffered per channel
var BufferSize = 10

// Channel is a user channel. Methods it does not handle itself are passed on through Deliveries.
type Channel struct {
	id  uint16
	ctx log.Interface
	out Emitter

	opened *token.Token[struct{}]
	closed *token.Token[struct{}]

	mu         sync.Mutex
	closing    bool
	done       bool
	deliveries chan *types.Envelope
}

// New returns the unit for a user channel
func New(id uint16, out Emitter, ctx log.Interface) *Channel {
	c := &Channel{
		id:         id,
		ctx:        ctx.WithField("Channel", id),
		out:        out,
		opened:     token.New[struct{}](),
		closed:     token.New[struct{}](),
		deliveries: make(chan *types.Envelope, BufferSize),
	}
	c.closed.Then(func(struct{}, error) { c.finish() })
	return c
}

// ID implements Unit
func (c *Channel) ID() uint16 { return c.id }

// Opened implements Unit
func (c *Channel) Opened() *token.Token[struct{}] { return c.opened }

// Closed implements Unit
func (c *Channel) Closed() *token.Token[struct{}] { return c.closed }

// LastHandshakeMessage implements Unit. User channels have no connection handshake.
func (c *Channel) LastHandshakeMessage() *types.Method { return nil }

// Deliveries returns the messages for this channel. It is closed when the channel closes.
func (c *Channel) Deliveries() <-chan *types.Envelope {
	return c.deliveries
}

// Open implements Unit
func (c *Channel) Open() *token.Token[struct{}] {
	if err := c.out.WriteMessage(c.id, frame.ChannelOpen()); err != nil {
		c.opened.Reject(err)
	}
	return c.opened
}

// Close implements Unit
func (c *Channel) Close() *token.Token[struct{}] {
	c.mu.Lock()
	if c.closing || c.closed.Settled() {
		c.mu.Unlock()
		return c.closed
	}
	c.closing = true
	c.mu.Unlock()

	c.opened.Reject(ErrClosed)
	err := c.out.WriteMessage(c.id, frame.ChannelClose(frame.Close{
		ReplyCode: fault.ReplySuccess,
		ReplyText: "Goodbye",
	}))
	if err != nil {
		c.ctx.WithError(err).Debug("Could not send channel.close")
		c.closed.Reject(err)
	}
	return c.closed
}

// HandleMessage implements Unit
func (c *Channel) HandleMessage(env *types.Envelope) error {
	switch {
	case env.IsMethod(types.ClassChannel, types.ChannelOpenOk):
		if c.opened.Resolve(struct{}{}) {
			c.ctx.Debug("Opened")
		}
		return nil
	case env.IsMethod(types.ClassChannel, types.ChannelCloseOk):
		if c.closed.Resolve(struct{}{}) {
			c.ctx.Debug("Closed")
		}
		return nil
	case env.IsMethod(types.ClassChannel, types.ChannelClose):
		req, err := frame.DecodeClose(env.Method)
		if err != nil {
			return err
		}
		if err := c.out.WriteMessage(c.id, frame.ChannelCloseOk()); err != nil {
			c.ctx.WithError(err).Warn("Could not acknowledge channel.close")
		}
		return fault.NewChannel(c.id, req.ReplyCode, req.ReplyText, req.ClassID, req.MethodID)
	}
	c.deliver(env)
	return nil
}

func (c *Channel) deliver(env *types.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	select {
	case c.deliveries <- env:
	default:
		c.ctx.Warn("Not delivering message [buffer full]")
	}
}

func (c *Channel) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		close(c.deliveries)
	}
}

// HandleException implements Unit
func (c *Channel) HandleException(f fault.Fault) {
	c.ctx.WithError(f).Debug("Channel exception")
	c.opened.Reject(f)
	c.closed.Reject(f)
}
