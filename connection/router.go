// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"github.com/TheThingsNetwork/amqp-core/fault"
	"github.com/TheThingsNetwork/amqp-core/frame"
	"github.com/TheThingsNetwork/amqp-core/types"
	"github.com/streadway/amqp"
)

// route dispatches one frame from the transport. Faults never escape it.
func (c *Connection) route(env *types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.handleFault(fault.NewFatal("panic while handling frame on channel %d: %v", env.ChannelID, r))
		}
	}()
	if f := c.dispatch(env); f != nil {
		c.handleFault(f)
	}
}

func (c *Connection) dispatch(env *types.Envelope) fault.Fault {
	id := env.ChannelID
	classID, methodID := env.ClassMethod()

	if env.IsHeartbeat() && id != types.ControlChannel {
		return fault.NewConnection(amqp.CommandInvalid, "heartbeat on non-zero channel", 0, 0)
	}
	if id != types.ControlChannel && c.handshaking() {
		return fault.NewFatal("frame on channel %d before the connection was established", id)
	}
	if env.IsConnectionClass() && id != types.ControlChannel {
		return fault.NewConnection(amqp.CommandInvalid, "connection method on non-zero channel", classID, methodID)
	}

	u := c.registry.Get(id)
	if u == nil {
		droppedMessages.Inc()
		c.ctx.WithField("ChannelID", id).WithField("Method", env.Method.String()).Debug("Dropping frame for unknown channel")
		return nil
	}

	if env.IsMethod(types.ClassConnection, types.ConnectionClose) {
		req, err := frame.DecodeClose(env.Method)
		if err != nil {
			return fault.NewConnection(amqp.SyntaxError, err.Error(), classID, methodID)
		}
		if err := c.out.WriteMessage(types.ControlChannel, frame.ConnectionCloseOk()); err != nil {
			c.ctx.WithError(err).Warn("Could not acknowledge connection.close")
		}
		return fault.NewConnection(req.ReplyCode, req.ReplyText, req.ClassID, req.MethodID)
	}

	if err := u.HandleMessage(env); err != nil {
		if f, ok := err.(fault.Fault); ok {
			return f
		}
		if id == types.ControlChannel {
			return fault.NewFatal("channel 0: %s", err)
		}
		return fault.NewChannel(id, amqp.InternalError, err.Error(), classID, methodID)
	}

	if id != types.ControlChannel && u.Closed().Settled() {
		c.release(u)
	}

	if env.IsMethod(types.ClassConnection, types.ConnectionCloseOk) {
		for _, pending := range c.registry.Closing() {
			if pending.ID() != types.ControlChannel {
				pending.Closed().Resolve(struct{}{})
			}
		}
	}
	return nil
}

// transportEnded is called when the transport's frame stream is closed
func (c *Connection) transportEnded() {
	err := c.transport.Err()
	c.incoming = nil
	ctx := c.ctx
	if err != nil {
		ctx = ctx.WithError(err)
	}

	switch {
	case c.handshaking():
		var f *fault.Fatal
		last := c.registry.Get(types.ControlChannel)
		if last != nil && (last.LastHandshakeMessage().Is(types.ClassConnection, types.ConnectionStart) ||
			last.LastHandshakeMessage().Is(types.ClassConnection, types.ConnectionSecure)) {
			f = &fault.Fatal{Reason: "authentication failure", Code: fault.Classify(amqp.AccessRefused)}
		} else {
			f = fault.NewFatal("connection lost during handshake")
		}
		ctx.Warn("Transport ended during handshake")
		c.handleFault(f)
	case c.closed != nil:
		ctx.Debug("Transport ended during shutdown")
	default:
		ctx.Warn("Transport ended")
		if err != nil {
			c.handleFault(fault.NewFatal("connection lost: %s", err))
		} else {
			c.handleFault(fault.NewFatal("connection lost"))
		}
	}

	// Nothing can acknowledge a close anymore
	for _, u := range c.registry.Descending() {
		u.Closed().Resolve(struct{}{})
	}
}
