// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"github.com/TheThingsNetwork/amqp-core/channel"
	"github.com/TheThingsNetwork/amqp-core/fault"
	"github.com/TheThingsNetwork/amqp-core/token"
)

// Channel opens the connection if needed and then opens a new channel on the
// smallest free ID. The token resolves with the channel once its own open
// handshake completes. It is rejected with a *fault.Capacity if the channel
// limit is reached or no ID is free.
func (c *Connection) Channel() *token.Token[channel.Unit] {
	result := token.New[channel.Unit]()
	c.Open().Then(func(_ struct{}, err error) {
		if err != nil {
			result.Reject(err)
			return
		}
		if !c.do(func() { c.allocate(result) }) {
			result.Reject(ErrStopped)
		}
	})
	return result
}

func (c *Connection) allocate(result *token.Token[channel.Unit]) {
	if c.transport == nil || c.closed != nil || c.handshaking() {
		result.Reject(ErrNotConnected)
		return
	}
	c.registry.Sweep()
	u, err := c.registry.Allocate(func(id uint16) channel.Unit {
		return c.factory(id, c.out)
	})
	if err != nil {
		c.handleFault(fault.From(err))
		result.Reject(err)
		return
	}
	openChannels.Set(float64(c.registry.UserLen()))
	c.ctx.WithField("ChannelID", u.ID()).Debug("Opening channel")
	u.Open().Then(func(_ struct{}, err error) {
		if err != nil {
			c.do(func() { c.release(u) })
			result.Reject(err)
			return
		}
		result.Resolve(u)
	})
}

// release removes a unit if it is still the one registered under its ID
func (c *Connection) release(u channel.Unit) {
	if c.registry.Get(u.ID()) != u {
		return
	}
	c.registry.Remove(u.ID())
	openChannels.Set(float64(c.registry.UserLen()))
}
