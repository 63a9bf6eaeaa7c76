// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"github.com/TheThingsNetwork/amqp-core/fault"
)

func (c *Connection) handleFault(f fault.Fault) {
	ctx := c.ctx.WithField("Kind", fault.Kind(f)).WithError(f)
	if c.closed != nil {
		ctx.Debug("Ignoring fault during shutdown")
		return
	}
	faultCounter.WithLabelValues(fault.Kind(f)).Inc()

	if c.handshaking() {
		ctx.Warn("Handshake failed")
		for _, u := range c.registry.Descending() {
			u.HandleException(f)
		}
		c.registry.Reset()
		c.connected.Reject(f)
		c.shutdown()
		return
	}

	switch f := f.(type) {
	case *fault.Fatal, *fault.Connection:
		ctx.Error("Connection failed")
		for _, u := range c.registry.Descending() {
			u.HandleException(f)
		}
		c.shutdown()
	case *fault.Channel:
		u := c.registry.Get(f.ChannelID)
		if u == nil {
			ctx.Debug("Fault for unknown channel")
			return
		}
		ctx.WithField("ChannelID", f.ChannelID).Warn("Channel failed")
		u.HandleException(f)
		c.release(u)
	case *fault.Capacity:
		ctx.Warn("Could not allocate channel")
	}
}
