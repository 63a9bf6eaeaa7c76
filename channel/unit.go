// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package channel contains the contract between the connection and the
// logical channels multiplexed over it, and the default implementations of
// channel 0 (Control) and user channels (Channel).
//
// The connection creates, stores and destroys units. A unit only holds an
// Emitter to send methods; it never changes the channel registry itself.
package channel

import (
	"errors"

	"github.com/TheThingsNetwork/amqp-core/fault"
	"github.com/TheThingsNetwork/amqp-core/token"
	"github.com/TheThingsNetwork/amqp-core/types"
)

// Emitter sends methods on behalf of a channel
type Emitter interface {
	WriteMessage(channelID uint16, m *types.Method) error
}

// Unit is one logical channel as seen by the connection
type Unit interface {
	ID() uint16

	// Open starts the channel's open handshake and returns the Opened token
	Open() *token.Token[struct{}]
	// Opened resolves when the open handshake completes
	Opened() *token.Token[struct{}]

	// Close starts the channel's close handshake and returns the Closed token
	Close() *token.Token[struct{}]
	// Closed settles when the channel is closed, whatever the reason
	Closed() *token.Token[struct{}]

	// HandleMessage is called for every envelope routed to this channel
	HandleMessage(env *types.Envelope) error
	// HandleException is called when a fault affects this channel
	HandleException(f fault.Fault)

	// LastHandshakeMessage returns the last handshake method the channel observed, if any
	LastHandshakeMessage() *types.Method
}

// Factory creates the unit for a channel ID
type Factory func(id uint16, out Emitter) Unit

// ErrClosed is returned when using a closed channel
var ErrClosed = errors.New("channel closed")
