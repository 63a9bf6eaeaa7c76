// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package transport opens the byte stream to a broker and turns it into a
// stream of decoded frames.
package transport

import (
	"context"
	"errors"

	"github.com/TheThingsNetwork/amqp-core/types"
)

// Dialer establishes transports
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Transport, error)
}

// Transport is an open connection to a broker
type Transport interface {
	// Messages returns the decoded frames in the order they were received.
	// The channel is closed when the transport ends; Err then tells why.
	Messages() <-chan *types.Envelope
	// Err returns the error that ended the transport, or nil if it was closed normally
	Err() error

	Write(channelID uint16, m *types.Method) error
	WriteHeartbeat() error

	// Flush, Close and Destroy are safe to call more than once and in any order
	Flush() error
	Close() error
	Destroy()
}

// ErrClosed is returned when writing to a closed transport
var ErrClosed = errors.New("transport closed")
