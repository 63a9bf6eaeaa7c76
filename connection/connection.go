// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package connection owns the transport to an AMQP broker and the channels
// multiplexed over it.
//
// All connection state is owned by a single goroutine. Public calls, frames
// read from the transport, dial results, the reconnect timer and the
// completion of channel handshakes are all turned into events on that
// goroutine, so nothing in here needs a lock except the Emitter that channel
// units write through.
//
// Faults are handled according to their kind:
// - Fatal and Connection faults are delivered to every channel, highest ID
//   first and channel 0 last, and then the connection is shut down
// - Channel faults are delivered to the affected channel, which is then removed
// - Capacity faults only reject the Channel call that caused them
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/TheThingsNetwork/amqp-core/channel"
	"github.com/TheThingsNetwork/amqp-core/registry"
	"github.com/TheThingsNetwork/amqp-core/token"
	"github.com/TheThingsNetwork/amqp-core/transport"
	"github.com/TheThingsNetwork/amqp-core/types"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Errors returned through tokens
var (
	ErrStopped      = errors.New("connection stopped")
	ErrClosed       = errors.New("connection closed")
	ErrNotConnected = errors.New("not connected")
)

// Option configures a Connection
type Option func(*Connection)

// WithDialer sets the dialer used to reach the broker
func WithDialer(dialer transport.Dialer) Option {
	return func(c *Connection) { c.dialer = dialer }
}

// WithClock sets the clock used for the reconnect delay
func WithClock(clk clock.Clock) Option {
	return func(c *Connection) { c.clock = clk }
}

// WithFactory sets the factory for user channels
func WithFactory(factory channel.Factory) Option {
	return func(c *Connection) { c.factory = factory }
}

// WithControl sets the factory for channel 0
func WithControl(factory channel.Factory) Option {
	return func(c *Connection) { c.control = factory }
}

// WithIDSet sets where the registry keeps the live channel IDs
func WithIDSet(ids registry.IDSet) Option {
	return func(c *Connection) { c.ids = ids }
}

// Connection to an AMQP broker
type Connection struct {
	ctx     log.Interface
	config  Config
	dialer  transport.Dialer
	clock   clock.Clock
	factory channel.Factory
	control channel.Factory
	ids     registry.IDSet
	out     *outbound

	events   chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	dialCtx  context.Context
	cancel   context.CancelFunc

	// Only touched by the loop
	registry  *registry.Registry
	transport transport.Transport
	incoming  <-chan *types.Envelope
	attempts  int
	connected *token.Token[struct{}]
	closed    *token.Token[struct{}]
	retry     clock.Timer

	// returned by Close while there is no transport
	idle *token.Token[struct{}]
}

// New returns a new Connection and starts its event loop. It does not connect; call Open for that.
func New(config Config, ctx log.Interface, opts ...Option) *Connection {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.ReconnectWaitTime == 0 {
		config.ReconnectWaitTime = ConnectRetryDelay
	}
	c := &Connection{
		ctx: ctx.WithFields(log.Fields{
			"Connector":    "AMQP",
			"ConnectionID": uuid.New().String(),
		}),
		config:  config,
		clock:   clock.NewClock(),
		out:     new(outbound),
		events:  make(chan func()),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		idle:    token.Resolved(struct{}{}),
	}
	c.dialCtx, c.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		frameMax := config.FrameMax
		if frameMax == 0 {
			frameMax = channel.DefaultFrameMax
		}
		c.dialer = &transport.TCP{
			TLSConfig:    config.TLSConfig,
			Timeout:      DialTimeout,
			MaxFrameSize: frameMax,
		}
	}
	if c.factory == nil {
		c.factory = func(id uint16, out channel.Emitter) channel.Unit {
			return channel.New(id, out, c.ctx)
		}
	}
	if c.control == nil {
		c.control = func(_ uint16, out channel.Emitter) channel.Unit {
			return channel.NewControl(channel.ControlConfig{
				VHost:      c.config.VHost,
				Auth:       c.config.mechanisms(),
				ChannelMax: c.config.channelMax(),
				FrameMax:   c.config.FrameMax,
				Heartbeat:  c.config.Heartbeat,
			}, out, c.ctx)
		}
	}
	c.registry = registry.New(config.ChannelMax, c.ids)
	go c.run()
	return c
}

func (c *Connection) run() {
	defer close(c.stopped)
	for {
		var retry <-chan time.Time
		if c.retry != nil {
			retry = c.retry.C()
		}
		select {
		case <-c.quit:
			c.teardown()
			return
		case fn := <-c.events:
			fn()
		case env, ok := <-c.incoming:
			if !ok {
				c.transportEnded()
				continue
			}
			c.route(env)
		case <-retry:
			c.retry = nil
			c.connect()
		}
	}
}

// do runs fn on the loop. It returns false if the loop is no longer running.
func (c *Connection) do(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// Stop ends the event loop and destroys the transport without a close handshake.
// Pending tokens are rejected with ErrStopped.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		close(c.quit)
	})
	<-c.stopped
}

func (c *Connection) teardown() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.transport != nil {
		c.transport.Destroy()
		c.transport, c.incoming = nil, nil
		c.out.set(nil)
	}
	for _, u := range c.registry.Descending() {
		u.Opened().Reject(ErrStopped)
		u.Closed().Reject(ErrStopped)
	}
	c.registry.Reset()
	if c.connected != nil {
		c.connected.Reject(ErrStopped)
	}
	if c.closed != nil {
		c.closed.Reject(ErrStopped)
	}
	openChannels.Set(0)
	c.ctx.Debug("Stopped")
}

// ChannelIDs returns the IDs of the registered channels, including channel 0
func (c *Connection) ChannelIDs() []uint16 {
	result := make(chan []uint16, 1)
	if !c.do(func() { result <- c.registry.IDs() }) {
		return nil
	}
	return <-result
}
