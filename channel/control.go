// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package channel

import (
	"fmt"
	"sync"

	"github.com/TheThingsNetwork/amqp-core/auth"
	"github.com/TheThingsNetwork/amqp-core/fault"
	"github.com/TheThingsNetwork/amqp-core/frame"
	"github.com/TheThingsNetwork/amqp-core/token"
	"github.com/TheThingsNetwork/amqp-core/types"
	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// DefaultFrameMax is the frame size requested when none is configured
var DefaultFrameMax uint32 = 131072

// ControlConfig contains the handshake parameters of channel 0
type ControlConfig struct {
	VHost      string
	Auth       []auth.Interface
	Locale     string
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16 // 0 disables heartbeats
}

// Control is channel 0. It runs the connection handshake and the connection close.
type Control struct {
	ctx    log.Interface
	config ControlConfig
	out    Emitter

	opened *token.Token[struct{}]
	closed *token.Token[struct{}]

	mu      sync.Mutex
	last    *types.Method
	tune    frame.Tune
	closing bool
}

// NewControl returns the unit for channel 0
func NewControl(config ControlConfig, out Emitter, ctx log.Interface) *Control {
	if config.Locale == "" {
		config.Locale = "en_US"
	}
	if config.FrameMax == 0 {
		config.FrameMax = DefaultFrameMax
	}
	return &Control{
		ctx:    ctx.WithField("Channel", types.ControlChannel),
		config: config,
		out:    out,
		opened: token.New[struct{}](),
		closed: token.New[struct{}](),
	}
}

// ID implements Unit
func (c *Control) ID() uint16 { return types.ControlChannel }

// Open implements Unit. The handshake is driven by the server's connection.start.
func (c *Control) Open() *token.Token[struct{}] { return c.opened }

// Opened implements Unit
func (c *Control) Opened() *token.Token[struct{}] { return c.opened }

// Closed implements Unit
func (c *Control) Closed() *token.Token[struct{}] { return c.closed }

// LastHandshakeMessage implements Unit
func (c *Control) LastHandshakeMessage() *types.Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Tuning returns the negotiated connection parameters
func (c *Control) Tuning() frame.Tune {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tune
}

func (c *Control) observe(m *types.Method) {
	c.mu.Lock()
	c.last = m
	c.mu.Unlock()
}

// HandleMessage implements Unit
func (c *Control) HandleMessage(env *types.Envelope) error {
	if env.IsHeartbeat() {
		return nil
	}
	if env.Type != types.FrameMethod {
		return fault.NewConnection(amqp.UnexpectedFrame, fmt.Sprintf("unexpected %s frame on channel 0", env.Type), 0, 0)
	}
	m := env.Method
	if m.ClassID != types.ClassConnection {
		return fault.NewConnection(amqp.CommandInvalid, fmt.Sprintf("unexpected method %s on channel 0", m), m.ClassID, m.MethodID)
	}
	switch m.MethodID {
	case types.ConnectionStart:
		c.observe(m)
		return c.handleStart(m)
	case types.ConnectionSecure:
		c.observe(m)
		return c.handleSecure(m)
	case types.ConnectionTune:
		c.observe(m)
		return c.handleTune(m)
	case types.ConnectionOpenOk:
		c.observe(m)
		if c.opened.Resolve(struct{}{}) {
			c.ctx.Debug("Handshake complete")
		}
	case types.ConnectionCloseOk:
		c.closed.Resolve(struct{}{})
	case types.ConnectionBlocked:
		reason, _ := frame.DecodeBlocked(m)
		c.ctx.WithField("Reason", reason).Warn("Connection blocked by server")
	case types.ConnectionUnblocked:
		c.ctx.Info("Connection unblocked by server")
	default:
		return fault.NewConnection(amqp.CommandInvalid, fmt.Sprintf("unexpected connection method %d", m.MethodID), m.ClassID, m.MethodID)
	}
	return nil
}

func (c *Control) handleStart(m *types.Method) error {
	start, err := frame.DecodeStart(m)
	if err != nil {
		return fault.NewConnection(amqp.SyntaxError, err.Error(), m.ClassID, m.MethodID)
	}
	if start.VersionMajor != 0 || start.VersionMinor != 9 {
		return fault.NewFatal("unsupported protocol version %d.%d", start.VersionMajor, start.VersionMinor)
	}
	mechanism, err := auth.Select(start.Mechanisms, c.config.Auth...)
	if err != nil {
		return fault.NewFatal("%s (server offers %q)", err, start.Mechanisms)
	}
	response, err := mechanism.Response()
	if err != nil {
		return fault.NewFatal("%s", err)
	}
	c.ctx.WithField("Mechanism", mechanism.Mechanism()).Debug("Authenticating")
	return c.out.WriteMessage(types.ControlChannel, frame.StartOk(nil, mechanism.Mechanism(), response, c.config.Locale))
}

func (c *Control) handleSecure(m *types.Method) error {
	if _, err := frame.DecodeSecure(m); err != nil {
		return fault.NewConnection(amqp.SyntaxError, err.Error(), m.ClassID, m.MethodID)
	}
	if len(c.config.Auth) == 0 {
		return fault.NewFatal("%s", auth.ErrNoMechanism)
	}
	response, err := c.config.Auth[0].Response()
	if err != nil {
		return fault.NewFatal("%s", err)
	}
	return c.out.WriteMessage(types.ControlChannel, frame.SecureOk(response))
}

func (c *Control) handleTune(m *types.Method) error {
	server, err := frame.DecodeTune(m)
	if err != nil {
		return fault.NewConnection(amqp.SyntaxError, err.Error(), m.ClassID, m.MethodID)
	}
	tune := frame.Tune{
		ChannelMax: uint16(pick(uint32(c.config.ChannelMax), uint32(server.ChannelMax))),
		FrameMax:   pick(c.config.FrameMax, server.FrameMax),
	}
	if c.config.Heartbeat != 0 {
		tune.Heartbeat = uint16(pick(uint32(c.config.Heartbeat), uint32(server.Heartbeat)))
	}
	c.mu.Lock()
	c.tune = tune
	c.mu.Unlock()
	c.ctx.WithFields(log.Fields{
		"ChannelMax": tune.ChannelMax,
		"FrameMax":   tune.FrameMax,
		"Heartbeat":  tune.Heartbeat,
	}).Debug("Tuned connection")
	if err := c.out.WriteMessage(types.ControlChannel, frame.TuneOk(tune)); err != nil {
		return err
	}
	return c.out.WriteMessage(types.ControlChannel, frame.Open(c.config.VHost))
}

// pick returns the lower of two limits where 0 means unlimited
func pick(client, server uint32) uint32 {
	if client == 0 || (server != 0 && server < client) {
		return server
	}
	return client
}

// Close implements Unit. It sends connection.close; connection.close-ok settles the Closed token.
func (c *Control) Close() *token.Token[struct{}] {
	c.mu.Lock()
	if c.closing || c.closed.Settled() {
		c.mu.Unlock()
		return c.closed
	}
	c.closing = true
	c.mu.Unlock()

	c.opened.Reject(ErrClosed)
	err := c.out.WriteMessage(types.ControlChannel, frame.ConnectionClose(frame.Close{
		ReplyCode: fault.ReplySuccess,
		ReplyText: "Goodbye",
	}))
	if err != nil {
		c.ctx.WithError(err).Debug("Could not send connection.close")
		c.closed.Reject(err)
	}
	return c.closed
}

// HandleException implements Unit
func (c *Control) HandleException(f fault.Fault) {
	c.ctx.WithError(f).Debug("Connection exception")
	c.opened.Reject(f)
	c.closed.Reject(f)
}
