// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package dummy implements an in-memory transport that can be driven from tests
package dummy

import (
	"context"
	"errors"
	"sync"

	"github.com/TheThingsNetwork/amqp-core/transport"
	"github.com/TheThingsNetwork/amqp-core/types"
	"github.com/apex/log"
)

// BufferSize indicates the maximum number of dummy frames that should be buffered
var BufferSize = 64

// ErrRefused is returned by a Dialer that is told to fail
var ErrRefused = errors.New("dummy: connection refused")

// Transport is an in-memory transport.Transport
type Transport struct {
	mu       sync.Mutex
	ctx      log.Interface
	messages chan *types.Envelope
	written  chan *types.Envelope
	ended    bool
	err      error
	writeErr error

	flushed   int
	closed    int
	destroyed int
}

// New returns a new dummy Transport
func New(ctx log.Interface) *Transport {
	return &Transport{
		ctx:      ctx.WithField("Transport", "Dummy"),
		messages: make(chan *types.Envelope, BufferSize),
		written:  make(chan *types.Envelope, BufferSize),
	}
}

// Inject makes the transport deliver a frame as if it was received
func (t *Transport) Inject(env *types.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		t.ctx.Debug("Did not inject frame [ended]")
		return
	}
	t.messages <- env
}

// End ends the transport with the given error
func (t *Transport) End(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.end(err)
}

func (t *Transport) end(err error) {
	if t.ended {
		return
	}
	t.ended = true
	t.err = err
	close(t.messages)
	ctx := t.ctx
	if err != nil {
		ctx = ctx.WithError(err)
	}
	ctx.Debug("Ended")
}

// FailWrites makes every following write fail with err
func (t *Transport) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Written returns the frames written to the transport, in order
func (t *Transport) Written() <-chan *types.Envelope {
	return t.written
}

// Closed returns the number of times Close was called
func (t *Transport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Destroyed returns the number of times Destroy was called
func (t *Transport) Destroyed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

// Flushed returns the number of times Flush was called
func (t *Transport) Flushed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushed
}

// Messages implements transport.Transport
func (t *Transport) Messages() <-chan *types.Envelope {
	return t.messages
}

// Err implements transport.Transport
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) write(env *types.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	if t.closed > 0 || t.destroyed > 0 {
		return transport.ErrClosed
	}
	select {
	case t.written <- env:
		t.ctx.WithField("ChannelID", env.ChannelID).Debug("Wrote frame")
	default:
		t.ctx.WithField("ChannelID", env.ChannelID).Debug("Did not record frame [buffer full]")
	}
	return nil
}

// Write implements transport.Transport
func (t *Transport) Write(channelID uint16, m *types.Method) error {
	return t.write(&types.Envelope{ChannelID: channelID, Type: types.FrameMethod, Method: m})
}

// WriteHeartbeat implements transport.Transport
func (t *Transport) WriteHeartbeat() error {
	return t.write(&types.Envelope{Type: types.FrameHeartbeat})
}

// Flush implements transport.Transport
func (t *Transport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushed++
	return nil
}

// Close implements transport.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	t.end(nil)
	return nil
}

// Destroy implements transport.Transport
func (t *Transport) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyed++
	t.end(nil)
}

// Dialer hands out dummy transports
type Dialer struct {
	mu       sync.Mutex
	ctx      log.Interface
	fail     int
	attempts int
	dialed   chan *Transport
}

// NewDialer returns a Dialer whose first `fail` attempts are refused. A negative value refuses every attempt.
func NewDialer(ctx log.Interface, fail int) *Dialer {
	return &Dialer{
		ctx:    ctx.WithField("Dialer", "Dummy"),
		fail:   fail,
		dialed: make(chan *Transport, BufferSize),
	}
}

// Fail changes the number of attempts that will be refused from now on
func (d *Dialer) Fail(fail int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

// Attempts returns the number of dial attempts so far
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// Dialed returns the transports handed out by the dialer
func (d *Dialer) Dialed() <-chan *Transport {
	return d.dialed
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, host string, port int) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	ctx2 := d.ctx.WithField("Attempt", d.attempts)
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		ctx2.Debug("Refused")
		return nil, ErrRefused
	}
	t := New(d.ctx)
	select {
	case d.dialed <- t:
	default:
	}
	ctx2.Debug("Dialed")
	return t, nil
}
