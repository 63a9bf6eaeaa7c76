// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package fault classifies the errors that drive connection and channel teardown.
//
// A Fault is one of *Fatal, *Connection, *Channel or *Capacity. The set is
// closed: only this package can add variants, so a type switch over the four
// of them is exhaustive.
package fault

import "fmt"

// Fault is a classified error condition
type Fault interface {
	error
	fault()
}

// Fatal is an unrecoverable protocol or transport condition. It always tears
// down the whole connection.
type Fatal struct {
	Reason string
	Code   ReplyCode
}

// NewFatal returns a Fatal fault
func NewFatal(format string, a ...interface{}) *Fatal {
	return &Fatal{Reason: fmt.Sprintf(format, a...), Code: Classify(0)}
}

func (f *Fatal) Error() string {
	if f.Code.Value != 0 {
		return fmt.Sprintf("fatal: %s (%s)", f.Reason, f.Code)
	}
	return "fatal: " + f.Reason
}

func (*Fatal) fault() {}

// Connection is a connection-scoped fault: a protocol violation or a close
// initiated by the peer
type Connection struct {
	Reason   string
	Code     ReplyCode
	ClassID  uint16
	MethodID uint16
}

// NewConnection returns a connection-scoped fault
func NewConnection(code uint16, reason string, classID, methodID uint16) *Connection {
	return &Connection{Reason: reason, Code: Classify(code), ClassID: classID, MethodID: methodID}
}

func (f *Connection) Error() string {
	return fmt.Sprintf("connection error %s: %s (class %d, method %d)", f.Code, f.Reason, f.ClassID, f.MethodID)
}

func (*Connection) fault() {}

// Channel is a fault attributable to a single channel
type Channel struct {
	ChannelID uint16
	Reason    string
	Code      ReplyCode
	ClassID   uint16
	MethodID  uint16
}

// NewChannel returns a channel-scoped fault
func NewChannel(channelID uint16, code uint16, reason string, classID, methodID uint16) *Channel {
	return &Channel{ChannelID: channelID, Reason: reason, Code: Classify(code), ClassID: classID, MethodID: methodID}
}

func (f *Channel) Error() string {
	return fmt.Sprintf("channel %d error %s: %s (class %d, method %d)", f.ChannelID, f.Code, f.Reason, f.ClassID, f.MethodID)
}

func (*Channel) fault() {}

// Capacity is a local resource limit hit while allocating a channel
type Capacity struct {
	Reason    string
	Exhausted bool // no free identifier, as opposed to the configured limit
}

// NewLimitReached returns the fault for a channel limit that is already used up
func NewLimitReached(limit int) *Capacity {
	return &Capacity{Reason: fmt.Sprintf("channel limit of %d reached", limit)}
}

// NewExhausted returns the fault for a fully used channel id space
func NewExhausted() *Capacity {
	return &Capacity{Reason: "no free channel identifier", Exhausted: true}
}

func (f *Capacity) Error() string {
	return "capacity: " + f.Reason
}

func (*Capacity) fault() {}

// Kind returns a short name of the fault variant
func Kind(f Fault) string {
	switch f.(type) {
	case *Fatal:
		return "fatal"
	case *Connection:
		return "connection"
	case *Channel:
		return "channel"
	case *Capacity:
		return "capacity"
	}
	return "unknown"
}

// From turns any error into a Fault. Errors that already are a Fault are returned as-is,
// other errors become a Fatal fault.
func From(err error) Fault {
	if err == nil {
		return nil
	}
	if f, ok := err.(Fault); ok {
		return f
	}
	return &Fatal{Reason: err.Error(), Code: Classify(0)}
}
