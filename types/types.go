// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import "fmt"

// FrameType is the type octet of an AMQP frame
type FrameType uint8

// Frame types
const (
	FrameMethod    FrameType = 1
	FrameHeader    FrameType = 2
	FrameBody      FrameType = 3
	FrameHeartbeat FrameType = 8
)

func (t FrameType) String() string {
	switch t {
	case FrameMethod:
		return "method"
	case FrameHeader:
		return "header"
	case FrameBody:
		return "body"
	case FrameHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

// Class IDs
const (
	ClassConnection uint16 = 10
	ClassChannel    uint16 = 20
	ClassExchange   uint16 = 40
	ClassQueue      uint16 = 50
	ClassBasic      uint16 = 60
	ClassConfirm    uint16 = 85
	ClassTx         uint16 = 90
)

// Connection method IDs
const (
	ConnectionStart     uint16 = 10
	ConnectionStartOk   uint16 = 11
	ConnectionSecure    uint16 = 20
	ConnectionSecureOk  uint16 = 21
	ConnectionTune      uint16 = 30
	ConnectionTuneOk    uint16 = 31
	ConnectionOpen      uint16 = 40
	ConnectionOpenOk    uint16 = 41
	ConnectionClose     uint16 = 50
	ConnectionCloseOk   uint16 = 51
	ConnectionBlocked   uint16 = 60
	ConnectionUnblocked uint16 = 61
)

// Channel method IDs
const (
	ChannelOpen    uint16 = 10
	ChannelOpenOk  uint16 = 11
	ChannelFlow    uint16 = 20
	ChannelFlowOk  uint16 = 21
	ChannelClose   uint16 = 40
	ChannelCloseOk uint16 = 41
)

// ControlChannel is the channel that carries connection-level methods
const ControlChannel uint16 = 0

// MaxChannelID is the highest channel identifier that fits the frame header
const MaxChannelID uint16 = 65535

// Method is a decoded method frame payload. Args holds the still-encoded arguments.
type Method struct {
	ClassID  uint16
	MethodID uint16
	Args     []byte
}

// Is returns true if the method has the given class and method ID
func (m *Method) Is(classID, methodID uint16) bool {
	return m != nil && m.ClassID == classID && m.MethodID == methodID
}

func (m *Method) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d.%d", m.ClassID, m.MethodID)
}

// Envelope is a decoded frame together with the channel it was addressed to
type Envelope struct {
	ChannelID uint16
	Type      FrameType
	Method    *Method // only for FrameMethod
	Payload   []byte  // raw payload of header and body frames
}

// IsHeartbeat returns true for heartbeat frames
func (e *Envelope) IsHeartbeat() bool {
	return e.Type == FrameHeartbeat
}

// IsConnectionClass returns true for methods of the connection class
func (e *Envelope) IsConnectionClass() bool {
	return e.Type == FrameMethod && e.Method != nil && e.Method.ClassID == ClassConnection
}

// IsMethod returns true if the envelope carries the given method
func (e *Envelope) IsMethod(classID, methodID uint16) bool {
	return e.Type == FrameMethod && e.Method.Is(classID, methodID)
}

// ClassMethod returns the class and method ID of a method envelope, or 0/0 for other frames
func (e *Envelope) ClassMethod() (classID, methodID uint16) {
	if e.Type != FrameMethod || e.Method == nil {
		return 0, 0
	}
	return e.Method.ClassID, e.Method.MethodID
}
