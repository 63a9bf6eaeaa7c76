// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package frame

import (
	"strings"

	"github.com/TheThingsNetwork/amqp-core/types"
)

// Start is the decoded connection.start method
type Start struct {
	VersionMajor uint8
	VersionMinor uint8
	Properties   []byte
	Mechanisms   string
	Locales      string
}

// SupportsMechanism returns true if the server offered the given SASL mechanism
func (s *Start) SupportsMechanism(name string) bool {
	for _, m := range strings.Fields(s.Mechanisms) {
		if m == name {
			return true
		}
	}
	return false
}

// DecodeStart decodes connection.start
func DecodeStart(m *types.Method) (*Start, error) {
	a := NewArgs(m.Args)
	s := &Start{
		VersionMajor: a.Octet(),
		VersionMinor: a.Octet(),
		Properties:   a.Table(),
		Mechanisms:   string(a.LongString()),
		Locales:      string(a.LongString()),
	}
	return s, a.Err()
}

// StartOk encodes connection.start-ok
func StartOk(properties []byte, mechanism string, response []byte, locale string) *types.Method {
	args := NewBuilder().Table(properties).ShortString(mechanism).LongString(response).ShortString(locale)
	return &types.Method{ClassID: types.ClassConnection, MethodID: types.ConnectionStartOk, Args: args.Bytes()}
}

// DecodeSecure decodes the challenge of connection.secure
func DecodeSecure(m *types.Method) ([]byte, error) {
	a := NewArgs(m.Args)
	challenge := a.LongString()
	return challenge, a.Err()
}

// SecureOk encodes connection.secure-ok
func SecureOk(response []byte) *types.Method {
	args := NewBuilder().LongString(response)
	return &types.Method{ClassID: types.ClassConnection, MethodID: types.ConnectionSecureOk, Args: args.Bytes()}
}

// Tune holds the parameters of connection.tune and connection.tune-ok
type Tune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

// DecodeTune decodes connection.tune
func DecodeTune(m *types.Method) (*Tune, error) {
	a := NewArgs(m.Args)
	t := &Tune{
		ChannelMax: a.Short(),
		FrameMax:   a.Long(),
		Heartbeat:  a.Short(),
	}
	return t, a.Err()
}

// TuneOk encodes connection.tune-ok
func TuneOk(t Tune) *types.Method {
	args := NewBuilder().Short(t.ChannelMax).Long(t.FrameMax).Short(t.Heartbeat)
	return &types.Method{ClassID: types.ClassConnection, MethodID: types.ConnectionTuneOk, Args: args.Bytes()}
}

// Open encodes connection.open
func Open(vhost string) *types.Method {
	args := NewBuilder().ShortString(vhost).ShortString("").Bit(false)
	return &types.Method{ClassID: types.ClassConnection, MethodID: types.ConnectionOpen, Args: args.Bytes()}
}

// Close holds the arguments of connection.close and channel.close
type Close struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

// DecodeClose decodes connection.close or channel.close
func DecodeClose(m *types.Method) (*Close, error) {
	a := NewArgs(m.Args)
	c := &Close{
		ReplyCode: a.Short(),
		ReplyText: a.ShortString(),
		ClassID:   a.Short(),
		MethodID:  a.Short(),
	}
	return c, a.Err()
}

func encodeClose(classID, methodID uint16, c Close) *types.Method {
	args := NewBuilder().Short(c.ReplyCode).ShortString(c.ReplyText).Short(c.ClassID).Short(c.MethodID)
	return &types.Method{ClassID: classID, MethodID: methodID, Args: args.Bytes()}
}

// ConnectionClose encodes connection.close
func ConnectionClose(c Close) *types.Method {
	return encodeClose(types.ClassConnection, types.ConnectionClose, c)
}

// ConnectionCloseOk encodes connection.close-ok
func ConnectionCloseOk() *types.Method {
	return &types.Method{ClassID: types.ClassConnection, MethodID: types.ConnectionCloseOk}
}

// DecodeBlocked decodes the reason of connection.blocked
func DecodeBlocked(m *types.Method) (string, error) {
	a := NewArgs(m.Args)
	reason := a.ShortString()
	return reason, a.Err()
}

// ChannelOpen encodes channel.open
func ChannelOpen() *types.Method {
	args := NewBuilder().ShortString("")
	return &types.Method{ClassID: types.ClassChannel, MethodID: types.ChannelOpen, Args: args.Bytes()}
}

// ChannelClose encodes channel.close
func ChannelClose(c Close) *types.Method {
	return encodeClose(types.ClassChannel, types.ChannelClose, c)
}

// ChannelCloseOk encodes channel.close-ok
func ChannelCloseOk() *types.Method {
	return &types.Method{ClassID: types.ClassChannel, MethodID: types.ChannelCloseOk}
}

// Method returns an envelope for a method on a channel
func Method(channel uint16, m *types.Method) *types.Envelope {
	return &types.Envelope{ChannelID: channel, Type: types.FrameMethod, Method: m}
}

// Heartbeat returns a heartbeat envelope on the given channel
func Heartbeat(channel uint16) *types.Envelope {
	return &types.Envelope{ChannelID: channel, Type: types.FrameHeartbeat}
}
