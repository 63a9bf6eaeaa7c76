// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package frame reads and writes AMQP 0-9-1 frames.
//
// A frame on the wire is a 7 byte header (type, channel, size), the payload and
// the frame-end octet 0xCE. Method frames are decoded into a class ID, a method
// ID and the still-encoded arguments.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/TheThingsNetwork/amqp-core/types"
)

// ProtocolHeader is sent by the client when the socket is opened
var ProtocolHeader = []byte("AMQP\x00\x00\x09\x01")

// End is the frame-end octet
const End = 0xCE

// MinSize is the frame size that every peer must accept before tuning
const MinSize = 4096

// Limit bounds the frame size of a Reader without MaxSize
var Limit uint32 = 64 << 20

const headerSize = 7

// Errors returned by the Reader
var (
	ErrFrameEnd  = errors.New("frame: missing frame-end octet")
	ErrFrameType = errors.New("frame: unknown frame type")
)

// Reader decodes frames from a byte stream
type Reader struct {
	r       *bufio.Reader
	MaxSize uint32
}

// NewReader returns a Reader that accepts frames of at most maxSize bytes (0 is unlimited)
func NewReader(r io.Reader, maxSize uint32) *Reader {
	return &Reader{r: bufio.NewReader(r), MaxSize: maxSize}
}

// ReadFrame reads the next frame
func (r *Reader) ReadFrame() (*types.Envelope, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}
	typ := types.FrameType(header[0])
	channel := binary.BigEndian.Uint16(header[1:3])
	size := binary.BigEndian.Uint32(header[3:7])
	limit := r.MaxSize
	if limit == 0 {
		limit = Limit
	}
	if uint64(size)+headerSize+1 > uint64(limit) {
		return nil, fmt.Errorf("frame: size %d exceeds maximum of %d", size, limit)
	}
	payload := make([]byte, size+1)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, err
	}
	if payload[size] != End {
		return nil, ErrFrameEnd
	}
	payload = payload[:size]

	env := &types.Envelope{ChannelID: channel, Type: typ}
	switch typ {
	case types.FrameMethod:
		if len(payload) < 4 {
			return nil, fmt.Errorf("frame: method payload of %d bytes is too short", len(payload))
		}
		env.Method = &types.Method{
			ClassID:  binary.BigEndian.Uint16(payload[0:2]),
			MethodID: binary.BigEndian.Uint16(payload[2:4]),
			Args:     payload[4:],
		}
	case types.FrameHeader, types.FrameBody, types.FrameHeartbeat:
		env.Payload = payload
	default:
		return nil, ErrFrameType
	}
	return env, nil
}

// Writer encodes frames to a byte stream. It buffers; call Flush to send.
type Writer struct {
	w *bufio.Writer
}

// NewWriter returns a new Writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteProtocolHeader writes the AMQP 0-9-1 protocol header
func (w *Writer) WriteProtocolHeader() error {
	_, err := w.w.Write(ProtocolHeader)
	return err
}

// WriteMethod writes a method frame on the given channel
func (w *Writer) WriteMethod(channel uint16, m *types.Method) error {
	payload := make([]byte, 4+len(m.Args))
	binary.BigEndian.PutUint16(payload[0:2], m.ClassID)
	binary.BigEndian.PutUint16(payload[2:4], m.MethodID)
	copy(payload[4:], m.Args)
	return w.write(types.FrameMethod, channel, payload)
}

// WriteHeartbeat writes a heartbeat frame on channel 0
func (w *Writer) WriteHeartbeat() error {
	return w.write(types.FrameHeartbeat, types.ControlChannel, nil)
}

// WriteEnvelope writes any envelope
func (w *Writer) WriteEnvelope(env *types.Envelope) error {
	if env.Type == types.FrameMethod {
		return w.WriteMethod(env.ChannelID, env.Method)
	}
	return w.write(env.Type, env.ChannelID, env.Payload)
}

func (w *Writer) write(typ types.FrameType, channel uint16, payload []byte) error {
	var header [headerSize]byte
	header[0] = byte(typ)
	binary.BigEndian.PutUint16(header[1:3], channel)
	binary.BigEndian.PutUint32(header[3:7], uint32(len(payload)))
	if _, err := w.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	return w.w.WriteByte(End)
}

// Flush sends buffered frames
func (w *Writer) Flush() error {
	return w.w.Flush()
}
