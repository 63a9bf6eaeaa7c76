// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/TheThingsNetwork/amqp-core/frame"
	"github.com/TheThingsNetwork/amqp-core/types"
	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/pkg/errors"
)

// BufferSize indicates the maximum number of decoded frames that should be buffered
var BufferSize = 64

// TCP dials brokers over TCP, optionally with TLS
type TCP struct {
	TLSConfig    *tls.Config
	Timeout      time.Duration
	MaxFrameSize uint32 // 0 is unlimited
}

// Dial implements Dialer
func (d *TCP) Dial(ctx context.Context, host string, port int) (Transport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial %s", addr)
	}
	if d.TLSConfig != nil {
		config := d.TLSConfig.Clone()
		if config.ServerName == "" {
			config.ServerName = host
		}
		tlsConn := tls.Client(conn, config)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "TLS handshake with %s failed", addr)
		}
		conn = tlsConn
	}
	s, err := newStream(conn, d.MaxFrameSize)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "could not start AMQP stream with %s", addr)
	}
	return s, nil
}

type stream struct {
	conn net.Conn
	log  log.Interface

	wmu    sync.Mutex
	writer *frame.Writer

	messages chan *types.Envelope
	done     chan struct{}
	once     sync.Once

	emu sync.Mutex
	err error
}

func newStream(conn net.Conn, maxFrameSize uint32) (*stream, error) {
	s := &stream{
		conn:     conn,
		log:      log.Get().WithField("Remote", conn.RemoteAddr().String()),
		writer:   frame.NewWriter(conn),
		messages: make(chan *types.Envelope, BufferSize),
		done:     make(chan struct{}),
	}
	if err := s.writer.WriteProtocolHeader(); err != nil {
		return nil, err
	}
	if err := s.writer.Flush(); err != nil {
		return nil, err
	}
	go s.read(frame.NewReader(conn, maxFrameSize))
	return s, nil
}

func (s *stream) read(reader *frame.Reader) {
	defer close(s.messages)
	for {
		env, err := reader.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				s.log.Debug("Stream closed")
			default:
				if err == io.EOF {
					err = errors.New("connection closed by peer")
				}
				s.log.WithError(err).Warn("Stream ended")
				s.setErr(err)
			}
			return
		}
		select {
		case s.messages <- env:
		case <-s.done:
			return
		}
	}
}

func (s *stream) setErr(err error) {
	s.emu.Lock()
	defer s.emu.Unlock()
	s.err = err
}

func (s *stream) Messages() <-chan *types.Envelope {
	return s.messages
}

func (s *stream) Err() error {
	s.emu.Lock()
	defer s.emu.Unlock()
	return s.err
}

func (s *stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) Write(channelID uint16, m *types.Method) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed() {
		return ErrClosed
	}
	if err := s.writer.WriteMethod(channelID, m); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *stream) WriteHeartbeat() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed() {
		return ErrClosed
	}
	if err := s.writer.WriteHeartbeat(); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *stream) Flush() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed() {
		return nil
	}
	return s.writer.Flush()
}

func (s *stream) Close() (err error) {
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return
}

func (s *stream) Destroy() {
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	s.Close()
}
