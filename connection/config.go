// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/TheThingsNetwork/amqp-core/auth"
)

var (
	// ConnectRetries says how many times the connection should try to connect before giving up
	ConnectRetries = 10
	// ConnectRetryDelay says how long the connection should wait between attempts
	ConnectRetryDelay = time.Second
	// DialTimeout bounds a single TCP connect
	DialTimeout = 10 * time.Second
	// DefaultPort is the AMQP port
	DefaultPort = 5672
)

// Config contains configuration for the connection
type Config struct {
	Host string
	Port int

	// MaxConnectionAttempts is the number of connect attempts before Open fails. 0 retries forever.
	MaxConnectionAttempts int
	// ReconnectWaitTime is the fixed delay between connect attempts
	ReconnectWaitTime time.Duration

	// ChannelMax is the maximum number of user channels. 0 is unbounded.
	ChannelMax int

	Username string
	Password string
	VHost    string
	// Auth overrides the mechanisms derived from Username, Password and TLSConfig
	Auth []auth.Interface

	FrameMax  uint32
	Heartbeat uint16

	TLSConfig *tls.Config
}

// DefaultConfig returns a Config for a local broker
func DefaultConfig() Config {
	return Config{
		Host:                  "localhost",
		Port:                  DefaultPort,
		MaxConnectionAttempts: ConnectRetries,
		ReconnectWaitTime:     ConnectRetryDelay,
		Username:              "guest",
		Password:              "guest",
		VHost:                 "/",
	}
}

// Address returns host:port
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) mechanisms() []auth.Interface {
	if len(c.Auth) > 0 {
		return c.Auth
	}
	var mechanisms []auth.Interface
	if c.TLSConfig != nil && len(c.TLSConfig.Certificates) > 0 {
		mechanisms = append(mechanisms, auth.NewExternal())
	}
	if c.Username != "" {
		mechanisms = append(mechanisms, auth.NewPlain(c.Username, c.Password))
	}
	return mechanisms
}

func (c Config) channelMax() uint16 {
	if c.ChannelMax <= 0 || c.ChannelMax > 65535 {
		return 0
	}
	return uint16(c.ChannelMax)
}
