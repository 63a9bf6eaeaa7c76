// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package auth provides the SASL credentials that channel 0 presents during the
// connection handshake.
package auth

import (
	"errors"
	"strings"

	"github.com/streadway/amqp"
)

// Interface for SASL authentication
type Interface interface {
	// Mechanism returns the SASL mechanism name, such as PLAIN
	Mechanism() string
	// Response returns the initial response sent in connection.start-ok
	Response() ([]byte, error)
}

// ErrNoMechanism is returned when the server supports none of the configured mechanisms
var ErrNoMechanism = errors.New("No supported SASL mechanism")

// ErrNoCredentials is returned when PLAIN is used without a username
var ErrNoCredentials = errors.New("No credentials for PLAIN authentication")

// Plain implements the PLAIN mechanism
type Plain struct {
	Username string
	Password string
}

// NewPlain returns PLAIN credentials
func NewPlain(username, password string) Interface {
	return &Plain{Username: username, Password: password}
}

// Mechanism implements Interface
func (p *Plain) Mechanism() string {
	return "PLAIN"
}

// Response implements Interface
func (p *Plain) Response() ([]byte, error) {
	if p.Username == "" {
		return nil, ErrNoCredentials
	}
	return []byte((&amqp.PlainAuth{Username: p.Username, Password: p.Password}).Response()), nil
}

// External implements the EXTERNAL mechanism, where the identity comes from the TLS client certificate
type External struct{}

// NewExternal returns EXTERNAL credentials
func NewExternal() Interface {
	return External{}
}

// Mechanism implements Interface
func (External) Mechanism() string {
	return "EXTERNAL"
}

// Response implements Interface
func (External) Response() ([]byte, error) {
	return []byte{}, nil
}

// Select returns the first candidate whose mechanism is in the space separated list the server offered
func Select(serverMechanisms string, candidates ...Interface) (Interface, error) {
	offered := strings.Fields(serverMechanisms)
	for _, candidate := range candidates {
		for _, mechanism := range offered {
			if candidate.Mechanism() == mechanism {
				return candidate, nil
			}
		}
	}
	return nil, ErrNoMechanism
}
