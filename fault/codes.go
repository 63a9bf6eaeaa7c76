// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package fault

import "github.com/streadway/amqp"

// ReplySuccess is the reply code of an orderly close
const ReplySuccess = 200

// ReplyCode is a numeric AMQP reply code with its symbolic name
type ReplyCode struct {
	Value uint16
	Name  string
}

func (c ReplyCode) String() string {
	return c.Name
}

// Hard returns true for codes that, per AMQP, close the whole connection
func (c ReplyCode) Hard() bool {
	_, ok := hardCodes[c.Value]
	return ok
}

var codeNames = map[uint16]string{
	ReplySuccess:            "REPLY_SUCCESS",
	amqp.ContentTooLarge:    "CONTENT_TOO_LARGE",
	amqp.NoRoute:            "NO_ROUTE",
	amqp.NoConsumers:        "NO_CONSUMERS",
	amqp.ConnectionForced:   "CONNECTION_FORCED",
	amqp.InvalidPath:        "INVALID_PATH",
	amqp.AccessRefused:      "ACCESS_REFUSED",
	amqp.NotFound:           "NOT_FOUND",
	amqp.ResourceLocked:     "RESOURCE_LOCKED",
	amqp.PreconditionFailed: "PRECONDITION_FAILED",
	amqp.FrameError:         "FRAME_ERROR",
	amqp.SyntaxError:        "SYNTAX_ERROR",
	amqp.CommandInvalid:     "COMMAND_INVALID",
	amqp.ChannelError:       "CHANNEL_ERROR",
	amqp.UnexpectedFrame:    "UNEXPECTED_FRAME",
	amqp.ResourceError:      "RESOURCE_ERROR",
	amqp.NotAllowed:         "NOT_ALLOWED",
	amqp.NotImplemented:     "NOT_IMPLEMENTED",
	amqp.InternalError:      "INTERNAL_ERROR",
}

var hardCodes = map[uint16]struct{}{
	amqp.ConnectionForced: {},
	amqp.InvalidPath:      {},
	amqp.FrameError:       {},
	amqp.SyntaxError:      {},
	amqp.CommandInvalid:   {},
	amqp.ChannelError:     {},
	amqp.UnexpectedFrame:  {},
	amqp.ResourceError:    {},
	amqp.NotAllowed:       {},
	amqp.NotImplemented:   {},
	amqp.InternalError:    {},
}

// Classify maps a numeric reply code to its symbolic classification.
// Zero and unknown codes are classified as UNKNOWN.
func Classify(code uint16) ReplyCode {
	if name, ok := codeNames[code]; ok {
		return ReplyCode{Value: code, Name: name}
	}
	return ReplyCode{Value: code, Name: "UNKNOWN"}
}
