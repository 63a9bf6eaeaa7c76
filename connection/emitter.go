// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"sync"

	"github.com/TheThingsNetwork/amqp-core/transport"
	"github.com/TheThingsNetwork/amqp-core/types"
)

// outbound is the Emitter handed to every channel unit. Units may write from
// any goroutine, so it keeps its own reference to the live transport.
type outbound struct {
	mu sync.Mutex
	tr transport.Transport
}

func (o *outbound) set(tr transport.Transport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tr = tr
}

func (o *outbound) WriteMessage(channelID uint16, m *types.Method) error {
	o.mu.Lock()
	tr := o.tr
	o.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}
	return tr.Write(channelID, m)
}
