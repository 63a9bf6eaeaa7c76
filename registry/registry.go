// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package registry maps channel identifiers to channel units.
//
// Channel 0 is reserved for the connection. User channels get the smallest free
// identifier in 1..65535, so identifiers are reused after a channel closes.
// A Registry is not safe for concurrent use; the connection owns it and only
// touches it from its processing loop.
package registry

import (
	"sort"

	"github.com/TheThingsNetwork/amqp-core/channel"
	"github.com/TheThingsNetwork/amqp-core/fault"
	"github.com/TheThingsNetwork/amqp-core/types"
	"github.com/deckarep/golang-set"
)

// Registry of channel units
type Registry struct {
	limit   int
	units   map[uint16]channel.Unit
	ids     IDSet
	closing mapset.Set
}

// New returns a Registry that allows at most limit user channels (0 is unbounded).
// If ids is nil, the live identifiers are only kept in memory.
func New(limit int, ids IDSet) *Registry {
	if ids == nil {
		ids = NewIDSet()
	}
	return &Registry{
		limit:   limit,
		units:   make(map[uint16]channel.Unit),
		ids:     ids,
		closing: mapset.NewThreadUnsafeSet(),
	}
}

// Reset removes all units
func (r *Registry) Reset() {
	for id := range r.units {
		r.ids.Remove(id)
	}
	r.units = make(map[uint16]channel.Unit)
	r.closing.Clear()
}

// Put registers a unit under its own ID, replacing any previous unit
func (r *Registry) Put(u channel.Unit) {
	r.units[u.ID()] = u
	r.ids.Add(u.ID())
}

// Get returns the unit for an ID, or nil
func (r *Registry) Get(id uint16) channel.Unit {
	return r.units[id]
}

// Remove a unit
func (r *Registry) Remove(id uint16) {
	if _, ok := r.units[id]; !ok {
		return
	}
	delete(r.units, id)
	r.ids.Remove(id)
	r.closing.Remove(id)
}

// Len returns the number of registered units, including channel 0
func (r *Registry) Len() int {
	return len(r.units)
}

// UserLen returns the number of registered user channels
func (r *Registry) UserLen() int {
	if _, ok := r.units[types.ControlChannel]; ok {
		return len(r.units) - 1
	}
	return len(r.units)
}

// Descending returns all units ordered by descending ID. Channel 0, if present, is last.
func (r *Registry) Descending() []channel.Unit {
	units := make([]channel.Unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID() > units[j].ID() })
	return units
}

// Allocate registers a new unit on the smallest free user channel ID.
// It returns a *fault.Capacity when the limit is reached or no ID is free.
func (r *Registry) Allocate(factory func(id uint16) channel.Unit) (channel.Unit, error) {
	if r.limit > 0 && r.UserLen() >= r.limit {
		return nil, fault.NewLimitReached(r.limit)
	}
	for id := uint32(1); id <= uint32(types.MaxChannelID); id++ {
		if _, used := r.units[uint16(id)]; used {
			continue
		}
		u := factory(uint16(id))
		r.Put(u)
		return u, nil
	}
	return nil, fault.NewExhausted()
}

// Sweep removes user channels whose close already settled and returns how many it removed
func (r *Registry) Sweep() (removed int) {
	for id, u := range r.units {
		if id != types.ControlChannel && u.Closed().Settled() {
			r.Remove(id)
			removed++
		}
	}
	return
}

// MarkClosing records that the connection asked a channel to close
func (r *Registry) MarkClosing(id uint16) {
	if _, ok := r.units[id]; ok {
		r.closing.Add(id)
	}
}

// Closing returns the units that were asked to close and did not finish yet
func (r *Registry) Closing() []channel.Unit {
	var units []channel.Unit
	for _, id := range r.closing.ToSlice() {
		if u, ok := r.units[id.(uint16)]; ok && !u.Closed().Settled() {
			units = append(units, u)
		}
	}
	return units
}

// IDs returns the registered IDs in ascending order
func (r *Registry) IDs() []uint16 {
	ids := make([]uint16, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
