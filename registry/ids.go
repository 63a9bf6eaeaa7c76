// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"strconv"

	"github.com/deckarep/golang-set"
	redis "gopkg.in/redis.v5"
)

// IDSet keeps track of the channel IDs that are in use. Members are uint16.
// It has the method set of mapset.Set that the registry needs.
type IDSet interface {
	Add(id interface{}) bool
	Contains(ids ...interface{}) bool
	Remove(id interface{})
	ToSlice() []interface{}
}

// NewIDSet returns an in-memory IDSet
func NewIDSet() IDSet {
	return mapset.NewSet()
}

// DefaultRedisKey is used as key when no key is given
var DefaultRedisKey = "amqp:channels"

// NewRedisIDSet returns an IDSet that mirrors its members to a Redis set, and
// the IDs that were stored under the key by a previous process
func NewRedisIDSet(client *redis.Client, key string) (IDSet, []uint16) {
	if key == "" {
		key = DefaultRedisKey
	}
	var previous []uint16
	members, _ := client.SMembers(key).Result()
	for _, member := range members {
		if id, err := strconv.ParseUint(member, 10, 16); err == nil {
			previous = append(previous, uint16(id))
		}
	}
	client.Del(key)
	return &idSetWithRedisPersistence{
		IDSet:  NewIDSet(),
		client: client,
		key:    key,
	}, previous
}

type idSetWithRedisPersistence struct {
	key    string
	client *redis.Client
	IDSet
}

func (s *idSetWithRedisPersistence) Add(i interface{}) bool {
	added := s.IDSet.Add(i)
	if added {
		go s.client.SAdd(s.key, fmt.Sprint(i)).Result()
	}
	return added
}

func (s *idSetWithRedisPersistence) Remove(i interface{}) {
	s.IDSet.Remove(i)
	go s.client.SRem(s.key, fmt.Sprint(i)).Result()
}
