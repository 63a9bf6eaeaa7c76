// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"os"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	redis "gopkg.in/redis.v5"
)

func getRedisClient() *redis.Client {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:6379", host),
		Password: "", // no password set
		DB:       1,  // use default DB
	})
}

func TestRedisIDSet(t *testing.T) {
	client := getRedisClient()
	if err := client.Ping().Err(); err != nil {
		t.Skipf("Redis not available: %s", err)
	}
	Convey("Given a Redis IDSet", t, func() {
		set, _ := NewRedisIDSet(client, "test:channels")

		Convey("When registering channels in a Registry", func() {
			r := New(0, set)
			r.Put(newStub(0))
			r.Allocate(newStub)
			time.Sleep(50 * time.Millisecond)

			Convey("A new IDSet on the same key should return them", func() {
				_, previous := NewRedisIDSet(client, "test:channels")
				So(previous, ShouldContain, uint16(0))
				So(previous, ShouldContain, uint16(1))
			})
		})
	})
}
