// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/TheThingsNetwork/amqp-core/auth"
	"github.com/TheThingsNetwork/amqp-core/channel"
	"github.com/TheThingsNetwork/amqp-core/fault"
	"github.com/TheThingsNetwork/amqp-core/frame"
	"github.com/TheThingsNetwork/amqp-core/token"
	"github.com/TheThingsNetwork/amqp-core/transport/dummy"
	"github.com/TheThingsNetwork/amqp-core/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/streadway/amqp"
)

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(format string, a ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, a...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// recordingUnit records the calls the connection makes into a unit
type recordingUnit struct {
	channel.Unit
	events *eventLog
}

func (u *recordingUnit) HandleException(f fault.Fault) {
	u.events.add("exception %d", u.ID())
	u.Unit.HandleException(f)
}

func (u *recordingUnit) Close() *token.Token[struct{}] {
	u.events.add("close %d", u.ID())
	return u.Unit.Close()
}

func method(channelID, classID, methodID uint16) *types.Envelope {
	return frame.Method(channelID, &types.Method{ClassID: classID, MethodID: methodID})
}

func startMethod(mechanisms string) *types.Envelope {
	args := frame.NewBuilder().Octet(0).Octet(9).Table(nil).LongString([]byte(mechanisms)).LongString([]byte("en_US"))
	return frame.Method(0, &types.Method{ClassID: types.ClassConnection, MethodID: types.ConnectionStart, Args: args.Bytes()})
}

func tuneMethod() *types.Envelope {
	m := frame.TuneOk(frame.Tune{ChannelMax: 2047, FrameMax: 131072})
	m.MethodID = types.ConnectionTune
	return frame.Method(0, m)
}

func wait[T any](t *token.Token[T]) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return t.WaitContext(ctx)
}

func dialed(d *dummy.Dialer) *dummy.Transport {
	select {
	case tr := <-d.Dialed():
		return tr
	case <-time.After(time.Second):
		return nil
	}
}

func expect(tr *dummy.Transport, classID, methodID uint16) *types.Envelope {
	select {
	case env := <-tr.Written():
		So(env.IsMethod(classID, methodID), ShouldBeTrue)
		return env
	case <-time.After(time.Second):
		So(fmt.Sprintf("%d.%d", classID, methodID), ShouldEqual, "written")
		return nil
	}
}

func handshake(tr *dummy.Transport) {
	tr.Inject(startMethod("PLAIN AMQPLAIN"))
	expect(tr, types.ClassConnection, types.ConnectionStartOk)
	tr.Inject(tuneMethod())
	expect(tr, types.ClassConnection, types.ConnectionTuneOk)
	expect(tr, types.ClassConnection, types.ConnectionOpen)
	tr.Inject(method(0, types.ClassConnection, types.ConnectionOpenOk))
}

func openChannel(conn *Connection, tr *dummy.Transport) channel.Unit {
	result := conn.Channel()
	env := expect(tr, types.ClassChannel, types.ChannelOpen)
	tr.Inject(method(env.ChannelID, types.ClassChannel, types.ChannelOpenOk))
	u, err := wait(result)
	So(err, ShouldBeNil)
	return u
}

func nextControl(controls <-chan channel.Unit) channel.Unit {
	select {
	case u := <-controls:
		return u
	case <-time.After(time.Second):
		return nil
	}
}

func waitForTimer(clk *fakeclock.FakeClock) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if clk.WatcherCount() > 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestConnection(t *testing.T) {
	Convey("Given a new Context", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		events := new(eventLog)
		controls := make(chan channel.Unit, 8)
		clk := fakeclock.NewFakeClock(time.Now())
		config := Config{
			Host:                  "localhost",
			Port:                  5672,
			MaxConnectionAttempts: 3,
			ReconnectWaitTime:     time.Second,
			ChannelMax:            2,
		}
		newConnection := func(dialer *dummy.Dialer) *Connection {
			return New(config, ctx,
				WithDialer(dialer),
				WithClock(clk),
				WithFactory(func(id uint16, out channel.Emitter) channel.Unit {
					return &recordingUnit{Unit: channel.New(id, out, ctx), events: events}
				}),
				WithControl(func(id uint16, out channel.Emitter) channel.Unit {
					control := channel.NewControl(channel.ControlConfig{
						VHost: "/",
						Auth:  []auth.Interface{auth.NewPlain("guest", "guest")},
					}, out, ctx)
					u := &recordingUnit{Unit: control, events: events}
					controls <- u
					return u
				}),
			)
		}

		Convey("Given a Dialer that always fails", func() {
			dialer := dummy.NewDialer(ctx, -1)
			conn := newConnection(dialer)
			defer conn.Stop()

			Convey("When calling Open", func() {
				opened := conn.Open()

				Convey("It should retry after the reconnect delay and give up after the last attempt", func() {
					clk.WaitForWatcherAndIncrement(time.Second)
					So(opened.Settled(), ShouldBeFalse)
					clk.WaitForWatcherAndIncrement(time.Second)
					_, err := wait(opened)
					So(err, ShouldNotBeNil)
					So(err, ShouldHaveSameTypeAs, &fault.Fatal{})
					So(err.Error(), ShouldContainSubstring, "localhost:5672 after 3 attempts")
					So(dialer.Attempts(), ShouldEqual, 3)

					Convey("A new Open should start over", func() {
						again := conn.Open()
						So(again, ShouldNotPointTo, opened)
						So(again.Settled(), ShouldBeFalse)
					})
				})

				Convey("When calling Close while waiting to retry", func() {
					So(waitForTimer(clk), ShouldBeTrue)
					closed := conn.Close()

					Convey("The retry should be cancelled and Open should fail", func() {
						So(closed.Settled(), ShouldBeTrue)
						_, err := wait(opened)
						So(err, ShouldEqual, ErrClosed)
						So(clk.WatcherCount(), ShouldEqual, 0)
						clk.Increment(time.Minute)
						So(conn.ChannelIDs(), ShouldBeEmpty)
						So(dialer.Attempts(), ShouldEqual, 1)
					})
				})

				Convey("Calling Close should give up on connecting", func() {
					closed := conn.Close()
					So(closed.Settled(), ShouldBeTrue)
					_, err := wait(opened)
					So(err, ShouldEqual, ErrClosed)
				})
			})
		})

		Convey("Given a Dialer that fails once", func() {
			dialer := dummy.NewDialer(ctx, 1)
			conn := newConnection(dialer)
			defer conn.Stop()

			Convey("Open should connect on the second attempt", func() {
				opened := conn.Open()
				clk.WaitForWatcherAndIncrement(time.Second)
				tr := dialed(dialer)
				So(tr, ShouldNotBeNil)
				handshake(tr)
				_, err := wait(opened)
				So(err, ShouldBeNil)
				So(dialer.Attempts(), ShouldEqual, 2)
			})
		})

		Convey("Given a working Dialer", func() {
			dialer := dummy.NewDialer(ctx, 0)
			conn := newConnection(dialer)
			defer conn.Stop()

			Convey("Calling Close without a transport should resolve immediately", func() {
				closed := conn.Close()
				So(closed.Settled(), ShouldBeTrue)
				So(closed.Err(), ShouldBeNil)
				So(conn.Close(), ShouldPointTo, closed)
			})

			Convey("When calling Open", func() {
				opened := conn.Open()
				tr := dialed(dialer)
				So(tr, ShouldNotBeNil)

				Convey("Calling Open again should return the same pending token", func() {
					So(conn.Open(), ShouldPointTo, opened)
					So(dialer.Attempts(), ShouldEqual, 1)
				})

				Convey("When the broker starts the handshake", func() {
					tr.Inject(startMethod("PLAIN"))
					expect(tr, types.ClassConnection, types.ConnectionStartOk)

					Convey("Channel 0 should be the only channel", func() {
						So(conn.ChannelIDs(), ShouldResemble, []uint16{0})
						So(opened.Settled(), ShouldBeFalse)
					})

					Convey("When the broker hangs up", func() {
						tr.End(nil)

						Convey("Open should fail with an authentication failure", func() {
							_, err := wait(opened)
							So(err, ShouldHaveSameTypeAs, &fault.Fatal{})
							So(err.(*fault.Fatal).Code.Value, ShouldEqual, amqp.AccessRefused)
							_, err = wait(conn.Close())
							So(err, ShouldBeNil)
							So(tr.Closed(), ShouldEqual, 1)
						})

						Convey("Channel 0 should be settled although it was discarded", func() {
							control := nextControl(controls)
							So(control, ShouldNotBeNil)
							_, err := wait(control.Opened())
							So(err, ShouldHaveSameTypeAs, &fault.Fatal{})
							_, err = wait(control.Closed())
							So(err, ShouldHaveSameTypeAs, &fault.Fatal{})
							So(conn.ChannelIDs(), ShouldBeEmpty)
						})
					})

					Convey("When the broker closes the connection", func() {
						tr.Inject(frame.Method(0, frame.ConnectionClose(frame.Close{
							ReplyCode: amqp.AccessRefused,
							ReplyText: "ACCESS_REFUSED - Login was refused",
							ClassID:   types.ClassConnection,
							MethodID:  types.ConnectionStartOk,
						})))

						Convey("The close should be acknowledged and Open should fail", func() {
							env := expect(tr, types.ClassConnection, types.ConnectionCloseOk)
							So(env.ChannelID, ShouldEqual, 0)
							_, err := wait(opened)
							So(err, ShouldHaveSameTypeAs, &fault.Connection{})
							So(err.(*fault.Connection).Code.Name, ShouldEqual, "ACCESS_REFUSED")
							So(err.(*fault.Connection).MethodID, ShouldEqual, types.ConnectionStartOk)
						})
					})

					Convey("When a frame arrives on another channel", func() {
						tr.Inject(method(1, types.ClassChannel, types.ChannelOpenOk))

						Convey("Open should fail with a fatal fault and the transport should be closed", func() {
							_, err := wait(opened)
							So(err, ShouldHaveSameTypeAs, &fault.Fatal{})
							_, err = wait(conn.Close())
							So(err, ShouldBeNil)
							So(tr.Closed(), ShouldEqual, 1)
						})
					})
				})

				Convey("When the handshake completes", func() {
					handshake(tr)
					_, err := wait(opened)
					So(err, ShouldBeNil)

					Convey("Open should return the resolved token without connecting again", func() {
						again := conn.Open()
						So(again, ShouldPointTo, opened)
						So(again.Settled(), ShouldBeTrue)
						So(dialer.Attempts(), ShouldEqual, 1)
					})

					Convey("Channels should get the smallest free ID", func() {
						a := openChannel(conn, tr)
						b := openChannel(conn, tr)
						So(a.ID(), ShouldEqual, 1)
						So(b.ID(), ShouldEqual, 2)

						Convey("When channel 1 is closed", func() {
							done := a.Close()
							expect(tr, types.ClassChannel, types.ChannelClose)
							tr.Inject(method(1, types.ClassChannel, types.ChannelCloseOk))
							_, err := wait(done)
							So(err, ShouldBeNil)

							Convey("The next channel should reuse ID 1", func() {
								again := openChannel(conn, tr)
								So(again.ID(), ShouldEqual, 1)
							})
						})

						Convey("The channel limit should be enforced without changing the registry", func() {
							_, err := wait(conn.Channel())
							So(err, ShouldHaveSameTypeAs, &fault.Capacity{})
							So(conn.ChannelIDs(), ShouldResemble, []uint16{0, 1, 2})
						})

						Convey("When a frame for an unknown channel and a peer channel.close arrive", func() {
							before := testutil.ToFloat64(droppedMessages)
							tr.Inject(method(7, types.ClassChannel, types.ChannelOpenOk))
							tr.Inject(frame.Method(1, frame.ChannelClose(frame.Close{
								ReplyCode: amqp.NotFound,
								ReplyText: "NOT_FOUND - no queue 'foo'",
								ClassID:   50,
								MethodID:  10,
							})))
							expect(tr, types.ClassChannel, types.ChannelCloseOk)

							Convey("Only channel 1 should fail and be removed", func() {
								_, err := wait(a.Closed())
								So(err, ShouldHaveSameTypeAs, &fault.Channel{})
								So(err.(*fault.Channel).ChannelID, ShouldEqual, 1)
								So(err.(*fault.Channel).Code.Value, ShouldEqual, amqp.NotFound)
								So(conn.ChannelIDs(), ShouldResemble, []uint16{0, 2})
								So(events.all(), ShouldResemble, []string{"exception 1"})
								So(b.Closed().Settled(), ShouldBeFalse)
								So(tr.Closed(), ShouldEqual, 0)
							})

							Convey("The unknown frame should only be counted", func() {
								So(testutil.ToFloat64(droppedMessages), ShouldEqual, before+1)
							})
						})

						Convey("When a heartbeat arrives on channel 2", func() {
							tr.Inject(frame.Heartbeat(2))

							Convey("All channels should fail in descending order and the connection should close", func() {
								_, err := wait(b.Closed())
								So(err, ShouldHaveSameTypeAs, &fault.Connection{})
								So(err.(*fault.Connection).ClassID, ShouldEqual, 0)
								So(err.(*fault.Connection).MethodID, ShouldEqual, 0)
								So(err.(*fault.Connection).Code.Value, ShouldEqual, amqp.CommandInvalid)
								_, err = wait(conn.Close())
								So(err, ShouldBeNil)
								So(events.all(), ShouldResemble, []string{
									"exception 2", "exception 1", "exception 0",
									"close 2", "close 1", "close 0",
								})
								So(tr.Closed(), ShouldEqual, 1)
							})
						})

						Convey("When a connection method arrives on channel 1", func() {
							tr.Inject(method(1, types.ClassConnection, types.ConnectionTune))

							Convey("The fault should carry its class and method", func() {
								_, err := wait(a.Closed())
								So(err, ShouldHaveSameTypeAs, &fault.Connection{})
								So(err.(*fault.Connection).ClassID, ShouldEqual, types.ClassConnection)
								So(err.(*fault.Connection).MethodID, ShouldEqual, types.ConnectionTune)
								_, err = wait(conn.Close())
								So(err, ShouldBeNil)
							})
						})

						Convey("When the broker closes the connection", func() {
							tr.Inject(frame.Method(0, frame.ConnectionClose(frame.Close{
								ReplyCode: amqp.ConnectionForced,
								ReplyText: "CONNECTION_FORCED - broker shutdown",
							})))

							Convey("It should be acknowledged and delivered to all channels", func() {
								env := expect(tr, types.ClassConnection, types.ConnectionCloseOk)
								So(env.ChannelID, ShouldEqual, 0)
								_, err := wait(a.Closed())
								So(err, ShouldHaveSameTypeAs, &fault.Connection{})
								So(err.(*fault.Connection).Reason, ShouldEqual, "CONNECTION_FORCED - broker shutdown")
								So(err.(*fault.Connection).Code.Value, ShouldEqual, amqp.ConnectionForced)
								_, err = wait(conn.Close())
								So(err, ShouldBeNil)
								So(events.all()[:3], ShouldResemble, []string{"exception 2", "exception 1", "exception 0"})
								So(tr.Closed(), ShouldEqual, 1)
							})
						})

						Convey("When the transport ends without an error", func() {
							tr.End(nil)

							Convey("All channels should fail with a fatal fault in descending order", func() {
								_, err := wait(a.Closed())
								So(err, ShouldHaveSameTypeAs, &fault.Fatal{})
								So(err.(*fault.Fatal).Reason, ShouldEqual, "connection lost")
								_, err = wait(conn.Close())
								So(err, ShouldBeNil)
								So(events.all()[:3], ShouldResemble, []string{"exception 2", "exception 1", "exception 0"})
								So(conn.ChannelIDs(), ShouldBeEmpty)
							})
						})

						Convey("When the transport is lost", func() {
							tr.End(dummy.ErrRefused)

							Convey("All channels should fail with a fatal fault", func() {
								_, err := wait(a.Closed())
								So(err, ShouldHaveSameTypeAs, &fault.Fatal{})
								_, err = wait(conn.Close())
								So(err, ShouldBeNil)
								So(conn.ChannelIDs(), ShouldBeEmpty)
							})
						})

						Convey("When calling Close", func() {
							closed := conn.Close()

							Convey("Calling Close again should return the same token", func() {
								So(conn.Close(), ShouldPointTo, closed)
							})

							Convey("Channels should be closed highest first and channel 0 last", func() {
								So(expect(tr, types.ClassChannel, types.ChannelClose).ChannelID, ShouldEqual, 2)
								So(expect(tr, types.ClassChannel, types.ChannelClose).ChannelID, ShouldEqual, 1)
								tr.Inject(method(1, types.ClassChannel, types.ChannelCloseOk))
								tr.Inject(method(2, types.ClassChannel, types.ChannelCloseOk))
								So(expect(tr, types.ClassConnection, types.ConnectionClose).ChannelID, ShouldEqual, 0)
								So(closed.Settled(), ShouldBeFalse)
								tr.Inject(method(0, types.ClassConnection, types.ConnectionCloseOk))

								_, err := wait(closed)
								So(err, ShouldBeNil)
								So(events.all(), ShouldResemble, []string{"close 2", "close 1", "close 0"})
								So(tr.Closed(), ShouldEqual, 1)
								So(tr.Flushed(), ShouldBeGreaterThan, 0)
								So(conn.ChannelIDs(), ShouldBeEmpty)

								Convey("Open should connect again", func() {
									conn.Open()
									So(dialed(dialer), ShouldNotBeNil)
									So(dialer.Attempts(), ShouldEqual, 2)
								})
							})
						})
					})
				})
			})
		})
	})
}
