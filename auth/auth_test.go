// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestAuth(t *testing.T) {
	Convey("Given PLAIN credentials", t, func() {
		plain := NewPlain("guest", "secret")

		Convey("The response should hold the username and password", func() {
			response, err := plain.Response()
			So(err, ShouldBeNil)
			So(string(response), ShouldEqual, "\x00guest\x00secret")
		})

		Convey("When the server offers PLAIN", func() {
			selected, err := Select("AMQPLAIN PLAIN", NewExternal(), plain)
			Convey("PLAIN should be selected", func() {
				So(err, ShouldBeNil)
				So(selected.Mechanism(), ShouldEqual, "PLAIN")
			})
		})

		Convey("When the server only offers EXTERNAL", func() {
			_, err := Select("EXTERNAL", plain)
			Convey("There should be an error", func() {
				So(err, ShouldEqual, ErrNoMechanism)
			})
		})
	})

	Convey("PLAIN without a username should fail", t, func() {
		_, err := NewPlain("", "").Response()
		So(err, ShouldEqual, ErrNoCredentials)
	})
}
