// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import "github.com/prometheus/client_golang/prometheus"

var connectAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "amqp",
		Subsystem: "connection",
		Name:      "connect_attempts_total",
		Help:      "Total number of transport connect attempts.",
	}, []string{"result"},
)

var openChannels = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "amqp",
		Subsystem: "connection",
		Name:      "open_channels",
		Help:      "Number of registered user channels.",
	},
)

var faultCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "amqp",
		Subsystem: "connection",
		Name:      "faults_total",
		Help:      "Total number of faults handled.",
	}, []string{"kind"},
)

var droppedMessages = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "amqp",
		Subsystem: "connection",
		Name:      "dropped_messages_total",
		Help:      "Total number of messages dropped because their channel was not registered.",
	},
)

func init() {
	prometheus.MustRegister(connectAttempts)
	prometheus.MustRegister(openChannels)
	prometheus.MustRegister(faultCounter)
	prometheus.MustRegister(droppedMessages)
}
