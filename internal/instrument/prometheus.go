// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports prometheus metrics for the handshake and
// corridor layers.
package instrument

import (
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	handshakesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_handshakes_completed_total",
			Help: "Number of peers that became true homies",
		},
		[]string{"server"},
	)
	identityFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_identity_faults_total",
			Help: "Number of rejected identity updates",
		},
		[]string{"kind"},
	)
	decryptFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_decrypt_failures_total",
			Help: "Number of inbound messages that failed to decrypt",
		},
	)
	sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_send_failures_total",
			Help: "Number of private messages a server refused",
		},
		[]string{"server"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_frames_sent_total",
			Help: "Number of corridor frames transmitted",
		},
		[]string{"control"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rookery_frames_received_total",
			Help: "Number of corridor frames received",
		},
		[]string{"control"},
	)
	frameDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_frame_duplicates_total",
			Help: "Number of duplicate data frames suppressed",
		},
	)
	checksumFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_frame_checksum_failures_total",
			Help: "Number of data frames with a bad checksum",
		},
	)
	retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_frame_retransmissions_total",
			Help: "Number of frames retransmitted after an ack timeout",
		},
	)
	staleFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rookery_stale_frames_total",
			Help: "Number of frames for unknown corridors dropped by the dispatcher",
		},
	)
	corridors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rookery_corridors",
			Help: "Number of open corridors",
		},
	)
)

func init() {
	prometheus.MustRegister(handshakesCompleted)
	prometheus.MustRegister(identityFaults)
	prometheus.MustRegister(decryptFailures)
	prometheus.MustRegister(sendFailures)
	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(frameDuplicates)
	prometheus.MustRegister(checksumFailures)
	prometheus.MustRegister(retransmissions)
	prometheus.MustRegister(staleFrames)
	prometheus.MustRegister(corridors)
}

// StartListener serves the registered metrics on addr under /metrics and
// returns the running server along with the bound address.  Close the
// server to stop it.
func StartListener(addr string) (*http.Server, net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Close()
		}
	}()
	return srv, l.Addr(), nil
}

// HandshakeCompleted counts a peer reaching the true homie state.
func HandshakeCompleted(server string) {
	handshakesCompleted.With(prometheus.Labels{"server": server}).Inc()
}

// IdentityFault counts a rejected identity update.
func IdentityFault(kind string) {
	identityFaults.With(prometheus.Labels{"kind": kind}).Inc()
}

// DecryptFailure counts an undecryptable inbound message.
func DecryptFailure() {
	decryptFailures.Inc()
}

// SendFailure counts a message a server refused.
func SendFailure(server string) {
	sendFailures.With(prometheus.Labels{"server": server}).Inc()
}

// FrameSent counts a transmitted frame.
func FrameSent(control string) {
	framesSent.With(prometheus.Labels{"control": control}).Inc()
}

// FrameReceived counts a received frame.
func FrameReceived(control string) {
	framesReceived.With(prometheus.Labels{"control": control}).Inc()
}

// FrameDuplicate counts a suppressed duplicate.
func FrameDuplicate() {
	frameDuplicates.Inc()
}

// ChecksumFailure counts a frame with a bad checksum.
func ChecksumFailure() {
	checksumFailures.Inc()
}

// Retransmission counts a frame sent again after an ack timeout.
func Retransmission() {
	retransmissions.Inc()
}

// StaleFrame counts a frame dropped for lack of a corridor.
func StaleFrame() {
	staleFrames.Inc()
}

// CorridorOpened increments the open corridor gauge.
func CorridorOpened() {
	corridors.Inc()
}

// CorridorClosed decrements the open corridor gauge.
func CorridorClosed() {
	corridors.Dec()
}
