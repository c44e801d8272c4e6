// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package harem

import (
	"errors"

	"github.com/katzenpost/rookery/rookery"
)

var (
	// ErrKeyUnknown is returned by Open when no server has a completed
	// handshake with the destination.
	ErrKeyUnknown = rookery.ErrKeyUnknown

	// ErrAlreadyClosed is returned when using a closed Corridor.
	ErrAlreadyClosed = errors.New("harem: corridor already closed")

	// ErrOpenTimeout is returned when the peer did not reciprocate an
	// open in time.
	ErrOpenTimeout = errors.New("harem: timed out opening corridor")

	// ErrCloseTimeout is returned when the peer did not reciprocate a
	// close in time.  The corridor is torn down locally regardless.
	ErrCloseTimeout = errors.New("harem: timed out closing corridor")

	// ErrNoServer is returned when no server slot became free in time.
	ErrNoServer = errors.New("harem: no server available")

	// ErrGetTimeout is returned when nothing was received in time.
	ErrGetTimeout = errors.New("harem: timed out waiting for data")

	// ErrEmpty is returned by GetNowait when nothing is queued.
	ErrEmpty = errors.New("harem: nothing received")

	// ErrFrameTooLarge is returned by New when a sealed frame would not
	// fit the server message length.
	ErrFrameTooLarge = errors.New("harem: frame does not fit a server message")

	// ErrHalted is returned once the Harem was halted.
	ErrHalted = errors.New("harem: halted")
)
