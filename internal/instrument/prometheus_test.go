// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	require := require.New(t)

	before := testutil.ToFloat64(frameDuplicates)
	FrameDuplicate()
	require.Equal(before+1, testutil.ToFloat64(frameDuplicates))

	FrameSent("DATA")
	require.GreaterOrEqual(testutil.ToFloat64(framesSent.WithLabelValues("DATA")), 1.0)

	g := testutil.ToFloat64(corridors)
	CorridorOpened()
	CorridorClosed()
	require.Equal(g, testutil.ToFloat64(corridors))
}

func TestListener(t *testing.T) {
	require := require.New(t)

	srv, addr, err := StartListener("127.0.0.1:0")
	require.NoError(err)
	defer srv.Close()

	StaleFrame()
	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.Contains(string(body), "rookery_stale_frames_total")
}
