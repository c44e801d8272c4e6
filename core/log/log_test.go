// log_test.go - Logging backend tests.
// Copyright (C) 2026  The Rookery Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	lvl, err := ParseLevel("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	lvl, err = ParseLevel("NOTICE")
	require.NoError(err)
	require.Equal(logging.NOTICE, lvl)

	_, err = ParseLevel("LOUD")
	require.Error(err)
}

func TestFileBackend(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "rookery.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	l := b.GetLogger("harem")
	l.Debug("hidden")
	l.Info("visible")
	require.True(b.IsEnabledFor(logging.INFO, "harem"))
	require.False(b.IsEnabledFor(logging.DEBUG, "harem"))

	require.NoError(b.Rotate())
	l.Warning("after rotate")
	require.NoError(b.Close())

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "harem: visible")
	require.Contains(string(raw), "harem: after rotate")
	require.NotContains(string(raw), "hidden")
}

func TestDiscardBackend(t *testing.T) {
	b := NewDiscard()
	b.GetLogger("quiet").Error("nobody hears this")
	require.NoError(t, b.Close())
}
