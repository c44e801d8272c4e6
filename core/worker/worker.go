// worker.go - Background worker tasks.
// Copyright (C) 2017  Yawning Angel.
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

// Package worker provides supervised background polling loops.
package worker

import (
	"sync"
	"time"
)

// Worker is a set of managed background go routines sharing one halt
// signal.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
}

// Go executes fn in a new go routine.  It is fn's responsibility to
// monitor HaltCh (or call Sleep) and return once halted.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals every go routine started under the Worker to terminate and
// waits for them to return.  Halt may be called more than once.
func (w *Worker) Halt() {
	w.Stop()
	w.Wait()
}

// Stop signals termination without waiting.  It is safe to call from
// inside one of the Worker's own go routines.
func (w *Worker) Stop() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
}

// HaltCh returns the channel that is closed once the Worker is stopped.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// IsHalted returns true once Stop or Halt was called.
func (w *Worker) IsHalted() bool {
	select {
	case <-w.HaltCh():
		return true
	default:
		return false
	}
}

// Sleep blocks for d and returns false if the Worker was halted in the
// meantime.
func (w *Worker) Sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.HaltCh():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
