// priority_queue.go - Priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
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

// Package queue implements a min-priority queue.
package queue

import "container/heap"

// Entry is a PriorityQueue entry.
type Entry[T any] struct {
	Value    T
	Priority uint64
}

type entries[T any] []*Entry[T]

func (e entries[T]) Len() int           { return len(e) }
func (e entries[T]) Less(i, j int) bool { return e[i].Priority < e[j].Priority }
func (e entries[T]) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }

func (e *entries[T]) Push(x interface{}) {
	*e = append(*e, x.(*Entry[T]))
}

func (e *entries[T]) Pop() interface{} {
	old := *e
	n := len(old)
	ent := old[n-1]
	old[n-1] = nil
	*e = old[:n-1]
	return ent
}

// PriorityQueue is a priority queue instance.  It is not safe for
// concurrent use.
type PriorityQueue[T any] struct {
	heap entries[T]
}

// Enqueue inserts value with the given priority.
func (q *PriorityQueue[T]) Enqueue(priority uint64, value T) {
	heap.Push(&q.heap, &Entry[T]{Value: value, Priority: priority})
}

// Peek returns the lowest priority entry, if any, leaving the queue
// unaltered.  Callers MUST NOT alter the Priority of the returned entry.
func (q *PriorityQueue[T]) Peek() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Pop removes and returns the lowest priority entry, if any.
func (q *PriorityQueue[T]) Pop() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Entry[T])
}

// RemoveFunc removes every entry for which fn returns true and returns the
// number of removed entries.
func (q *PriorityQueue[T]) RemoveFunc(fn func(*Entry[T]) bool) int {
	kept := q.heap[:0]
	for _, e := range q.heap {
		if !fn(e) {
			kept = append(kept, e)
		}
	}
	n := len(q.heap) - len(kept)
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	heap.Init(&q.heap)
	return n
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue[T]) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New[T any]() *PriorityQueue[T] {
	q := &PriorityQueue[T]{heap: make(entries[T], 0)}
	heap.Init(&q.heap)
	return q
}
