// Copyright 2025 BINARY Members
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shielded

import (
	"math"
	"sync/atomic"
)

// cellVersion is one immutable entry in a cell's history, newest to
// oldest through older. Stamps are strictly descending head to tail.
type cellVersion[T any] struct {
	stamp uint64
	value T
	older atomic.Pointer[cellVersion[T]]
}

// cellLock is the write-stamp slot of a cell. pending is zero while the
// owner holds a read-only claim; a non-zero pending means a new version
// at that stamp is about to publish, and readers whose read stamp
// covers it wait for the release.
type cellLock struct {
	owner   *Tx
	pending uint64
}

// Cell is a versioned transactional location holding a single value.
// Values are copied in and out; a value with reference fields must not
// be mutated after writing.
type Cell[T any] struct {
	rt   *Runtime
	fp   uint64
	head atomic.Pointer[cellVersion[T]]
	lock atomic.Pointer[cellLock]
}

// cellLocal is the transaction-local buffer for one cell. readVersion
// is the newest stamp the buffered view is known to agree with; commute
// drains read past the transaction's read stamp and record the head
// stamp they consumed.
type cellLocal[T any] struct {
	value       T
	readVersion uint64
	dirty       bool
}

func NewCell[T any](rt *Runtime, initial T) *Cell[T] {
	c := &Cell[T]{
		rt: rt,
		fp: rt.nextFingerprint(),
	}
	c.head.Store(&cellVersion[T]{value: initial})
	return c
}

func (c *Cell[T]) fingerprint() uint64 {
	return c.fp
}

// Value is the committed read: the head version's value, outside any
// transaction.
func (c *Cell[T]) Value() T {
	return c.head.Load().value
}

// Read returns the cell's value as of the transaction's snapshot,
// enlisting the cell. Panics with ErrNotInTransaction when tx is nil or
// completed.
func (c *Cell[T]) Read(tx *Tx) T {
	tx.ensureActive()
	if l, ok := tx.locals[c].(*cellLocal[T]); ok {
		return l.value
	}
	tx.touch(c)
	// a degenerated commute may have buffered this cell during touch
	if l, ok := tx.locals[c].(*cellLocal[T]); ok {
		return l.value
	}

	readStamp := tx.readStamp
	if tx.commuting != nil {
		readStamp = math.MaxUint64
	}
	c.waitLock(tx, readStamp)

	head := c.head.Load()
	v := head
	for v != nil && v.stamp > readStamp {
		v = v.older.Load()
	}
	if v == nil {
		tx.retry()
	}

	rv := head.stamp
	if head.stamp > readStamp {
		rv = v.stamp
	}
	tx.locals[c] = &cellLocal[T]{value: v.value, readVersion: rv}
	return v.value
}

// Write buffers v as the cell's value for this transaction.
func (c *Cell[T]) Write(tx *Tx, v T) {
	tx.ensureActive()
	if l, ok := tx.locals[c].(*cellLocal[T]); ok {
		if !l.dirty {
			if tx.restricted {
				panic(ErrInvalidState)
			}
			if h := c.head.Load(); h.stamp > l.readVersion {
				tx.retry()
			}
			l.dirty = true
			tx.writeSeq++
		}
		l.value = v
		return
	}
	if tx.restricted {
		panic(ErrInvalidState)
	}
	tx.touch(c)
	if l, ok := tx.locals[c].(*cellLocal[T]); ok {
		l.value = v
		if !l.dirty {
			l.dirty = true
			tx.writeSeq++
		}
		return
	}

	h := c.head.Load()
	if tx.commuting == nil && h.stamp > tx.readStamp {
		tx.retry()
	}
	tx.locals[c] = &cellLocal[T]{value: v, readVersion: h.stamp, dirty: true}
	tx.writeSeq++
}

// Modify reads the value, lets f mutate the copy and writes it back.
func (c *Cell[T]) Modify(tx *Tx, f func(*T)) {
	v := c.Read(tx)
	f(&v)
	c.Write(tx, v)
}

// Commute enqueues f to run against the latest value at commit time,
// conflicting with no other commute on this cell. If the transaction
// reads or writes the cell directly, before or after, the commute
// degenerates into an ordinary write at that point. f must not touch
// any other cell the transaction enlisted.
func (c *Cell[T]) Commute(tx *Tx, f func(T) T) {
	tx.ensureActive()
	tx.commute([]item{c}, func(tx *Tx) {
		c.Write(tx, f(c.Read(tx)))
	})
}

// waitLock blocks while another transaction is about to publish a
// version this snapshot would have to observe.
func (c *Cell[T]) waitLock(tx *Tx, readStamp uint64) {
	for {
		lk := c.lock.Load()
		if lk == nil || lk.owner == tx || lk.pending == 0 || lk.pending > readStamp {
			return
		}
		tx.rt.backoff()
	}
}

func (c *Cell[T]) hasChanges(tx *Tx) bool {
	l, ok := tx.locals[c].(*cellLocal[T])
	return ok && l.dirty
}

func (c *Cell[T]) canCommit(tx *Tx, ws uint64) bool {
	l, _ := tx.locals[c].(*cellLocal[T])
	h := c.head.Load()
	// an item the transaction touched validates against the head it
	// actually observed, so a commit sneaking in under the read stamp
	// still refuses
	if l != nil {
		if h.stamp > l.readVersion {
			return false
		}
	} else if h.stamp > tx.readStamp {
		return false
	}
	if lk := c.lock.Load(); lk != nil && lk.owner != tx {
		return false
	}
	var pending uint64
	if l != nil && l.dirty {
		pending = ws
	}
	c.lock.Store(&cellLock{owner: tx, pending: pending})
	return true
}

func (c *Cell[T]) commit(tx *Tx, ws uint64) bool {
	changed := false
	if l, ok := tx.locals[c].(*cellLocal[T]); ok && l.dirty {
		nv := &cellVersion[T]{stamp: ws, value: l.value}
		nv.older.Store(c.head.Load())
		c.head.Store(nv)
		changed = true
	}
	c.lock.Store(nil)
	return changed
}

func (c *Cell[T]) rollback(tx *Tx) {
	if lk := c.lock.Load(); lk != nil && lk.owner == tx {
		c.lock.Store(nil)
	}
}

func (c *Cell[T]) trimCopies(bound uint64) {
	v := c.head.Load()
	for v.stamp > bound {
		next := v.older.Load()
		if next == nil {
			return
		}
		v = next
	}
	v.older.Store(nil)
}
