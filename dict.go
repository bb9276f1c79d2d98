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
	"sync"
	"sync/atomic"
)

// dictVersion is one entry in a key's history. empty marks a removal
// tombstone.
type dictVersion[V any] struct {
	stamp uint64
	value V
	empty bool
	older atomic.Pointer[dictVersion[V]]
}

type dictChain[V any] struct {
	head atomic.Pointer[dictVersion[V]]
}

// dictStamp is the per-key write-stamp slot.
type dictStamp struct {
	owner *Tx
	ws    uint64
}

type dictChange[K comparable] struct {
	stamp uint64
	keys  []K
}

// Dict is a versioned transactional key to value map. However many
// keys a transaction touches, the dictionary enlists as one item;
// conflicts are still detected per key through the write-stamp map.
//
// Enumeration does not enlist keys inserted in parallel: enumerators
// are safe for read-only transactions and for writers that do not
// depend on seeing every item.
type Dict[K comparable, V any] struct {
	rt *Runtime
	fp uint64

	entries sync.Map // K -> *dictChain[V]
	stamps  sync.Map // K -> *dictStamp

	// changes queues per-stamp key lists for trimming; count tracks
	// committed presence for Len.
	changeMu sync.Mutex
	changes  []dictChange[K]
	count    atomic.Int64

	trimMu sync.Mutex
}

// dictEntry is the transaction-local view of one key. was records the
// key's presence when first touched, for the Len delta.
type dictEntry[V any] struct {
	value       V
	empty       bool
	was         bool
	dirty       bool
	readVersion uint64
}

type dictLocal[K comparable, V any] struct {
	entries    map[K]*dictEntry[V]
	hasChanges bool
	locked     bool
}

func NewDict[K comparable, V any](rt *Runtime) *Dict[K, V] {
	return &Dict[K, V]{
		rt: rt,
		fp: rt.nextFingerprint(),
	}
}

func (d *Dict[K, V]) fingerprint() uint64 {
	return d.fp
}

func (d *Dict[K, V]) local(tx *Tx) *dictLocal[K, V] {
	if l, ok := tx.locals[d].(*dictLocal[K, V]); ok {
		return l
	}
	tx.touch(d)
	l := &dictLocal[K, V]{entries: make(map[K]*dictEntry[V])}
	tx.locals[d] = l
	return l
}

// Get returns the value for key as of the transaction's snapshot and
// whether the key is present.
func (d *Dict[K, V]) Get(tx *Tx, key K) (V, bool) {
	tx.ensureActive()
	l := d.local(tx)
	if e, ok := l.entries[key]; ok {
		if e.dirty {
			if h := d.chainHead(key); h != nil && h.stamp > e.readVersion {
				tx.retry()
			}
		}
		return e.value, !e.empty
	}
	if l.locked || tx.restricted {
		panic(ErrInvalidState)
	}

	e := d.readEntry(tx, key)
	l.entries[key] = e
	return e.value, !e.empty
}

// Fetch is Get reporting a missing key as ErrKeyNotFound.
func (d *Dict[K, V]) Fetch(tx *Tx, key K) (V, error) {
	v, ok := d.Get(tx, key)
	if !ok {
		var zero V
		return zero, ErrKeyNotFound
	}
	return v, nil
}

func (d *Dict[K, V]) ContainsKey(tx *Tx, key K) bool {
	_, ok := d.Get(tx, key)
	return ok
}

// Set buffers value for key in this transaction.
func (d *Dict[K, V]) Set(tx *Tx, key K, value V) {
	d.write(tx, key, value, false)
}

// Remove buffers a removal tombstone for key.
func (d *Dict[K, V]) Remove(tx *Tx, key K) {
	var zero V
	d.write(tx, key, zero, true)
}

func (d *Dict[K, V]) write(tx *Tx, key K, value V, empty bool) {
	tx.ensureActive()
	l := d.local(tx)
	e, ok := l.entries[key]
	if (tx.restricted || l.locked) && (!ok || !e.dirty) {
		panic(ErrInvalidState)
	}
	if !ok {
		e = d.readEntry(tx, key)
		l.entries[key] = e
	}
	if !e.dirty {
		if h := d.chainHead(key); h != nil && h.stamp > e.readVersion {
			tx.retry()
		}
		e.dirty = true
		tx.writeSeq++
	}
	e.value = value
	e.empty = empty
	l.hasChanges = true
}

// Len is the committed size adjusted by this transaction's buffered
// presence transitions. It does not enlist untouched keys.
func (d *Dict[K, V]) Len(tx *Tx) int {
	tx.ensureActive()
	l := d.local(tx)
	n := int(d.count.Load())
	for _, e := range l.entries {
		if !e.dirty {
			continue
		}
		if e.was && e.empty {
			n--
		}
		if !e.was && !e.empty {
			n++
		}
	}
	return n
}

// Range calls fn for every key visible to the transaction, local
// buffers overlaid, until fn returns false. Visited keys are not
// recorded as reads.
func (d *Dict[K, V]) Range(tx *Tx, fn func(K, V) bool) {
	tx.ensureActive()
	l := d.local(tx)

	stop := false
	d.entries.Range(func(k, ch any) bool {
		key := k.(K)
		if e, ok := l.entries[key]; ok {
			if !e.empty && !fn(key, e.value) {
				stop = true
			}
			return !stop
		}
		d.waitKey(tx, tx.readStamp, key)
		v := ch.(*dictChain[V]).head.Load()
		for v != nil && v.stamp > tx.readStamp {
			v = v.older.Load()
		}
		if v != nil && !v.empty && !fn(key, v.value) {
			stop = true
		}
		return !stop
	})
	if stop {
		return
	}
	// keys this transaction created that have no committed chain yet
	for key, e := range l.entries {
		if !e.dirty || e.empty || e.was {
			continue
		}
		if _, ok := d.entries.Load(key); ok {
			continue
		}
		if !fn(key, e.value) {
			return
		}
	}
}

// RawRange iterates the committed heads with no transaction at all:
// the lax variant for callers that tolerate torn iteration against
// concurrent commits.
func (d *Dict[K, V]) RawRange(fn func(K, V) bool) {
	d.entries.Range(func(k, ch any) bool {
		v := ch.(*dictChain[V]).head.Load()
		if v == nil || v.empty {
			return true
		}
		return fn(k.(K), v.value)
	})
}

func (d *Dict[K, V]) chainHead(key K) *dictVersion[V] {
	ch, ok := d.entries.Load(key)
	if !ok {
		return nil
	}
	return ch.(*dictChain[V]).head.Load()
}

// readEntry resolves key against the committed chains for this
// transaction's snapshot (or the latest published version during a
// commute drain).
func (d *Dict[K, V]) readEntry(tx *Tx, key K) *dictEntry[V] {
	readStamp := tx.readStamp
	if tx.commuting != nil {
		readStamp = math.MaxUint64
	}
	d.waitKey(tx, readStamp, key)

	e := &dictEntry[V]{empty: true}
	head := d.chainHead(key)
	if head == nil {
		return e
	}
	v := head
	for v != nil && v.stamp > readStamp {
		v = v.older.Load()
	}
	e.readVersion = head.stamp
	if head.stamp > readStamp {
		e.readVersion = 0
	}
	if v != nil {
		e.value = v.value
		e.empty = v.empty
		e.was = !v.empty
		if head.stamp > readStamp {
			e.readVersion = v.stamp
		}
	}
	return e
}

// waitKey blocks while another transaction is about to publish a
// version of key this snapshot would have to observe.
func (d *Dict[K, V]) waitKey(tx *Tx, readStamp uint64, key K) {
	for {
		st, ok := d.stamps.Load(key)
		if !ok {
			return
		}
		s := st.(*dictStamp)
		if s.owner == tx || s.ws > readStamp {
			return
		}
		tx.rt.backoff()
	}
}

func (d *Dict[K, V]) hasChanges(tx *Tx) bool {
	l, ok := tx.locals[d].(*dictLocal[K, V])
	return ok && l.hasChanges
}

func (d *Dict[K, V]) canCommit(tx *Tx, ws uint64) bool {
	l, ok := tx.locals[d].(*dictLocal[K, V])
	if !ok {
		return true
	}
	l.locked = true
	// every touched key validates against the chain head it actually
	// observed, not just the read stamp
	for key, e := range l.entries {
		if st, found := d.stamps.Load(key); found && st.(*dictStamp).owner != tx {
			return false
		}
		if h := d.chainHead(key); h != nil && h.stamp > e.readVersion {
			return false
		}
	}
	for key, e := range l.entries {
		if e.dirty {
			d.stamps.Store(key, &dictStamp{owner: tx, ws: ws})
		}
	}
	return true
}

func (d *Dict[K, V]) commit(tx *Tx, ws uint64) bool {
	l, ok := tx.locals[d].(*dictLocal[K, V])
	if !ok || !l.hasChanges {
		return false
	}

	changed := make([]K, 0, len(l.entries))
	// trimCopies removes dead keys under the same lock, so a key cannot
	// vanish between loading its chain and publishing onto it
	d.trimMu.Lock()
	for key, e := range l.entries {
		if !e.dirty {
			continue
		}
		chAny, _ := d.entries.LoadOrStore(key, &dictChain[V]{})
		ch := chAny.(*dictChain[V])

		prev := ch.head.Load()
		prevPresent := prev != nil && !prev.empty

		nv := &dictVersion[V]{stamp: ws, value: e.value, empty: e.empty}
		nv.older.Store(prev)
		ch.head.Store(nv)

		if prevPresent && e.empty {
			d.count.Add(-1)
		}
		if !prevPresent && !e.empty {
			d.count.Add(1)
		}
		d.stamps.Delete(key)
		changed = append(changed, key)
	}
	d.trimMu.Unlock()

	d.changeMu.Lock()
	d.changes = append(d.changes, dictChange[K]{stamp: ws, keys: changed})
	d.changeMu.Unlock()
	return true
}

func (d *Dict[K, V]) rollback(tx *Tx) {
	l, ok := tx.locals[d].(*dictLocal[K, V])
	if !ok {
		return
	}
	for key, e := range l.entries {
		if !e.dirty {
			continue
		}
		if st, found := d.stamps.Load(key); found && st.(*dictStamp).owner == tx {
			d.stamps.Delete(key)
		}
	}
}

// trimCopies cuts each changed key's history at the newest entry at or
// below bound, and drops keys whose whole surviving history is a
// tombstone. Commit publishes under the same trim lock, so a racing
// committer either loads the chain after the removal and recreates it
// fresh, which loses only an already dead tombstone, or publishes first
// and the changed head keeps the key.
func (d *Dict[K, V]) trimCopies(bound uint64) {
	d.changeMu.Lock()
	var due []K
	kept := d.changes[:0]
	for _, chg := range d.changes {
		if chg.stamp <= bound {
			due = append(due, chg.keys...)
			continue
		}
		kept = append(kept, chg)
	}
	d.changes = kept
	d.changeMu.Unlock()

	for _, key := range due {
		chAny, ok := d.entries.Load(key)
		if !ok {
			continue
		}
		ch := chAny.(*dictChain[V])
		head := ch.head.Load()
		v := head
		for v != nil && v.stamp > bound {
			v = v.older.Load()
		}
		if v == nil {
			continue
		}
		v.older.Store(nil)
		if v != head || !v.empty {
			continue
		}
		d.trimMu.Lock()
		if _, held := d.stamps.Load(key); !held {
			if h := ch.head.Load(); h == v {
				d.entries.Delete(key)
			}
		}
		d.trimMu.Unlock()
	}
}
