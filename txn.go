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
	"errors"
	"slices"

	"github.com/B1NARY-GR0UP/shielded/pkg/footprint"
	"github.com/google/uuid"
)

// Tx is the per-transaction context: the read stamp, the enlisted
// items, buffered local state, queued commutes and deferred side
// effects. A Tx belongs to the goroutine running the closure and must
// not be shared.
type Tx struct {
	rt      *Runtime
	id      string
	attempt int

	ticket     readTicket
	readStamp  uint64
	writeStamp uint64

	enlisted     map[item]struct{}
	order        []item
	commEnlisted map[item]struct{}
	commOrder    []item
	locals       map[item]any

	commutes   []*commuteRec
	effects    []sideEffect
	preCommits []preCommitRec

	// writeSeq counts writes that newly mark an item or key dirty;
	// rewriting an already dirty one does not count. Pre-commit
	// validators loop until a full pass leaves it unchanged.
	writeSeq int

	// restricted gates the when-committing observer and continuation
	// in-context modes: reads only of touched items, writes only to
	// already written ones.
	restricted bool
	// commuting is the commute record being drained, if any. Its
	// declared set bounds what the closure may enlist.
	commuting *commuteRec

	readReleased bool
	effectsDone  bool
	completed    bool
}

type commuteRec struct {
	fn   func(*Tx)
	over map[item]struct{}
}

type sideEffect struct {
	onCommit   func() error
	onRollback func() error
}

type preCommitRec struct {
	test   func(*Tx) bool
	action func(*Tx)
}

// Run executes fn in a transaction, retrying on conflict until it
// commits, aborts or exhausts Config.MaxRetries. An error returned by
// fn rolls the transaction back and is returned joined with any error
// from the rollback side effects (errors.Is finds it).
func (r *Runtime) Run(fn func(*Tx) error) error {
	for attempt := 1; ; attempt++ {
		tx := r.newTx(attempt)
		err, again := r.attempt(tx, fn)
		if !again {
			return err
		}
		r.retries.Add(1)
		r.logger.Debugf("txn %s conflicted on attempt %d, retrying", tx.id, attempt)
		if r.config.MaxRetries > 0 && attempt >= r.config.MaxRetries {
			return ErrMaxRetries
		}
	}
}

// RunIn runs fn directly when tx is non-nil and opens a fresh
// transaction when tx is nil, so transactional helpers compose without
// nesting. A non-nil tx that has already completed panics with
// ErrNotInTransaction.
func (r *Runtime) RunIn(tx *Tx, fn func(*Tx) error) error {
	if tx != nil {
		tx.ensureActive()
		return fn(tx)
	}
	return r.Run(fn)
}

func (r *Runtime) newTx(attempt int) *Tx {
	tx := &Tx{
		rt:           r,
		id:           uuid.NewString()[:8],
		attempt:      attempt,
		enlisted:     make(map[item]struct{}),
		commEnlisted: make(map[item]struct{}),
		locals:       make(map[item]any),
	}
	tx.ticket = r.versions.beginRead()
	tx.readStamp = tx.ticket.node.stamp
	return tx
}

// attempt runs fn and the commit pipeline, translating the rollback
// signal. again reports that the caller should retry.
func (r *Runtime) attempt(tx *Tx, fn func(*Tx) error) (err error, again bool) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		rbErr := r.rollbackTx(tx)
		switch v := rec.(type) {
		case rollbackSignal:
			if v.retry {
				again = true
				return
			}
			err = errors.Join(v.err, rbErr)
		case error:
			if errors.Is(v, ErrInvalidState) || errors.Is(v, ErrNotInTransaction) {
				err = errors.Join(v, rbErr)
				return
			}
			panic(rec)
		default:
			panic(rec)
		}
	}()

	if ferr := fn(tx); ferr != nil {
		rbErr := r.rollbackTx(tx)
		return errors.Join(ferr, rbErr), false
	}
	return r.commitTx(tx), false
}

// commitTx drives the validation pipeline: pre-commit validators,
// commute drain and can-commit under the check list entry, observers,
// publication, change-set deposit, releases, side effects,
// subscriptions, trim.
func (r *Runtime) commitTx(tx *Tx) error {
	tx.runPreCommits()

	if !tx.dirty() && len(tx.commutes) == 0 {
		// the snapshot at the read stamp is already a consistent point
		// in the commit order, nothing to validate
		tx.releaseRead()
		tx.completed = true
		return tx.runCommitEffects()
	}

	owned, commOwned := tx.footprints()
	ws := r.stamps.Add(1)
	tx.writeStamp = ws
	wt := r.versions.allocateWrite(ws)
	entry := r.checklist.enter(owned, commOwned)

	committed := false
	defer func() {
		if committed {
			return
		}
		// refusal, observer abort or a panic out of user code: drop
		// every held lock before unblocking overlapping validators
		tx.rollbackItems()
		r.versions.abortWrite(wt)
		r.checklist.release(entry)
	}()

	tx.drainCommutes()

	items := tx.allItems()
	for _, it := range items {
		if !it.canCommit(tx, ws) {
			tx.retry()
		}
	}

	var dirty []item
	for _, it := range items {
		if it.hasChanges(tx) {
			dirty = append(dirty, it)
		}
	}
	r.runCommitHooks(tx, dirty)

	changes := make([]item, 0, len(dirty))
	for _, it := range items {
		if it.commit(tx, ws) {
			changes = append(changes, it)
		}
	}

	r.versions.recordChanges(wt, changes)
	committed = true
	r.checklist.release(entry)
	tx.releaseRead()
	tx.completed = true
	r.commits.Add(1)

	err := tx.runCommitEffects()
	r.triggerSubscriptions(changes)
	r.maybeTrim()
	return err
}

func (r *Runtime) rollbackTx(tx *Tx) error {
	if tx.completed {
		return nil
	}
	tx.completed = true
	tx.rollbackItems()
	tx.releaseRead()
	return tx.runRollbackEffects()
}

// Rollback signals the driver to roll the transaction back. With retry
// the closure reruns from a fresh read stamp; without it Run returns
// ErrAborted.
func (tx *Tx) Rollback(retry bool) {
	tx.ensureActive()
	if retry {
		panic(rollbackSignal{retry: true})
	}
	panic(rollbackSignal{retry: false, err: ErrAborted})
}

// SideEffect defers onCommit to run after the transaction becomes
// durable and onRollback to run if it rolls back, in enqueue order.
// Either may be nil.
func (tx *Tx) SideEffect(onCommit, onRollback func() error) {
	tx.ensureActive()
	tx.effects = append(tx.effects, sideEffect{onCommit: onCommit, onRollback: onRollback})
}

// PreCommit registers a validator evaluated after the closure and
// before validation. When test returns true, action runs in the same
// transaction; passes repeat until one marks no further item dirty.
func (tx *Tx) PreCommit(test func(*Tx) bool, action func(*Tx)) {
	tx.ensureActive()
	if tx.restricted || tx.commuting != nil {
		panic(ErrInvalidState)
	}
	tx.preCommits = append(tx.preCommits, preCommitRec{test: test, action: action})
}

// ReadStamp is the stamp of the snapshot this transaction observes.
func (tx *Tx) ReadStamp() uint64 {
	return tx.readStamp
}

// Attempt is 1 on the first run of the closure and increments with
// every conflict retry.
func (tx *Tx) Attempt() int {
	return tx.attempt
}

func (tx *Tx) ensureActive() {
	if tx == nil || tx.completed {
		panic(ErrNotInTransaction)
	}
}

func (tx *Tx) retry() {
	panic(rollbackSignal{retry: true})
}

// touch records it in the transaction's footprint, enforcing the
// commute-scope and restricted-mode rules, and degenerates pending
// commutes targeting it.
func (tx *Tx) touch(it item) {
	tx.ensureActive()
	if tx.commuting != nil {
		if _, declared := tx.commuting.over[it]; !declared {
			if _, ok := tx.enlisted[it]; ok {
				panic(ErrInvalidState)
			}
		}
		if _, ok := tx.commEnlisted[it]; !ok {
			tx.commEnlisted[it] = struct{}{}
			tx.commOrder = append(tx.commOrder, it)
		}
		return
	}
	if tx.restricted {
		_, ok := tx.enlisted[it]
		_, cok := tx.commEnlisted[it]
		if !ok && !cok {
			panic(ErrInvalidState)
		}
		return
	}
	tx.degenerate(it)
	if _, ok := tx.enlisted[it]; !ok {
		tx.enlisted[it] = struct{}{}
		tx.order = append(tx.order, it)
	}
}

// commute enqueues fn over the declared items. A commute on an item the
// transaction already touched directly runs immediately as ordinary
// writes.
func (tx *Tx) commute(over []item, fn func(*Tx)) {
	tx.ensureActive()
	if tx.restricted || tx.commuting != nil {
		panic(ErrInvalidState)
	}
	for _, it := range over {
		if _, ok := tx.enlisted[it]; ok {
			fn(tx)
			return
		}
	}
	rec := &commuteRec{fn: fn, over: make(map[item]struct{}, len(over))}
	for _, it := range over {
		rec.over[it] = struct{}{}
		if _, ok := tx.commEnlisted[it]; !ok {
			tx.commEnlisted[it] = struct{}{}
			tx.commOrder = append(tx.commOrder, it)
		}
	}
	tx.commutes = append(tx.commutes, rec)
}

// degenerate runs every pending commute targeting it as ordinary
// writes, in enqueue order, consuming the transaction's reads and
// writes seen so far.
func (tx *Tx) degenerate(it item) {
	if len(tx.commutes) == 0 {
		return
	}
	var run []*commuteRec
	rest := tx.commutes[:0]
	for _, c := range tx.commutes {
		if _, ok := c.over[it]; ok {
			run = append(run, c)
		} else {
			rest = append(rest, c)
		}
	}
	tx.commutes = rest
	for _, c := range run {
		c.fn(tx)
	}
}

// drainCommutes runs the queued commutes in order against the latest
// published values. Callers hold the check-list entry covering the
// declared sets, so overlapping committers are serialized out.
func (tx *Tx) drainCommutes() {
	for len(tx.commutes) > 0 {
		rec := tx.commutes[0]
		tx.commutes = tx.commutes[1:]
		tx.commuting = rec
		rec.fn(tx)
		tx.commuting = nil
	}
}

func (tx *Tx) runPreCommits() {
	if len(tx.preCommits) == 0 {
		return
	}
	for {
		before := tx.writeSeq
		for _, pc := range tx.preCommits {
			if pc.test == nil || pc.test(tx) {
				if pc.action != nil {
					pc.action(tx)
				}
			}
		}
		if tx.writeSeq == before {
			return
		}
	}
}

func (tx *Tx) allItems() []item {
	if len(tx.commOrder) == 0 {
		return tx.order
	}
	items := slices.Clone(tx.order)
	for _, it := range tx.commOrder {
		if _, ok := tx.enlisted[it]; !ok {
			items = append(items, it)
		}
	}
	return items
}

func (tx *Tx) dirty() bool {
	for _, it := range tx.order {
		if it.hasChanges(tx) {
			return true
		}
	}
	return false
}

func (tx *Tx) footprints() (owned, commOwned *footprint.Set) {
	owned = footprint.New(tx.rt.config.FootprintHashes)
	for _, it := range tx.order {
		owned.Add(it.fingerprint())
	}
	commOwned = footprint.New(tx.rt.config.FootprintHashes)
	for _, it := range tx.commOrder {
		commOwned.Add(it.fingerprint())
	}
	return owned, commOwned
}

func (tx *Tx) rollbackItems() {
	for _, it := range tx.allItems() {
		it.rollback(tx)
	}
}

func (tx *Tx) releaseRead() {
	if tx.readReleased {
		return
	}
	tx.rt.versions.releaseRead(tx.ticket)
	tx.readReleased = true
}

func (tx *Tx) runCommitEffects() error {
	if tx.effectsDone {
		return nil
	}
	tx.effectsDone = true
	var errs []error
	for _, se := range tx.effects {
		if se.onCommit == nil {
			continue
		}
		if err := se.onCommit(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (tx *Tx) runRollbackEffects() error {
	if tx.effectsDone {
		return nil
	}
	tx.effectsDone = true
	var errs []error
	for _, se := range tx.effects {
		if se.onRollback == nil {
			continue
		}
		if err := se.onRollback(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
