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
	"sync"
	"time"
)

const (
	_contHeld = iota
	_contCommitted
	_contRolledBack
)

// Continuation is a transaction paused after validation: every
// write-stamp lock and the commit check-list entry stay held until
// Commit, Dispose or the timeout. Overlapping transactions wait for
// the release; disjoint ones are unaffected.
type Continuation struct {
	rt *Runtime

	mu    sync.Mutex
	tx    *Tx
	wt    writeTicket
	entry *commitEntry
	items []item
	timer *time.Timer
	state uint8
}

// RunToCommit executes fn and validates, then pauses with all locks
// held. A timeout of zero or less holds forever; otherwise expiry rolls
// the continuation back and fires the rollback side effects.
func (r *Runtime) RunToCommit(timeout time.Duration, fn func(*Tx) error) (*Continuation, error) {
	for attempt := 1; ; attempt++ {
		tx := r.newTx(attempt)
		cont, err, again := r.attemptToCommit(tx, timeout, fn)
		if !again {
			return cont, err
		}
		r.retries.Add(1)
		r.logger.Debugf("txn %s conflicted on attempt %d, retrying", tx.id, attempt)
		if r.config.MaxRetries > 0 && attempt >= r.config.MaxRetries {
			return nil, ErrMaxRetries
		}
	}
}

func (r *Runtime) attemptToCommit(tx *Tx, timeout time.Duration, fn func(*Tx) error) (cont *Continuation, err error, again bool) {
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
		return nil, errors.Join(ferr, rbErr), false
	}

	tx.runPreCommits()

	owned, commOwned := tx.footprints()
	ws := r.stamps.Add(1)
	tx.writeStamp = ws
	wt := r.versions.allocateWrite(ws)
	entry := r.checklist.enter(owned, commOwned)

	held := false
	defer func() {
		if held {
			return
		}
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

	held = true
	c := &Continuation{
		rt:    r,
		tx:    tx,
		wt:    wt,
		entry: entry,
		items: items,
	}
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, c.expire)
	}
	return c, nil, false
}

// Commit publishes the held writes and completes the transaction,
// running its commit side effects.
func (c *Continuation) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != _contHeld {
		return ErrContinuationCompleted
	}
	if c.timer != nil {
		c.timer.Stop()
	}

	r := c.rt
	tx := c.tx
	changes := make([]item, 0, len(c.items))
	for _, it := range c.items {
		if it.commit(tx, tx.writeStamp) {
			changes = append(changes, it)
		}
	}
	r.versions.recordChanges(c.wt, changes)
	r.checklist.release(c.entry)
	tx.releaseRead()
	tx.completed = true
	c.state = _contCommitted
	r.commits.Add(1)

	err := tx.runCommitEffects()
	r.triggerSubscriptions(changes)
	r.maybeTrim()
	return err
}

// InContext runs fn against the paused transaction in restricted mode:
// reads only of touched items, writes only to already written ones,
// side effects allowed. A footprint violation is returned as
// ErrInvalidState and leaves the continuation held.
func (c *Continuation) InContext(fn func(*Tx)) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != _contHeld {
		return ErrContinuationCompleted
	}

	tx := c.tx
	tx.restricted = true
	defer func() {
		tx.restricted = false
		rec := recover()
		if rec == nil {
			return
		}
		switch v := rec.(type) {
		case rollbackSignal:
			err = v.err
			if err == nil {
				err = ErrInvalidState
			}
		case error:
			if errors.Is(v, ErrInvalidState) || errors.Is(v, ErrNotInTransaction) {
				err = v
				return
			}
			panic(rec)
		default:
			panic(rec)
		}
	}()
	fn(tx)
	return nil
}

// Dispose rolls the held transaction back. Safe to call repeatedly and
// after Commit.
func (c *Continuation) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackLocked(false)
}

func (c *Continuation) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackLocked(true)
}

func (c *Continuation) rollbackLocked(timedOut bool) {
	if c.state != _contHeld {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}

	tx := c.tx
	tx.rollbackItems()
	c.rt.versions.abortWrite(c.wt)
	c.rt.checklist.release(c.entry)
	tx.releaseRead()
	tx.completed = true
	c.state = _contRolledBack

	if err := tx.runRollbackEffects(); err != nil {
		c.rt.logger.Errorf("continuation rollback side effects failed: %v", err)
	}
	if timedOut {
		c.rt.logger.Debugf("continuation for txn %s timed out, rolled back", tx.id)
	}
}
