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
	"slices"
	"sync"
	"sync/atomic"
)

// subscription is a conditional registration: a predicate re-evaluated
// whenever one of its observed items commits, and an action run when
// the predicate holds. deps is kept as the union of past and current
// read sets until a re-evaluation commits, so footprint churn can only
// over-trigger, never under-trigger.
type subscription struct {
	test func(*Tx) bool
	act  func(*Tx) bool

	mu   sync.Mutex
	deps map[item]struct{}
	dead bool
}

func (s *subscription) matches(changed map[item]struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	for it := range s.deps {
		if _, ok := changed[it]; ok {
			return true
		}
	}
	return false
}

// Conditional evaluates test in its own transaction and subscribes it
// on the read set the evaluation touched. Whenever a later commit
// changes one of those items, test re-evaluates; when it holds, act
// runs in the same transaction. The subscription is dropped once test
// holds and act returns false. A test touching no cell can never fire
// and is rejected with ErrInvalidState.
func (r *Runtime) Conditional(test func(*Tx) bool, act func(*Tx) bool) error {
	if test == nil || act == nil {
		return ErrInvalidState
	}
	sub := &subscription{test: test, act: act}
	return r.Run(func(tx *Tx) error {
		fire := test(tx)
		deps := make(map[item]struct{}, len(tx.order))
		for _, it := range tx.order {
			deps[it] = struct{}{}
		}
		if len(deps) == 0 {
			return ErrInvalidState
		}
		sub.mu.Lock()
		sub.deps = deps
		sub.mu.Unlock()

		keep := true
		if fire {
			keep = act(tx)
		}
		if keep {
			r.subs.Append(tx, sub)
		}
		return nil
	})
}

// triggerSubscriptions runs in the committing goroutine after locks are
// released: collect the subscriptions whose dependency sets intersect
// the published change set, then re-evaluate each.
func (r *Runtime) triggerSubscriptions(changes []item) {
	if len(changes) == 0 || r.subs == nil || r.subs.count.Value() == 0 {
		return
	}
	changed := make(map[item]struct{}, len(changes))
	for _, it := range changes {
		changed[it] = struct{}{}
	}

	var due []*subscription
	_ = r.Run(func(tx *Tx) error {
		due = due[:0]
		r.subs.Range(tx, func(s *subscription) bool {
			if s.matches(changed) {
				due = append(due, s)
			}
			return true
		})
		return nil
	})
	for _, s := range due {
		r.evaluate(s)
	}
}

func (r *Runtime) evaluate(s *subscription) {
	var remove bool
	err := r.Run(func(tx *Tx) error {
		remove = false
		fire := s.test(tx)
		newDeps := make(map[item]struct{}, len(tx.order))
		for _, it := range tx.order {
			newDeps[it] = struct{}{}
		}
		if len(newDeps) > 0 {
			s.mu.Lock()
			for it := range newDeps {
				s.deps[it] = struct{}{}
			}
			s.mu.Unlock()
			// settle on the fresh read set once this evaluation is durable
			tx.SideEffect(func() error {
				s.mu.Lock()
				s.deps = newDeps
				s.mu.Unlock()
				return nil
			}, nil)
		}
		if fire && !s.act(tx) {
			remove = true
		}
		return nil
	})
	if err != nil {
		r.logger.Errorf("conditional re-evaluation failed: %v", err)
		return
	}
	if remove {
		r.removeSub(s)
	}
}

func (r *Runtime) removeSub(s *subscription) {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	_ = r.Run(func(tx *Tx) error {
		r.subs.RemoveFirst(tx, func(x *subscription) bool { return x == s })
		return nil
	})
}

// commitHook is a when-committing observer. A nil filter matches every
// change set.
type commitHook struct {
	filter map[uint64]struct{}
	obs    func(*Tx) error
	dead   atomic.Bool
}

func (h *commitHook) matches(dirty []item) bool {
	if h.filter == nil {
		return true
	}
	for _, it := range dirty {
		if _, ok := h.filter[it.fingerprint()]; ok {
			return true
		}
	}
	return false
}

// WhenCommitting registers an observer invoked during validation of
// every transaction whose change set intersects filter, after its
// can-commit checks succeed and before publication. The observer runs
// restricted: it may read only items the transaction touched and write
// only items it already wrote; an error aborts the transaction with
// every held lock released. Observers run in registration order. The
// returned cancel deregisters the observer.
func (r *Runtime) WhenCommitting(filter []Enlistable, obs func(*Tx) error) (cancel func()) {
	h := &commitHook{obs: obs}
	if len(filter) > 0 {
		h.filter = make(map[uint64]struct{}, len(filter))
		for _, e := range filter {
			h.filter[e.fingerprint()] = struct{}{}
		}
	}
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, h)
	r.hooksMu.Unlock()

	return func() {
		h.dead.Store(true)
		r.hooksMu.Lock()
		r.hooks = slices.DeleteFunc(r.hooks, func(x *commitHook) bool { return x == h })
		r.hooksMu.Unlock()
	}
}

func (r *Runtime) runCommitHooks(tx *Tx, dirty []item) {
	if len(dirty) == 0 {
		return
	}
	r.hooksMu.RLock()
	hooks := slices.Clone(r.hooks)
	r.hooksMu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	tx.restricted = true
	defer func() { tx.restricted = false }()
	for _, h := range hooks {
		if h.dead.Load() || !h.matches(dirty) {
			continue
		}
		if err := h.obs(tx); err != nil {
			panic(rollbackSignal{retry: false, err: err})
		}
	}
}
