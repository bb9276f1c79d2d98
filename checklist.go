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
	"runtime"
	"sync/atomic"
	"time"

	"github.com/B1NARY-GR0UP/shielded/pkg/footprint"
)

// commitEntry is one in-flight validation on the commit check list.
// next is written once before the entry is published and read-only
// afterwards; entries are never unlinked, only the head moves past a
// contiguous done prefix.
type commitEntry struct {
	owned     *footprint.Set
	commOwned *footprint.Set
	done      atomic.Bool
	next      *commitEntry
}

func (e *commitEntry) overlaps(o *commitEntry) bool {
	return e.owned.Overlaps(o.owned) ||
		e.owned.Overlaps(o.commOwned) ||
		e.commOwned.Overlaps(o.owned) ||
		e.commOwned.Overlaps(o.commOwned)
}

// commitList serializes validation of transactions whose footprints
// overlap; disjoint transactions validate and publish in parallel.
type commitList struct {
	head    atomic.Pointer[commitEntry]
	backoff time.Duration
}

func newCommitList(backoff time.Duration) *commitList {
	return &commitList{backoff: backoff}
}

// enter prepends an entry, then waits on every earlier not-yet-done
// entry whose footprints overlap the new one. Entries behind this one
// never wait on it, so the waits form no cycle.
func (cl *commitList) enter(owned, commOwned *footprint.Set) *commitEntry {
	e := &commitEntry{owned: owned, commOwned: commOwned}
	for {
		old := cl.head.Load()
		e.next = old
		if cl.head.CompareAndSwap(old, e) {
			break
		}
	}

	for n := e.next; n != nil; n = n.next {
		if n.done.Load() || !e.overlaps(n) {
			continue
		}
		for !n.done.Load() {
			runtime.Gosched()
			if cl.backoff > 0 {
				time.Sleep(cl.backoff)
			}
		}
	}
	return e
}

// release marks the entry done and sweeps the contiguous done prefix
// from the head. Spinners hold direct entry pointers, so unlinked
// entries stay traversable.
func (cl *commitList) release(e *commitEntry) {
	e.done.Store(true)

	for {
		h := cl.head.Load()
		if h == nil || !h.done.Load() {
			return
		}
		cl.head.CompareAndSwap(h, h.next)
	}
}
