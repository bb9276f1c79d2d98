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

	"github.com/B1NARY-GR0UP/shielded/pkg/watermark"
)

// _retired marks a version node no new reader may attach to. Installed
// only when the reader count is exactly zero.
const _retired = math.MinInt32

// versionNode is one published stamp in the global version list,
// ordered ascending by stamp. changes holds the items whose versions
// were published at this stamp, consumed by trimming.
type versionNode struct {
	stamp   uint64
	readers atomic.Int32
	changes []item
	next    atomic.Pointer[versionNode]
}

type readTicket struct {
	node *versionNode
}

type writeTicket struct {
	stamp uint64
}

// versionList issues read and write tickets and trims stamps no reader
// can observe anymore.
//
// Readers attach to the newest deposited node by incrementing its
// reader count. Write tickets are in-flight from allocation until their
// change set is deposited; the deposits watermark keeps trimming from
// advancing past an in-flight ticket, whose node may still splice in
// before the current tail.
type versionList struct {
	mu       sync.Mutex // guards list structure and oldest
	current  atomic.Pointer[versionNode]
	oldest   *versionNode
	deposits *watermark.WaterMark
}

func newVersionList() *versionList {
	root := &versionNode{stamp: 0}
	vl := &versionList{deposits: watermark.New()}
	vl.current.Store(root)
	vl.oldest = root
	return vl
}

func (vl *versionList) close() {
	vl.deposits.Stop()
}

// beginRead attaches to the newest deposited stamp. The CAS loses to a
// concurrent trim retiring the node, in which case current has already
// moved on and the loop re-reads it.
func (vl *versionList) beginRead() readTicket {
	for {
		cur := vl.current.Load()
		r := cur.readers.Load()
		if r < 0 {
			continue
		}
		if cur.readers.CompareAndSwap(r, r+1) {
			return readTicket{node: cur}
		}
	}
}

func (vl *versionList) releaseRead(t readTicket) {
	t.node.readers.Add(-1)
}

func (vl *versionList) allocateWrite(stamp uint64) writeTicket {
	vl.deposits.Begin(stamp)
	return writeTicket{stamp: stamp}
}

// abortWrite completes a ticket that will publish nothing.
func (vl *versionList) abortWrite(t writeTicket) {
	vl.deposits.Done(t.stamp)
}

// recordChanges deposits the ticket's change set, making the stamp
// visible to new readers. Disjoint transactions may deposit out of
// stamp order; the node splices into its ascending slot.
func (vl *versionList) recordChanges(t writeTicket, changes []item) {
	if len(changes) > 0 {
		n := &versionNode{stamp: t.stamp, changes: changes}

		vl.mu.Lock()
		cur := vl.current.Load()
		if t.stamp > cur.stamp {
			cur.next.Store(n)
			vl.current.Store(n)
		} else {
			prev := vl.oldest
			for {
				pn := prev.next.Load()
				if pn == nil || pn.stamp > t.stamp {
					n.next.Store(pn)
					prev.next.Store(n)
					break
				}
				prev = pn
			}
		}
		vl.mu.Unlock()
	}
	vl.deposits.Done(t.stamp)
}

// trim retires version nodes older than both the oldest attached reader
// and the deposits watermark, then cuts each changed item's history at
// the stamp of the new oldest node. A node is retired by flipping its
// zero reader count to the sentinel; a node with readers stops the walk.
func (vl *versionList) trim() {
	if !vl.mu.TryLock() {
		return
	}
	defer vl.mu.Unlock()

	bound := vl.deposits.DoneUntil()

	touched := make(map[item]struct{})
	n := vl.oldest
	for {
		next := n.next.Load()
		if next == nil || next.stamp > bound {
			break
		}
		if !n.readers.CompareAndSwap(0, _retired) {
			break
		}
		for _, it := range n.changes {
			touched[it] = struct{}{}
		}
		n.changes = nil
		n = next
	}
	vl.oldest = n

	cut := n.stamp
	for it := range touched {
		it.trimCopies(cut)
	}
}
