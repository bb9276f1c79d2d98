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

// seqNode is the payload of one list node cell.
type seqNode[T any] struct {
	value T
	next  *Cell[seqNode[T]]
}

// Seq is a transactional singly linked list. Head, tail and count are
// cells, as is every node, so structural changes conflict exactly where
// they touch. Append is commutative over head, tail and count:
// append-only transactions do not conflict with each other.
type Seq[T any] struct {
	rt    *Runtime
	head  *Cell[*Cell[seqNode[T]]]
	tail  *Cell[*Cell[seqNode[T]]]
	count *Cell[int]
}

func NewSeq[T any](rt *Runtime) *Seq[T] {
	return &Seq[T]{
		rt:    rt,
		head:  NewCell[*Cell[seqNode[T]]](rt, nil),
		tail:  NewCell[*Cell[seqNode[T]]](rt, nil),
		count: NewCell(rt, 0),
	}
}

// Prepend pushes v at the head.
func (s *Seq[T]) Prepend(tx *Tx, v T) {
	h := s.head.Read(tx)
	n := NewCell(s.rt, seqNode[T]{value: v, next: h})
	s.head.Write(tx, n)
	if h == nil {
		s.tail.Write(tx, n)
	}
	s.count.Write(tx, s.count.Read(tx)+1)
}

// Append enqueues v at the tail as a commute: it does not conflict with
// other appends. Reading or writing head, tail or count directly in the
// same transaction degenerates every pending append into ordinary
// writes at that point; appends keep their program order either way.
func (s *Seq[T]) Append(tx *Tx, v T) {
	tx.ensureActive()
	n := NewCell(s.rt, seqNode[T]{value: v})
	tx.commute([]item{s.head, s.tail, s.count}, func(tx *Tx) {
		s.push(tx, n)
	})
}

func (s *Seq[T]) push(tx *Tx, n *Cell[seqNode[T]]) {
	t := s.tail.Read(tx)
	if t == nil {
		s.head.Write(tx, n)
	} else {
		tn := t.Read(tx)
		tn.next = n
		t.Write(tx, tn)
	}
	s.tail.Write(tx, n)
	s.count.Write(tx, s.count.Read(tx)+1)
}

// Head peeks the first value.
func (s *Seq[T]) Head(tx *Tx) (T, bool) {
	h := s.head.Read(tx)
	if h == nil {
		var zero T
		return zero, false
	}
	return h.Read(tx).value, true
}

// TakeHead pops the first value.
func (s *Seq[T]) TakeHead(tx *Tx) (T, bool) {
	h := s.head.Read(tx)
	if h == nil {
		var zero T
		return zero, false
	}
	n := h.Read(tx)
	s.head.Write(tx, n.next)
	if n.next == nil {
		s.tail.Write(tx, nil)
	}
	s.count.Write(tx, s.count.Read(tx)-1)
	return n.value, true
}

// At returns the value at index i.
func (s *Seq[T]) At(tx *Tx, i int) (T, bool) {
	if n := s.nodeAt(tx, i); n != nil {
		return n.Read(tx).value, true
	}
	var zero T
	return zero, false
}

// SetAt replaces the value at index i.
func (s *Seq[T]) SetAt(tx *Tx, i int, v T) bool {
	n := s.nodeAt(tx, i)
	if n == nil {
		return false
	}
	nn := n.Read(tx)
	nn.value = v
	n.Write(tx, nn)
	return true
}

// InsertAt inserts v so that it ends up at index i.
func (s *Seq[T]) InsertAt(tx *Tx, i int, v T) bool {
	if i < 0 {
		return false
	}
	if i == 0 {
		s.Prepend(tx, v)
		return true
	}
	prev := s.nodeAt(tx, i-1)
	if prev == nil {
		return false
	}
	pn := prev.Read(tx)
	n := NewCell(s.rt, seqNode[T]{value: v, next: pn.next})
	pn.next = n
	prev.Write(tx, pn)
	if n.Read(tx).next == nil {
		s.tail.Write(tx, n)
	}
	s.count.Write(tx, s.count.Read(tx)+1)
	return true
}

// RemoveAt removes and returns the value at index i.
func (s *Seq[T]) RemoveAt(tx *Tx, i int) (T, bool) {
	var zero T
	if i < 0 {
		return zero, false
	}
	if i == 0 {
		return s.TakeHead(tx)
	}
	prev := s.nodeAt(tx, i-1)
	if prev == nil {
		return zero, false
	}
	pn := prev.Read(tx)
	if pn.next == nil {
		return zero, false
	}
	victim := pn.next.Read(tx)
	pn.next = victim.next
	prev.Write(tx, pn)
	if victim.next == nil {
		s.tail.Write(tx, prev)
	}
	s.count.Write(tx, s.count.Read(tx)-1)
	return victim.value, true
}

// RemoveFirst unlinks the first value matching pred.
func (s *Seq[T]) RemoveFirst(tx *Tx, pred func(T) bool) bool {
	return s.removeMatching(tx, pred, true) > 0
}

// RemoveAll unlinks every value matching pred and returns how many.
func (s *Seq[T]) RemoveAll(tx *Tx, pred func(T) bool) int {
	return s.removeMatching(tx, pred, false)
}

func (s *Seq[T]) removeMatching(tx *Tx, pred func(T) bool, firstOnly bool) int {
	removed := 0
	var prev *Cell[seqNode[T]]
	curr := s.head.Read(tx)
	for curr != nil {
		n := curr.Read(tx)
		if !pred(n.value) {
			prev = curr
			curr = n.next
			continue
		}
		if prev == nil {
			s.head.Write(tx, n.next)
		} else {
			pn := prev.Read(tx)
			pn.next = n.next
			prev.Write(tx, pn)
		}
		if n.next == nil {
			s.tail.Write(tx, prev)
		}
		removed++
		curr = n.next
		if firstOnly {
			break
		}
	}
	if removed > 0 {
		s.count.Write(tx, s.count.Read(tx)-removed)
	}
	return removed
}

// Len is the number of values.
func (s *Seq[T]) Len(tx *Tx) int {
	return s.count.Read(tx)
}

// Range calls fn for each value in order until fn returns false.
func (s *Seq[T]) Range(tx *Tx, fn func(T) bool) {
	for curr := s.head.Read(tx); curr != nil; {
		n := curr.Read(tx)
		if !fn(n.value) {
			return
		}
		curr = n.next
	}
}

// Values copies the list into a slice.
func (s *Seq[T]) Values(tx *Tx) []T {
	out := make([]T, 0, s.count.Read(tx))
	s.Range(tx, func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Clear drops every value.
func (s *Seq[T]) Clear(tx *Tx) {
	s.head.Write(tx, nil)
	s.tail.Write(tx, nil)
	s.count.Write(tx, 0)
}

func (s *Seq[T]) nodeAt(tx *Tx, i int) *Cell[seqNode[T]] {
	if i < 0 {
		return nil
	}
	curr := s.head.Read(tx)
	for curr != nil && i > 0 {
		curr = curr.Read(tx).next
		i--
	}
	return curr
}
