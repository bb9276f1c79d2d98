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

import "cmp"

// treeNode is the payload of one tree node cell. Links are cell
// references; rotations rewrite whole nodes through cell writes, so
// every rebalancing step is transactional.
type treeNode[K cmp.Ordered, V comparable] struct {
	red   bool
	key   K
	value V
	left  *Cell[treeNode[K, V]]
	right *Cell[treeNode[K, V]]
	// parent is a forward handle up the tree, nil at the root.
	parent *Cell[treeNode[K, V]]
}

// Tree is a transactional sorted map backed by a red-black tree of
// cells. Duplicate keys are allowed; equal keys sort by insertion into
// the right subtree.
type Tree[K cmp.Ordered, V comparable] struct {
	rt    *Runtime
	root  *Cell[*Cell[treeNode[K, V]]]
	count *Cell[int]
}

func NewTree[K cmp.Ordered, V comparable](rt *Runtime) *Tree[K, V] {
	return &Tree[K, V]{
		rt:    rt,
		root:  NewCell[*Cell[treeNode[K, V]]](rt, nil),
		count: NewCell(rt, 0),
	}
}

// Get returns a value stored under key.
func (t *Tree[K, V]) Get(tx *Tx, key K) (V, bool) {
	if n := t.findNode(tx, key); n != nil {
		return n.Read(tx).value, true
	}
	var zero V
	return zero, false
}

// Fetch is Get reporting a missing key as ErrKeyNotFound.
func (t *Tree[K, V]) Fetch(tx *Tx, key K) (V, error) {
	v, ok := t.Get(tx, key)
	if !ok {
		var zero V
		return zero, ErrKeyNotFound
	}
	return v, nil
}

func (t *Tree[K, V]) ContainsKey(tx *Tx, key K) bool {
	return t.findNode(tx, key) != nil
}

// ContainsPair reports whether some entry under key holds value.
func (t *Tree[K, V]) ContainsPair(tx *Tx, key K, value V) bool {
	found := false
	t.ascend(tx, t.root.Read(tx), &key, &key, func(_ *Cell[treeNode[K, V]], n treeNode[K, V]) bool {
		if n.value == value {
			found = true
			return false
		}
		return true
	})
	return found
}

// Add inserts key with value. Duplicate keys accumulate.
func (t *Tree[K, V]) Add(tx *Tx, key K, value V) {
	n := NewCell(t.rt, treeNode[K, V]{red: true, key: key, value: value})

	curr := t.root.Read(tx)
	if curr == nil {
		nn := n.Read(tx)
		nn.red = false
		n.Write(tx, nn)
		t.root.Write(tx, n)
		t.count.Write(tx, t.count.Read(tx)+1)
		return
	}
	for {
		cn := curr.Read(tx)
		if key < cn.key {
			if cn.left == nil {
				cn.left = n
				curr.Write(tx, cn)
				break
			}
			curr = cn.left
		} else {
			if cn.right == nil {
				cn.right = n
				curr.Write(tx, cn)
				break
			}
			curr = cn.right
		}
	}
	nn := n.Read(tx)
	nn.parent = curr
	n.Write(tx, nn)

	t.insertFixup(tx, n)
	t.count.Write(tx, t.count.Read(tx)+1)
}

// RemoveKey unlinks one entry under key.
func (t *Tree[K, V]) RemoveKey(tx *Tx, key K) bool {
	n := t.findNode(tx, key)
	if n == nil {
		return false
	}
	t.deleteNode(tx, n)
	t.count.Write(tx, t.count.Read(tx)-1)
	return true
}

// RemovePair unlinks one entry holding exactly key and value.
func (t *Tree[K, V]) RemovePair(tx *Tx, key K, value V) bool {
	var victim *Cell[treeNode[K, V]]
	t.ascend(tx, t.root.Read(tx), &key, &key, func(c *Cell[treeNode[K, V]], n treeNode[K, V]) bool {
		if n.value == value {
			victim = c
			return false
		}
		return true
	})
	if victim == nil {
		return false
	}
	t.deleteNode(tx, victim)
	t.count.Write(tx, t.count.Read(tx)-1)
	return true
}

func (t *Tree[K, V]) Len(tx *Tx) int {
	return t.count.Read(tx)
}

// Clear unlinks the whole tree.
func (t *Tree[K, V]) Clear(tx *Tx) {
	t.root.Write(tx, nil)
	t.count.Write(tx, 0)
}

// Range visits entries with from <= key <= to in ascending key order
// until fn returns false.
func (t *Tree[K, V]) Range(tx *Tx, from, to K, fn func(K, V) bool) {
	t.ascend(tx, t.root.Read(tx), &from, &to, func(_ *Cell[treeNode[K, V]], n treeNode[K, V]) bool {
		return fn(n.key, n.value)
	})
}

// RangeDescending visits entries with from <= key <= to in descending
// key order until fn returns false.
func (t *Tree[K, V]) RangeDescending(tx *Tx, from, to K, fn func(K, V) bool) {
	t.descend(tx, t.root.Read(tx), &from, &to, func(_ *Cell[treeNode[K, V]], n treeNode[K, V]) bool {
		return fn(n.key, n.value)
	})
}

// All visits every entry in ascending key order until fn returns false.
func (t *Tree[K, V]) All(tx *Tx, fn func(K, V) bool) {
	t.ascend(tx, t.root.Read(tx), nil, nil, func(_ *Cell[treeNode[K, V]], n treeNode[K, V]) bool {
		return fn(n.key, n.value)
	})
}

// AllDescending visits every entry in descending key order until fn
// returns false.
func (t *Tree[K, V]) AllDescending(tx *Tx, fn func(K, V) bool) {
	t.descend(tx, t.root.Read(tx), nil, nil, func(_ *Cell[treeNode[K, V]], n treeNode[K, V]) bool {
		return fn(n.key, n.value)
	})
}

func (t *Tree[K, V]) findNode(tx *Tx, key K) *Cell[treeNode[K, V]] {
	curr := t.root.Read(tx)
	for curr != nil {
		cn := curr.Read(tx)
		switch {
		case key < cn.key:
			curr = cn.left
		case key > cn.key:
			curr = cn.right
		default:
			return curr
		}
	}
	return nil
}

func (t *Tree[K, V]) ascend(tx *Tx, n *Cell[treeNode[K, V]], from, to *K, fn func(*Cell[treeNode[K, V]], treeNode[K, V]) bool) bool {
	if n == nil {
		return true
	}
	nn := n.Read(tx)
	if from == nil || nn.key >= *from {
		if !t.ascend(tx, nn.left, from, to, fn) {
			return false
		}
		if (to == nil || nn.key <= *to) && !fn(n, nn) {
			return false
		}
	}
	if to == nil || nn.key <= *to {
		return t.ascend(tx, nn.right, from, to, fn)
	}
	return true
}

func (t *Tree[K, V]) descend(tx *Tx, n *Cell[treeNode[K, V]], from, to *K, fn func(*Cell[treeNode[K, V]], treeNode[K, V]) bool) bool {
	if n == nil {
		return true
	}
	nn := n.Read(tx)
	if to == nil || nn.key <= *to {
		if !t.descend(tx, nn.right, from, to, fn) {
			return false
		}
		if (from == nil || nn.key >= *from) && !fn(n, nn) {
			return false
		}
	}
	if from == nil || nn.key >= *from {
		return t.descend(tx, nn.left, from, to, fn)
	}
	return true
}

func (t *Tree[K, V]) minimum(tx *Tx, n *Cell[treeNode[K, V]]) *Cell[treeNode[K, V]] {
	for {
		nn := n.Read(tx)
		if nn.left == nil {
			return n
		}
		n = nn.left
	}
}

// deleteNode unlinks z. An interior node first swaps payload with its
// in-order successor so the structural removal always happens at a node
// with at most one child; a black leaf is fixed up as a phantom before
// it is unlinked.
func (t *Tree[K, V]) deleteNode(tx *Tx, z *Cell[treeNode[K, V]]) {
	zn := z.Read(tx)
	if zn.left != nil && zn.right != nil {
		s := t.minimum(tx, zn.right)
		sn := s.Read(tx)
		zn.key = sn.key
		zn.value = sn.value
		z.Write(tx, zn)
		z = s
		zn = sn
	}

	repl := zn.left
	if repl == nil {
		repl = zn.right
	}
	switch {
	case repl != nil:
		rn := repl.Read(tx)
		rn.parent = zn.parent
		repl.Write(tx, rn)
		t.replaceChild(tx, zn.parent, z, repl)
		if !zn.red {
			t.deleteFixup(tx, repl)
		}
	case zn.parent == nil:
		t.root.Write(tx, nil)
	default:
		if !zn.red {
			t.deleteFixup(tx, z)
		}
		if p := z.Read(tx).parent; p != nil {
			t.replaceChild(tx, p, z, nil)
		}
	}
}

func (t *Tree[K, V]) replaceChild(tx *Tx, p, old, repl *Cell[treeNode[K, V]]) {
	if p == nil {
		t.root.Write(tx, repl)
		return
	}
	pn := p.Read(tx)
	if pn.left == old {
		pn.left = repl
	} else {
		pn.right = repl
	}
	p.Write(tx, pn)
}

func (t *Tree[K, V]) insertFixup(tx *Tx, z *Cell[treeNode[K, V]]) {
	for t.isRed(tx, t.parentOf(tx, z)) {
		p := t.parentOf(tx, z)
		g := t.parentOf(tx, p)
		if p == t.leftOf(tx, g) {
			u := t.rightOf(tx, g)
			if t.isRed(tx, u) {
				t.setColor(tx, p, false)
				t.setColor(tx, u, false)
				t.setColor(tx, g, true)
				z = g
				continue
			}
			if z == t.rightOf(tx, p) {
				z = p
				t.rotateLeft(tx, z)
			}
			p = t.parentOf(tx, z)
			g = t.parentOf(tx, p)
			t.setColor(tx, p, false)
			t.setColor(tx, g, true)
			t.rotateRight(tx, g)
		} else {
			u := t.leftOf(tx, g)
			if t.isRed(tx, u) {
				t.setColor(tx, p, false)
				t.setColor(tx, u, false)
				t.setColor(tx, g, true)
				z = g
				continue
			}
			if z == t.leftOf(tx, p) {
				z = p
				t.rotateRight(tx, z)
			}
			p = t.parentOf(tx, z)
			g = t.parentOf(tx, p)
			t.setColor(tx, p, false)
			t.setColor(tx, g, true)
			t.rotateLeft(tx, g)
		}
	}
	t.setColor(tx, t.root.Read(tx), false)
}

func (t *Tree[K, V]) deleteFixup(tx *Tx, x *Cell[treeNode[K, V]]) {
	for x != t.root.Read(tx) && !t.isRed(tx, x) {
		p := t.parentOf(tx, x)
		if x == t.leftOf(tx, p) {
			sib := t.rightOf(tx, p)
			if t.isRed(tx, sib) {
				t.setColor(tx, sib, false)
				t.setColor(tx, p, true)
				t.rotateLeft(tx, p)
				p = t.parentOf(tx, x)
				sib = t.rightOf(tx, p)
			}
			if !t.isRed(tx, t.leftOf(tx, sib)) && !t.isRed(tx, t.rightOf(tx, sib)) {
				t.setColor(tx, sib, true)
				x = p
			} else {
				if !t.isRed(tx, t.rightOf(tx, sib)) {
					t.setColor(tx, t.leftOf(tx, sib), false)
					t.setColor(tx, sib, true)
					t.rotateRight(tx, sib)
					p = t.parentOf(tx, x)
					sib = t.rightOf(tx, p)
				}
				t.setColor(tx, sib, t.isRed(tx, p))
				t.setColor(tx, p, false)
				t.setColor(tx, t.rightOf(tx, sib), false)
				t.rotateLeft(tx, p)
				x = t.root.Read(tx)
			}
		} else {
			sib := t.leftOf(tx, p)
			if t.isRed(tx, sib) {
				t.setColor(tx, sib, false)
				t.setColor(tx, p, true)
				t.rotateRight(tx, p)
				p = t.parentOf(tx, x)
				sib = t.leftOf(tx, p)
			}
			if !t.isRed(tx, t.leftOf(tx, sib)) && !t.isRed(tx, t.rightOf(tx, sib)) {
				t.setColor(tx, sib, true)
				x = p
			} else {
				if !t.isRed(tx, t.leftOf(tx, sib)) {
					t.setColor(tx, t.rightOf(tx, sib), false)
					t.setColor(tx, sib, true)
					t.rotateLeft(tx, sib)
					p = t.parentOf(tx, x)
					sib = t.leftOf(tx, p)
				}
				t.setColor(tx, sib, t.isRed(tx, p))
				t.setColor(tx, p, false)
				t.setColor(tx, t.leftOf(tx, sib), false)
				t.rotateRight(tx, p)
				x = t.root.Read(tx)
			}
		}
	}
	t.setColor(tx, x, false)
}

func (t *Tree[K, V]) rotateLeft(tx *Tx, x *Cell[treeNode[K, V]]) {
	if x == nil {
		return
	}
	xn := x.Read(tx)
	y := xn.right
	if y == nil {
		return
	}
	yn := y.Read(tx)

	xn.right = yn.left
	if yn.left != nil {
		ln := yn.left.Read(tx)
		ln.parent = x
		yn.left.Write(tx, ln)
	}
	yn.parent = xn.parent
	if xn.parent == nil {
		t.root.Write(tx, y)
	} else {
		pn := xn.parent.Read(tx)
		if pn.left == x {
			pn.left = y
		} else {
			pn.right = y
		}
		xn.parent.Write(tx, pn)
	}
	yn.left = x
	xn.parent = y
	x.Write(tx, xn)
	y.Write(tx, yn)
}

func (t *Tree[K, V]) rotateRight(tx *Tx, x *Cell[treeNode[K, V]]) {
	if x == nil {
		return
	}
	xn := x.Read(tx)
	y := xn.left
	if y == nil {
		return
	}
	yn := y.Read(tx)

	xn.left = yn.right
	if yn.right != nil {
		rn := yn.right.Read(tx)
		rn.parent = x
		yn.right.Write(tx, rn)
	}
	yn.parent = xn.parent
	if xn.parent == nil {
		t.root.Write(tx, y)
	} else {
		pn := xn.parent.Read(tx)
		if pn.right == x {
			pn.right = y
		} else {
			pn.left = y
		}
		xn.parent.Write(tx, pn)
	}
	yn.right = x
	xn.parent = y
	x.Write(tx, xn)
	y.Write(tx, yn)
}

func (t *Tree[K, V]) parentOf(tx *Tx, n *Cell[treeNode[K, V]]) *Cell[treeNode[K, V]] {
	if n == nil {
		return nil
	}
	return n.Read(tx).parent
}

func (t *Tree[K, V]) leftOf(tx *Tx, n *Cell[treeNode[K, V]]) *Cell[treeNode[K, V]] {
	if n == nil {
		return nil
	}
	return n.Read(tx).left
}

func (t *Tree[K, V]) rightOf(tx *Tx, n *Cell[treeNode[K, V]]) *Cell[treeNode[K, V]] {
	if n == nil {
		return nil
	}
	return n.Read(tx).right
}

func (t *Tree[K, V]) isRed(tx *Tx, n *Cell[treeNode[K, V]]) bool {
	return n != nil && n.Read(tx).red
}

func (t *Tree[K, V]) setColor(tx *Tx, n *Cell[treeNode[K, V]], red bool) {
	if n == nil {
		return
	}
	nn := n.Read(tx)
	if nn.red == red {
		return
	}
	nn.red = red
	n.Write(tx, nn)
}
