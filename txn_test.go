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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAbort(t *testing.T) {
	rt := setupRuntime(t)
	c := NewCell(rt, 1)

	err := rt.Run(func(tx *Tx) error {
		c.Write(tx, 2)
		tx.Rollback(false)
		return nil
	})
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 1, c.Value())
}

func TestRunClosureError(t *testing.T) {
	rt := setupRuntime(t)
	c := NewCell(rt, 1)
	boom := errors.New("boom")

	err := rt.Run(func(tx *Tx) error {
		c.Write(tx, 2)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.Value())
}

func TestRunMaxRetries(t *testing.T) {
	rt := New(Config{MaxRetries: 3})
	defer rt.Close()

	attempts := 0
	err := rt.Run(func(tx *Tx) error {
		attempts++
		tx.Rollback(true)
		return nil
	})
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, 3, attempts)
}

func TestRunIn(t *testing.T) {
	rt := setupRuntime(t)
	c := NewCell(rt, 0)

	bump := func(tx *Tx) error {
		c.Write(tx, c.Read(tx)+1)
		return nil
	}

	err := rt.Run(func(tx *Tx) error {
		// nested helper joins the ambient transaction
		return rt.RunIn(tx, bump)
	})
	require.NoError(t, err)
	require.NoError(t, rt.RunIn(nil, bump))
	assert.Equal(t, 2, c.Value())
}

func TestSideEffectsOrderAndOnce(t *testing.T) {
	rt := setupRuntime(t)
	c := NewCell(rt, 0)

	var fired []string
	err := rt.Run(func(tx *Tx) error {
		tx.SideEffect(func() error {
			fired = append(fired, "first")
			return nil
		}, nil)
		c.Write(tx, 1)
		tx.SideEffect(func() error {
			fired = append(fired, "second")
			return nil
		}, nil)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, fired)
}

func TestSideEffectsOnRollback(t *testing.T) {
	rt := setupRuntime(t)

	var rolledBack bool
	err := rt.Run(func(tx *Tx) error {
		tx.SideEffect(func() error {
			t.Error("commit side effect must not fire on abort")
			return nil
		}, func() error {
			rolledBack = true
			return nil
		})
		tx.Rollback(false)
		return nil
	})
	assert.ErrorIs(t, err, ErrAborted)
	assert.True(t, rolledBack)
}

// Commit side-effect errors surface after the transaction is durable:
// the write sticks, the first error propagates and the rest aggregate.
func TestSideEffectErrorsAggregate(t *testing.T) {
	rt := setupRuntime(t)
	c := NewCell(rt, 0)
	first := errors.New("first")
	second := errors.New("second")

	err := rt.Run(func(tx *Tx) error {
		c.Write(tx, 9)
		tx.SideEffect(func() error { return first }, nil)
		tx.SideEffect(func() error { return second }, nil)
		return nil
	})
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Equal(t, 9, c.Value())
}

func TestPreCommitValidator(t *testing.T) {
	rt := setupRuntime(t)
	a := NewCell(rt, 0)
	b := NewCell(rt, 0)

	err := rt.Run(func(tx *Tx) error {
		tx.PreCommit(func(tx *Tx) bool {
			return a.Read(tx) > 0
		}, func(tx *Tx) {
			b.Write(tx, a.Read(tx)*2)
		})
		a.Write(tx, 21)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 21, a.Value())
	assert.Equal(t, 42, b.Value())
}

func TestWhenCommittingObserves(t *testing.T) {
	rt := setupRuntime(t)
	a := NewCell(rt, 0)
	other := NewCell(rt, 0)

	var seen []int
	cancel := rt.WhenCommitting([]Enlistable{a}, func(tx *Tx) error {
		seen = append(seen, a.Read(tx))
		return nil
	})
	defer cancel()

	require.NoError(t, rt.Run(func(tx *Tx) error {
		a.Write(tx, 7)
		return nil
	}))
	// a transaction outside the filter does not reach the observer
	require.NoError(t, rt.Run(func(tx *Tx) error {
		other.Write(tx, 1)
		return nil
	}))
	assert.Equal(t, []int{7}, seen)

	cancel()
	require.NoError(t, rt.Run(func(tx *Tx) error {
		a.Write(tx, 8)
		return nil
	}))
	assert.Equal(t, []int{7}, seen)
}

func TestWhenCommittingAborts(t *testing.T) {
	rt := setupRuntime(t)
	a := NewCell(rt, 0)
	veto := errors.New("veto")

	cancel := rt.WhenCommitting([]Enlistable{a}, func(tx *Tx) error {
		return veto
	})
	defer cancel()

	err := rt.Run(func(tx *Tx) error {
		a.Write(tx, 1)
		return nil
	})
	assert.ErrorIs(t, err, veto)
	assert.Equal(t, 0, a.Value())

	// the abort released every lock: a later commit to a goes through
	cancel()
	assert.NoError(t, rt.Run(func(tx *Tx) error {
		a.Write(tx, 2)
		return nil
	}))
	assert.Equal(t, 2, a.Value())
}

// Observers cannot grow the transaction's footprint: no new reads, no
// promotion of a read to a write.
func TestWhenCommittingRestricted(t *testing.T) {
	rt := setupRuntime(t)
	a := NewCell(rt, 0)
	b := NewCell(rt, 0)

	cancel := rt.WhenCommitting([]Enlistable{a}, func(tx *Tx) error {
		b.Read(tx)
		return nil
	})
	err := rt.Run(func(tx *Tx) error {
		a.Write(tx, 1)
		return nil
	})
	cancel()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, a.Value())

	cancel = rt.WhenCommitting([]Enlistable{b}, func(tx *Tx) error {
		// a was only read by the transaction; writing it here is a
		// forbidden promotion
		a.Write(tx, 100)
		return nil
	})
	defer cancel()
	err = rt.Run(func(tx *Tx) error {
		a.Read(tx)
		b.Write(tx, 5)
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, a.Value())
	assert.Equal(t, 0, b.Value())
}

func TestWhenCommittingMayWriteWritten(t *testing.T) {
	rt := setupRuntime(t)
	a := NewCell(rt, 0)

	cancel := rt.WhenCommitting([]Enlistable{a}, func(tx *Tx) error {
		a.Write(tx, a.Read(tx)+1)
		return nil
	})
	defer cancel()

	require.NoError(t, rt.Run(func(tx *Tx) error {
		a.Write(tx, 10)
		return nil
	}))
	assert.Equal(t, 11, a.Value())
}

func TestStatsCount(t *testing.T) {
	rt := setupRuntime(t)
	c := NewCell(rt, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, rt.Run(func(tx *Tx) error {
			c.Write(tx, i)
			return nil
		}))
	}
	s := rt.Stats()
	assert.Equal(t, uint64(3), s.Commits)
	assert.NotZero(t, s.Trims)
}
