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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDictBasicOperations(t *testing.T) {
	rt := setupRuntime(t)
	d := NewDict[string, int](rt)

	err := rt.Run(func(tx *Tx) error {
		d.Set(tx, "one", 1)
		d.Set(tx, "two", 2)

		v, ok := d.Get(tx, "one")
		assert.True(t, ok)
		assert.Equal(t, 1, v)

		_, ok = d.Get(tx, "missing")
		assert.False(t, ok)

		_, err := d.Fetch(tx, "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)

	err = rt.Run(func(tx *Tx) error {
		assert.Equal(t, 2, d.Len(tx))
		v, ok := d.Get(tx, "two")
		assert.True(t, ok)
		assert.Equal(t, 2, v)
		return nil
	})
	require.NoError(t, err)
}

func TestDictRemove(t *testing.T) {
	rt := setupRuntime(t)
	d := NewDict[string, int](rt)

	require.NoError(t, rt.Run(func(tx *Tx) error {
		d.Set(tx, "k", 1)
		return nil
	}))

	err := rt.Run(func(tx *Tx) error {
		d.Remove(tx, "k")
		// remove then contains within one transaction
		assert.False(t, d.ContainsKey(tx, "k"))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, rt.Run(func(tx *Tx) error {
		assert.False(t, d.ContainsKey(tx, "k"))
		assert.Equal(t, 0, d.Len(tx))
		return nil
	}))
}

func TestDictBufferedWritesVisible(t *testing.T) {
	rt := setupRuntime(t)
	d := NewDict[string, int](rt)

	err := rt.Run(func(tx *Tx) error {
		d.Set(tx, "k", 42)
		v, ok := d.Get(tx, "k")
		assert.True(t, ok)
		assert.Equal(t, 42, v)
		assert.Equal(t, 1, d.Len(tx))
		return nil
	})
	require.NoError(t, err)
}

func TestDictRange(t *testing.T) {
	rt := setupRuntime(t)
	d := NewDict[string, int](rt)

	require.NoError(t, rt.Run(func(tx *Tx) error {
		d.Set(tx, "a", 1)
		d.Set(tx, "b", 2)
		d.Set(tx, "c", 3)
		return nil
	}))

	got := map[string]int{}
	require.NoError(t, rt.Run(func(tx *Tx) error {
		d.Remove(tx, "b")
		d.Set(tx, "d", 4)
		d.Range(tx, func(k string, v int) bool {
			got[k] = v
			return true
		})
		return nil
	}))
	assert.Equal(t, map[string]int{"a": 1, "c": 3, "d": 4}, got)
}

func TestDictRawRange(t *testing.T) {
	rt := setupRuntime(t)
	d := NewDict[string, int](rt)

	require.NoError(t, rt.Run(func(tx *Tx) error {
		d.Set(tx, "x", 10)
		return nil
	}))

	got := map[string]int{}
	d.RawRange(func(k string, v int) bool {
		got[k] = v
		return true
	})
	assert.Equal(t, map[string]int{"x": 10}, got)
}

// Concurrent increments of the same key serialize through per-key
// validation; the counter converges.
func TestDictConcurrentWrites(t *testing.T) {
	rt := setupRuntime(t)
	d := NewDict[string, int](rt)

	require.NoError(t, rt.Run(func(tx *Tx) error {
		d.Set(tx, "n", 0)
		return nil
	}))

	var attempts atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rt.Run(func(tx *Tx) error {
				attempts.Add(1)
				v, _ := d.Get(tx, "n")
				d.Set(tx, "n", v+1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, rt.Run(func(tx *Tx) error {
		v, _ := d.Get(tx, "n")
		assert.Equal(t, 20, v)
		return nil
	}))
	assert.GreaterOrEqual(t, attempts.Load(), int64(20))
}

// Disjoint keys of the same dictionary commit without conflicting.
func TestDictDisjointKeysNoConflict(t *testing.T) {
	rt := setupRuntime(t)
	d := NewDict[int, int](rt)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, rt.Run(func(tx *Tx) error {
				d.Set(tx, i, i*i)
				return nil
			}))
		}(i)
	}
	wg.Wait()

	require.NoError(t, rt.Run(func(tx *Tx) error {
		assert.Equal(t, 10, d.Len(tx))
		for i := 0; i < 10; i++ {
			v, ok := d.Get(tx, i)
			assert.True(t, ok)
			assert.Equal(t, i*i, v)
		}
		return nil
	}))
}

// A removed key's tombstone is dropped from the backing map once no
// snapshot can see it anymore.
func TestDictTombstoneCollected(t *testing.T) {
	rt := setupRuntime(t)
	d := NewDict[string, int](rt)
	other := NewCell(rt, 0)

	require.NoError(t, rt.Run(func(tx *Tx) error {
		d.Set(tx, "gone", 1)
		return nil
	}))
	require.NoError(t, rt.Run(func(tx *Tx) error {
		d.Remove(tx, "gone")
		return nil
	}))
	// push the trim bound past the removal
	for i := 0; i < 2; i++ {
		require.NoError(t, rt.Run(func(tx *Tx) error {
			other.Write(tx, i)
			return nil
		}))
	}

	_, ok := d.entries.Load("gone")
	assert.False(t, ok)
}
