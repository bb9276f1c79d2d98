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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The predicate evaluates once at registration and once per commit of
// an observed cell; the action only ever sees states satisfying it.
func TestConditionalTrigger(t *testing.T) {
	rt := setupRuntime(t)
	x := NewCell(rt, 0)
	hits := NewCell(rt, 0)

	testCalls := 0
	err := rt.Conditional(func(tx *Tx) bool {
		testCalls++
		v := x.Read(tx)
		return v > 0 && v%2 == 0
	}, func(tx *Tx) bool {
		v := x.Read(tx)
		assert.Equal(t, 0, v%2, "action ran with odd value %d", v)
		hits.Write(tx, hits.Read(tx)+1)
		return true
	})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		require.NoError(t, rt.Run(func(tx *Tx) error {
			x.Write(tx, x.Read(tx)+1)
			return nil
		}))
	}

	assert.Equal(t, 1001, testCalls)
	assert.Equal(t, 500, hits.Value())
}

func TestConditionalEmptyFootprint(t *testing.T) {
	rt := setupRuntime(t)

	err := rt.Conditional(func(tx *Tx) bool {
		return true
	}, func(tx *Tx) bool {
		return true
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

// An action returning false after a positive test drops the
// subscription.
func TestConditionalOneShot(t *testing.T) {
	rt := setupRuntime(t)
	x := NewCell(rt, 0)

	fired := 0
	require.NoError(t, rt.Conditional(func(tx *Tx) bool {
		return x.Read(tx) > 0
	}, func(tx *Tx) bool {
		fired++
		return false
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, rt.Run(func(tx *Tx) error {
			x.Write(tx, x.Read(tx)+1)
			return nil
		}))
	}
	assert.Equal(t, 1, fired)
}

// A predicate whose footprint moves between cells keeps firing on the
// cells it currently reads.
func TestConditionalFootprintChurn(t *testing.T) {
	rt := setupRuntime(t)
	gate := NewCell(rt, false)
	a := NewCell(rt, 0)
	b := NewCell(rt, 0)

	fired := 0
	require.NoError(t, rt.Conditional(func(tx *Tx) bool {
		if gate.Read(tx) {
			return b.Read(tx) > 0
		}
		return a.Read(tx) > 10
	}, func(tx *Tx) bool {
		fired++
		return true
	}))

	// flip the predicate onto b
	require.NoError(t, rt.Run(func(tx *Tx) error {
		gate.Write(tx, true)
		return nil
	}))
	// b is observed once the re-evaluation settled on the new read set
	require.NoError(t, rt.Run(func(tx *Tx) error {
		b.Write(tx, 1)
		return nil
	}))
	assert.Equal(t, 1, fired)
}

func TestConditionalFiresAtRegistration(t *testing.T) {
	rt := setupRuntime(t)
	x := NewCell(rt, 42)

	fired := 0
	require.NoError(t, rt.Conditional(func(tx *Tx) bool {
		return x.Read(tx) > 0
	}, func(tx *Tx) bool {
		fired++
		return true
	}))
	assert.Equal(t, 1, fired)
}
