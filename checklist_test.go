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
	"testing"
	"time"

	"github.com/B1NARY-GR0UP/shielded/pkg/footprint"
	"github.com/stretchr/testify/assert"
)

func fpSet(fps ...uint64) *footprint.Set {
	s := footprint.New(3)
	for _, fp := range fps {
		s.Add(fp)
	}
	return s
}

func TestCommitListDisjointParallel(t *testing.T) {
	cl := newCommitList(0)

	e1 := cl.enter(fpSet(1, 2), fpSet())

	done := make(chan struct{})
	go func() {
		e2 := cl.enter(fpSet(3, 4), fpSet())
		cl.release(e2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint entry waited on an unrelated validator")
	}
	cl.release(e1)
}

func TestCommitListOverlapSerializes(t *testing.T) {
	cl := newCommitList(0)

	e1 := cl.enter(fpSet(1, 2), fpSet())

	entered := make(chan struct{})
	go func() {
		e2 := cl.enter(fpSet(2, 3), fpSet())
		cl.release(e2)
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("overlapping entry passed a held validator")
	case <-time.After(50 * time.Millisecond):
	}

	cl.release(e1)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("overlapping entry never unblocked")
	}
}

// Commute footprints conflict with owned footprints and each other.
func TestCommitListCommuteOverlap(t *testing.T) {
	cl := newCommitList(0)

	e1 := cl.enter(fpSet(), fpSet(7))

	entered := make(chan struct{})
	go func() {
		e2 := cl.enter(fpSet(7), fpSet())
		cl.release(e2)
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("owned set ignored a held commute set")
	case <-time.After(50 * time.Millisecond):
	}
	cl.release(e1)
	<-entered
}

func TestCommitListManyWriters(t *testing.T) {
	cl := newCommitList(0)

	active := 0
	max := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := cl.enter(fpSet(42), fpSet())
			mu.Lock()
			active++
			if active > max {
				max = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			cl.release(e)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, max, "overlapping validators ran concurrently")
}
