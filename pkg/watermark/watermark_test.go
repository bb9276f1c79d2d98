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

package watermark

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaterMarkDoneUntil(t *testing.T) {
	w := New()
	defer w.Stop()

	w.Begin(1)
	w.Begin(2)
	w.Begin(3)

	w.Done(2)
	w.Done(1)

	assert.Eventually(t, func() bool {
		return w.DoneUntil() == 2
	}, time.Second, time.Millisecond)

	w.Done(3)
	assert.Eventually(t, func() bool {
		return w.DoneUntil() == 3
	}, time.Second, time.Millisecond)
}

func TestWaterMarkOutOfOrderDone(t *testing.T) {
	w := New()
	defer w.Stop()

	w.Begin(1)
	w.Begin(2)
	w.Done(2)

	// 1 still open: the watermark cannot pass it
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint64(0), w.DoneUntil())

	w.Done(1)
	assert.Eventually(t, func() bool {
		return w.DoneUntil() == 2
	}, time.Second, time.Millisecond)
}

func TestWaterMarkWaitForMark(t *testing.T) {
	w := New()
	defer w.Stop()

	w.Begin(1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, w.WaitForMark(context.Background(), 1))
	}()

	w.Done(1)
	wg.Wait()
	assert.Equal(t, uint64(1), w.DoneUntil())
}

func TestWaterMarkWaitForMarkCancel(t *testing.T) {
	w := New()
	defer w.Stop()

	w.Begin(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.WaitForMark(ctx, 1), context.DeadlineExceeded)
}

func TestWaterMarkConcurrent(t *testing.T) {
	w := New()
	defer w.Stop()

	var wg sync.WaitGroup
	for i := uint64(1); i <= 100; i++ {
		w.Begin(i)
		wg.Add(1)
		go func(i uint64) {
			defer wg.Done()
			w.Done(i)
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return w.DoneUntil() == 100
	}, time.Second, time.Millisecond)
}
