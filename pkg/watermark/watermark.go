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
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
)

const _eventCBufferSize = 100

// WaterMark tracks a set of in-flight stamps and exposes the highest
// stamp below which every started stamp has finished.
//
// DoneUntil:
// All stamps less than or equal to this value have completed. Version
// trimming uses this to avoid advancing past a write ticket whose
// change set has not been deposited yet.
type WaterMark struct {
	wg sync.WaitGroup

	doneUntil atomic.Uint64

	eventC chan event
	stopC  chan struct{}
}

type event struct {
	ts     uint64
	done   bool
	waiter chan struct{}
}

func New() *WaterMark {
	w := &WaterMark{
		eventC: make(chan event, _eventCBufferSize),
		stopC:  make(chan struct{}),
	}

	w.wg.Add(1)
	go w.process()

	return w
}

// Stop WaterMark, do not use with Begin
func (w *WaterMark) Stop() {
	close(w.stopC)
	w.wg.Wait()
}

func (w *WaterMark) Begin(ts uint64) {
	w.eventC <- event{
		ts: ts,
	}
}

func (w *WaterMark) Done(ts uint64) {
	w.eventC <- event{
		ts:   ts,
		done: true,
	}
}

func (w *WaterMark) DoneUntil() uint64 {
	return w.doneUntil.Load()
}

func (w *WaterMark) WaitForMark(ctx context.Context, ts uint64) error {
	if w.DoneUntil() >= ts {
		return nil
	}

	waiter := make(chan struct{})
	w.eventC <- event{
		ts:     ts,
		waiter: waiter,
	}

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WaterMark) process() {
	defer w.wg.Done()

	var stamps minHeap
	pending := make(map[uint64]int)
	waiters := make(map[uint64][]chan struct{})

	heap.Init(&stamps)
	for {
		select {
		case <-w.stopC:
			close(w.eventC)
			return
		case e := <-w.eventC:
			if e.waiter != nil {
				if w.DoneUntil() >= e.ts {
					close(e.waiter)
				} else {
					waiters[e.ts] = append(waiters[e.ts], e.waiter)
				}
				continue
			}

			// begin or done
			prev, ok := pending[e.ts]
			if !ok {
				heap.Push(&stamps, e.ts)
			}

			delta := 1
			if e.done {
				delta = -1
			}
			pending[e.ts] = prev + delta

			// pop every stamp whose begins have all completed; the
			// last popped one is the new watermark
			currDoneUntil := w.DoneUntil()
			doneUntil := currDoneUntil
			for stamps.Len() > 0 {
				minTs := stamps[0]
				if open := pending[minTs]; open > 0 {
					break
				}
				heap.Pop(&stamps)
				delete(pending, minTs)
				doneUntil = minTs
			}

			if doneUntil > currDoneUntil {
				w.doneUntil.Store(doneUntil)

				for ts, cs := range waiters {
					if ts <= doneUntil {
						for _, ch := range cs {
							close(ch)
						}
						delete(waiters, ts)
					}
				}
			}
		}
	}
}

type minHeap []uint64

func (h *minHeap) Len() int {
	return len(*h)
}

func (h *minHeap) Less(i, j int) bool {
	return (*h)[i] < (*h)[j]
}

func (h *minHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
}

func (h *minHeap) Push(x any) {
	*h = append(*h, x.(uint64))
}

func (h *minHeap) Pop() any {
	curr := *h
	n := len(curr)
	e := curr[n-1]
	*h = curr[0 : n-1]
	return e
}
