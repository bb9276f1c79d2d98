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

// Package shielded is an in-process software transactional memory
// runtime. Reads and writes to transactional cells grouped in atomic
// blocks get serializable snapshot isolation through multi-version
// concurrency control, optimistic validation and automatic retry on
// conflict.
package shielded

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/B1NARY-GR0UP/shielded/pkg/logger"
)

// Runtime owns the global stamp counter, the version list and the
// commit check list shared by every cell created against it.
type Runtime struct {
	config Config
	logger logger.Logger

	stamps  atomic.Uint64
	itemIDs atomic.Uint64

	versions  *versionList
	checklist *commitList

	hooksMu sync.RWMutex
	hooks   []*commitHook

	subs *Seq[*subscription]

	commits atomic.Uint64
	retries atomic.Uint64
	trims   atomic.Uint64
}

func New(config Config) *Runtime {
	_ = config.validate()

	r := &Runtime{
		config:    config,
		logger:    logger.GetLogger(),
		versions:  newVersionList(),
		checklist: newCommitList(config.SpinBackoff),
	}
	r.subs = NewSeq[*subscription](r)
	return r
}

// Close releases background resources. Call after every transaction
// and continuation has completed.
func (r *Runtime) Close() {
	r.versions.close()
}

type Stats struct {
	Commits uint64
	Retries uint64
	Trims   uint64
}

func (r *Runtime) Stats() Stats {
	return Stats{
		Commits: r.commits.Load(),
		Retries: r.retries.Load(),
		Trims:   r.trims.Load(),
	}
}

func (r *Runtime) nextFingerprint() uint64 {
	return r.itemIDs.Add(1)
}

func (r *Runtime) backoff() {
	runtime.Gosched()
	if r.config.SpinBackoff > 0 {
		time.Sleep(r.config.SpinBackoff)
	}
}

func (r *Runtime) maybeTrim() {
	if r.commits.Load()%uint64(r.config.TrimEvery) != 0 {
		return
	}
	r.versions.trim()
	r.trims.Add(1)
}
