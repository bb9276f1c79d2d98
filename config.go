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

import "time"

type Config struct {
	// MaxRetries bounds the number of attempts Run makes before giving
	// up with ErrMaxRetries. Zero retries until commit or abort.
	MaxRetries int

	// SpinBackoff is slept between polls of a held write-stamp lock or
	// a conflicting in-flight commit entry. Zero yields the processor
	// without sleeping.
	SpinBackoff time.Duration

	// TrimEvery runs a version trim pass every N published commits.
	TrimEvery int

	// FootprintHashes is the number of hash rounds mixed into a commit
	// footprint summary; disjoint footprints are proven cheaply from
	// the summaries before exact sets are compared.
	FootprintHashes int
}

var DefaultConfig = Config{
	MaxRetries:      0,
	SpinBackoff:     0,
	TrimEvery:       1,
	FootprintHashes: 3,
}

func (c *Config) validate() error {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.SpinBackoff < 0 {
		c.SpinBackoff = DefaultConfig.SpinBackoff
	}
	if c.TrimEvery <= 0 {
		c.TrimEvery = DefaultConfig.TrimEvery
	}
	if c.FootprintHashes <= 0 {
		c.FootprintHashes = DefaultConfig.FootprintHashes
	}
	return nil
}
