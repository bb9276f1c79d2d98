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

package footprint

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

const _defaultHashes = 3

// Set is the footprint of a committing transaction: the fingerprints of
// every transactional object it touched, plus a 64-bit summary acting
// as a small bloom filter. Two sets whose summaries do not share a bit
// are disjoint without walking the exact fingerprints.
type Set struct {
	hashes  int
	summary uint64
	fps     map[uint64]struct{}
}

func New(hashes int) *Set {
	if hashes <= 0 {
		hashes = _defaultHashes
	}
	return &Set{
		hashes: hashes,
		fps:    make(map[uint64]struct{}),
	}
}

func (s *Set) Add(fp uint64) {
	if _, ok := s.fps[fp]; ok {
		return
	}
	s.fps[fp] = struct{}{}
	s.summary |= summarize(fp, s.hashes)
}

func (s *Set) Contains(fp uint64) bool {
	if s == nil || s.summary&summarize(fp, s.hashes) != summarize(fp, s.hashes) {
		return false
	}
	_, ok := s.fps[fp]
	return ok
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.fps)
}

// Overlaps reports whether the two sets share a fingerprint. The
// summaries rule out the common disjoint case in one AND.
func (s *Set) Overlaps(o *Set) bool {
	if s.Len() == 0 || o.Len() == 0 {
		return false
	}
	if s.summary&o.summary == 0 {
		return false
	}
	small, big := s, o
	if big.Len() < small.Len() {
		small, big = big, small
	}
	for fp := range small.fps {
		if _, ok := big.fps[fp]; ok {
			return true
		}
	}
	return false
}

// summarize spreads a fingerprint over the 64 summary bits, one bit per
// seeded hash round.
func summarize(fp uint64, hashes int) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], fp)

	var bits uint64
	for i := 0; i < hashes; i++ {
		h := murmur3.Sum64WithSeed(buf[:], uint32(i))
		bits |= 1 << (h % 64)
	}
	return bits
}
