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

// Enlistable is any transactional object a transaction can touch. It is
// implemented by Cell and Dict; Seq and Tree are built from cells and
// enlist through them. Used in WhenCommitting filters.
type Enlistable interface {
	fingerprint() uint64
}

// item is the engine-side contract of an enlisted object. The driver
// calls canCommit on every touched item under commit serialization,
// then commit or rollback for the same write stamp.
//
// canCommit is stable: once it returns true, the item holds its
// write-stamp lock until commit or rollback clears it.
type item interface {
	Enlistable

	// hasChanges reports whether the transaction buffered a write.
	hasChanges(tx *Tx) bool
	// canCommit validates the transaction's view of this item and, on
	// success, installs the write-stamp lock.
	canCommit(tx *Tx, ws uint64) bool
	// commit publishes the buffered write (if any) at the write stamp
	// and clears the lock. Reports whether changes were published.
	commit(tx *Tx, ws uint64) bool
	// rollback clears any lock held by the transaction.
	rollback(tx *Tx)
	// trimCopies cuts version history older than the newest entry at or
	// below bound.
	trimCopies(bound uint64)
}
