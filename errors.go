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

import "errors"

var (
	// ErrNotInTransaction is raised when a transactional operation is
	// invoked with a nil or already completed transaction.
	ErrNotInTransaction = errors.New("shielded: not in transaction")
	// ErrKeyNotFound is returned by indexers on a missing key.
	ErrKeyNotFound = errors.New("shielded: key not found")
	// ErrInvalidState is raised when a conditional test touches no cell
	// or Conditional gets a nil function, and when a restricted
	// transaction or a running commute steps outside what it may touch
	// or register. Completed continuations report
	// ErrContinuationCompleted instead.
	ErrInvalidState = errors.New("shielded: invalid transactional state")
	// ErrContinuationCompleted is returned by continuation operations
	// after Commit, Dispose or a timeout rollback.
	ErrContinuationCompleted = errors.New("shielded: continuation already completed")
	// ErrAborted is returned by Run when the closure requested a
	// rollback without retry.
	ErrAborted = errors.New("shielded: transaction aborted")
	// ErrMaxRetries is returned by Run when Config.MaxRetries attempts
	// were exhausted by conflicts.
	ErrMaxRetries = errors.New("shielded: transaction retry limit reached")
)

// rollbackSignal travels as a panic value from Tx.Rollback and internal
// conflict detection up to the transaction driver, which recovers it.
// It never escapes Run.
type rollbackSignal struct {
	retry bool
	err   error
}
