// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package indexer

import (
	"fmt"

	cockroacherrors "github.com/cockroachdb/errors"
)

type errCode int16

const (
	ERROR_PANIC errCode = iota

	// Registration-denied: target is under a Scoped Blocker.
	ERROR_CANNOT_CREATE_INDEX

	// Name-collision: another build on the collection already owns this index name.
	ERROR_INDEX_BUILD_ALREADY_IN_PROGRESS
	ERROR_INDEX_BUILD_ABORTED

	// Setup-time failures.
	ERROR_NAMESPACE_NOT_FOUND
	ERROR_SPEC_INVALID
	ERROR_INDEX_ALREADY_EXISTS

	// Driver failures.
	ERROR_DUPLICATE_KEY
	ERROR_INTERRUPTED
	ERROR_ROLLBACK

	// Secondary received commitIndexBuild for a build that already failed locally.
	ERROR_FATAL_INVARIANT
)

type errSeverity int16

const (
	NORMAL errSeverity = iota
	FATAL
)

type errCategory int16

const (
	REGISTRATION errCategory = iota
	SETUP
	DRIVER
	SIGNAL
	RECOVERY
)

// Error is the coordinator's uniform error representation. It travels
// through the per-build promise so every joiner observes the same
// outcome, and carries enough structure for callers to branch on intent
// (registration-denied vs name-collision vs constraint-violated) without
// parsing message text.
type Error struct {
	code     errCode
	severity errSeverity
	category errCategory
	cause    error
	msg      string
}

func newError(code errCode, category errCategory, msg string, args ...interface{}) Error {
	return Error{
		code:     code,
		severity: NORMAL,
		category: category,
		msg:      fmt.Sprintf(msg, args...),
	}
}

func newFatalError(code errCode, category errCategory, cause error, msg string, args ...interface{}) Error {
	return Error{
		code:     code,
		severity: FATAL,
		category: category,
		cause:    cockroacherrors.WithStack(cause),
		msg:      fmt.Sprintf(msg, args...),
	}
}

func wrapError(code errCode, category errCategory, cause error, msg string, args ...interface{}) Error {
	return Error{
		code:     code,
		severity: NORMAL,
		category: category,
		cause:    cockroacherrors.WithStack(cause),
		msg:      fmt.Sprintf(msg, args...),
	}
}

func (e Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e Error) Unwrap() error {
	return e.cause
}

// Code exposes the error kind so callers can branch without string
// matching, e.g. `if idxErr, ok := err.(Error); ok && idxErr.Code() ==
// ERROR_CANNOT_CREATE_INDEX`.
func (e Error) Code() errCode {
	return e.code
}

func (e Error) IsFatal() bool {
	return e.severity == FATAL
}

func errCannotCreateIndex(target string) Error {
	return newError(ERROR_CANNOT_CREATE_INDEX, REGISTRATION,
		"cannot create index: %s is currently blocked from new index builds", target)
}

func errIndexBuildAlreadyInProgress(indexName string, existing, requested interface{}) Error {
	return newError(ERROR_INDEX_BUILD_ALREADY_IN_PROGRESS, REGISTRATION,
		"index build already in progress for name %q (existing build %v, requested build %v)",
		indexName, existing, requested)
}

func errIndexBuildAborted(indexName string, existing, requested interface{}) Error {
	return newError(ERROR_INDEX_BUILD_ABORTED, REGISTRATION,
		"colliding build %v for index name %q is aborted (requested build %v)",
		existing, indexName, requested)
}

func errNamespaceNotFound(collection interface{}) Error {
	return newError(ERROR_NAMESPACE_NOT_FOUND, SETUP, "namespace not found for collection %v", collection)
}

// NewSpecInvalidError is exported so an IndexBuildsManager implementation
// outside this package can produce an error this package's
// isIndexAlreadyExists recognizes as a constraint-relaxed equivalent of
// ErrIndexAlreadyExists (spec.md §4.2 step 7) — unlike that sentinel,
// the exact cause and reason vary per rejected spec.
func NewSpecInvalidError(cause error, reason string) Error {
	return wrapError(ERROR_SPEC_INVALID, SETUP, cause, "index spec rejected: %s", reason)
}

func errDuplicateKey(indexName string, cause error) Error {
	return wrapError(ERROR_DUPLICATE_KEY, DRIVER, cause, "uniqueness constraint violated building index %q", indexName)
}

func errInterrupted(buildID interface{}) Error {
	return newError(ERROR_INTERRUPTED, DRIVER, "build %v was interrupted", buildID)
}

func errRollback(buildID interface{}, reason string) Error {
	return newError(ERROR_ROLLBACK, DRIVER, "build %v aborted: %s", buildID, reason)
}

func errFatalInvariant(buildID interface{}, held Error) Error {
	return newFatalError(ERROR_FATAL_INVARIANT, DRIVER, held,
		"secondary received commitIndexBuild for build %v that already failed locally", buildID)
}
