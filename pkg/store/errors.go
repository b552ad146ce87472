// Package store defines the contracts the synchronization core requires
// from the underlying relational iModel store. The store itself — SQL
// execution, tabular schema metadata, change-stream parsing — is an
// external collaborator; this package specifies only the shape the core
// consumes (§6), plus the sentinel errors used across the engine to
// classify failures the way §7 requires.
package store

import "errors"

// ErrNotFound is returned when an entity looked up (or targeted by a
// delete) does not exist. Transformer tolerates this from delete paths in
// change-gated mode; it is fatal everywhere else.
var ErrNotFound = errors.New("store: entity not found")

// ErrAlreadyExists is returned when an insert collides with an existing
// row (e.g. two elements resolving to the same code).
var ErrAlreadyExists = errors.New("store: entity already exists")

// ErrPreconditionFailed covers a changeset range gap/overlap without an
// explicit override, a provenance scope conflict, or a source schema that
// is older than the engine requires.
var ErrPreconditionFailed = errors.New("store: precondition failed")

// ErrDanglingReference is returned when a required reference points to an
// entity that does not exist in the source at all. Whether it is fatal or
// swallowed is controlled by pending.DanglingPolicy.
var ErrDanglingReference = errors.New("store: dangling reference")

// ErrModelHasElements is returned by Writer.DeleteEntity for a Model
// whose modeled partition element still owns contents: a definition
// model can't be deleted out from under elements that still model it.
// Transformer recognizes this specifically and defers by deleting the
// modeled partition element instead, whose own delete cascades the
// model away with it (§4.6).
var ErrModelHasElements = errors.New("store: model still has elements")

// ErrInvalidArgument covers ill-formed input: an empty range, a missing
// required id, or an attempt to directly import the root subject.
var ErrInvalidArgument = errors.New("store: invalid argument")

// ErrRetryable marks a Writer failure as transient (e.g. lock contention)
// rather than a hard rejection of the row. importer.Importer retries
// errors matching this sentinel with a bounded exponential backoff
// before giving up.
var ErrRetryable = errors.New("store: transient failure, retry")
