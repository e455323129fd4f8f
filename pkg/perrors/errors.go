// Package perrors defines the error kinds the core surfaces. Every package
// wraps these sentinels with fmt.Errorf("...: %w", ...) so callers can
// errors.Is against a stable kind while still getting a descriptive
// message.
package perrors

import "errors"

var (
	// ErrMalformedItem is returned when a write fails header validation.
	ErrMalformedItem = errors.New("malformed item")

	// ErrDuplicateVersion is returned when an item's version already
	// exists in the target tree.
	ErrDuplicateVersion = errors.New("duplicate version")

	// ErrMissingParent is returned when a non-root item names a parent
	// version absent from the target tree.
	ErrMissingParent = errors.New("missing parent")

	// ErrUnknownPerspective is returned for operations against a
	// perspective the MergeTree was not configured with.
	ErrUnknownPerspective = errors.New("unknown perspective")

	// ErrLocalWriterBusy is returned when a second local write stream, or
	// autoMerge, is requested while a local write stream is already open.
	ErrLocalWriterBusy = errors.New("local writer busy")

	// ErrAlreadyAutoMerging is returned when a local write stream, or a
	// second autoMerge, is requested while autoMerge is already engaged.
	ErrAlreadyAutoMerging = errors.New("already auto-merging")

	// ErrHeadAmbiguous is returned by headLookup when more than one
	// non-conflict, non-deleted head exists for an id.
	ErrHeadAmbiguous = errors.New("head ambiguous")

	// ErrPreviousVersionNotFound is returned by the oplog transform when
	// an update-modifier record has no base state to apply against.
	ErrPreviousVersionNotFound = errors.New("previous version not found")

	// ErrConflictRecorded is informational: the merge attempt produced a
	// conflict row rather than a mergeable item. It is never emitted on a
	// merge stream; ConfirmMerge returns it when asked to confirm a
	// conflict-outcome candidate.
	ErrConflictRecorded = errors.New("conflict recorded")

	// ErrStoreIOError marks the underlying store as fatally broken; the
	// owning MergeTree transitions to a closed state.
	ErrStoreIOError = errors.New("store io error")

	// ErrNotFound is returned by point lookups that find nothing.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by a closed MergeTree when asked to open a
	// write stream, engage autoMerge, look up a head, confirm a merge or
	// resolve a conflict.
	ErrClosed = errors.New("closed")
)
