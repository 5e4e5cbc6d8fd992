// Package herrors is the single error vocabulary shared by every layer of
// Horizon: the pager, the WAL, the buffer pool, the B+Tree, and the MVCC
// transaction manager. Every fallible function in the engine returns an
// *Error (or nil) so callers can branch on Kind with errors.Is/errors.As
// instead of matching on message strings.
package herrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by the contract it breaks. See spec §7.
type Kind int

const (
	// KindIO is an underlying read/write failure; not locally recoverable.
	KindIO Kind = iota
	// KindCorrupt is a checksum/magic/invariant violation; fatal for the
	// open database.
	KindCorrupt
	// KindFull is a file or WAL growth refused by the OS.
	KindFull
	// KindBufferFull means every frame in the buffer pool is pinned.
	KindBufferFull
	// KindNotFound means a key was absent (returned as a bool where the
	// caller has a more natural boolean shape; this Kind exists for the
	// callers that need the typed form, e.g. page lookups).
	KindNotFound
	// KindDuplicate is a unique-index violation.
	KindDuplicate
	// KindWriteConflict is an MVCC first-writer-wins loss.
	KindWriteConflict
	// KindDeadlock means the waits-for graph found a cycle and this
	// transaction was chosen as the victim.
	KindDeadlock
	// KindVersionMismatch means the file format is unreadable.
	KindVersionMismatch
	// KindReadOnly means a mutating operation was attempted against a
	// database or transaction opened read-only.
	KindReadOnly
	// KindInvalid covers caller misuse that doesn't fit another Kind
	// (e.g. freeing page 0).
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorrupt:
		return "corrupt"
	case KindFull:
		return "full"
	case KindBufferFull:
		return "buffer_full"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindWriteConflict:
		return "write_conflict"
	case KindDeadlock:
		return "deadlock"
	case KindVersionMismatch:
		return "version_mismatch"
	case KindReadOnly:
		return "read_only"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned throughout Horizon.
type Error struct {
	Kind    Kind
	Message string
	PageID  uint32 // set for Corrupt/NotFound errors tied to a specific page
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets callers write errors.Is(err, herrors.WriteConflict) etc. against
// the sentinel sentinels below, by matching on Kind rather than identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func new(k Kind, msg string) *Error { return &Error{Kind: k, Message: msg} }

// Wrap attaches cause to a new Error of the given kind, preserving it for
// errors.Unwrap while presenting a stable, typed Kind to callers.
func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, cause: cause}
}

// WrapPage is Wrap plus a page id, for Corrupt/NotFound errors about a
// specific page.
func WrapPage(k Kind, pageID uint32, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, PageID: pageID, cause: cause}
}

// Sentinel values for errors.Is comparisons against a fixed Kind, mirroring
// the teacher's preference for fmt.Errorf("...: %w", err) wrapping but
// giving upper layers something typed to match on.
var (
	IO              = new(KindIO, "")
	Corrupt         = new(KindCorrupt, "")
	Full            = new(KindFull, "")
	BufferFull      = new(KindBufferFull, "buffer pool has no unpinned frames to evict")
	NotFound        = new(KindNotFound, "")
	Duplicate       = new(KindDuplicate, "")
	WriteConflict   = new(KindWriteConflict, "row was modified by a concurrent transaction")
	Deadlock        = new(KindDeadlock, "transaction aborted to break a wait-for cycle")
	VersionMismatch = new(KindVersionMismatch, "")
	ReadOnly        = new(KindReadOnly, "")
	Invalid         = new(KindInvalid, "")
)

// New builds a bare Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return new(k, fmt.Sprintf(format, args...))
}

// Of reports whether err (or anything it wraps) is of Kind k.
func Of(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
