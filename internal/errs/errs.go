// Package errs classifies the error kinds the engine distinguishes at
// its outermost boundary (cmd/downcast) to choose an exit code and log
// severity: a misconfigured run, a corrupt or unexpected row from the
// source, a bug in a handler, an expired/unclaimed message, a queue
// that underran its expected cadence, or a failure while finalizing a
// record. Every other error is treated as an ordinary wrapped error.
package errs

import "errors"

// Kind identifies one of the classes of error the engine's outermost
// boundary maps to a distinct exit code.
type Kind int

const (
	// Fatal errors always abort the run immediately: out of memory,
	// disk full, a corrupted on-disk state file. Equivalent to the
	// reference implementation's unconditionally-reraised
	// OSError/MemoryError/ImportError/SyntaxError/SystemError.
	Fatal Kind = iota + 1
	// Configuration covers invalid flags, env vars, or missing files.
	Configuration
	// DataSyntax covers a row or message that doesn't parse as expected.
	DataSyntax
	// HandlerBug covers a panic or invariant violation inside a handler.
	HandlerBug
	// Expired covers a message that aged out of the dispatcher unclaimed.
	Expired
	// QueueUnderrun covers an extractor queue that fell behind its
	// expected pull cadence.
	QueueUnderrun
	// Finalization covers a failure during a finalizer pass.
	Finalization
)

func (k Kind) String() string {
	switch k {
	case Fatal:
		return "fatal"
	case Configuration:
		return "configuration"
	case DataSyntax:
		return "data_syntax"
	case HandlerBug:
		return "handler_bug"
	case Expired:
		return "expired"
	case QueueUnderrun:
		return "queue_underrun"
	case Finalization:
		return "finalization"
	default:
		return "unknown"
	}
}

// kindError wraps an underlying error with a Kind so callers can
// classify it with errors.As without string-matching messages.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Kind() Kind    { return e.kind }

// New wraps err with the given kind. Wrapping nil returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// kindedError is implemented by any error that knows its own Kind,
// letting classification work across package boundaries without
// depending on the concrete kindError type.
type kindedError interface{ Kind() Kind }

// As reports the Kind of err, if it (or something it wraps) carries
// one, and whether a kind was found at all.
func As(err error) (Kind, bool) {
	var ke kindedError
	if errors.As(err, &ke) {
		return ke.Kind(), true
	}
	return 0, false
}

// IsFatal reports whether err is classified as Fatal. Errors with no
// classification at all are never fatal — only an explicit Fatal
// wrapping aborts the dispatcher/extractor loops.
func IsFatal(err error) bool {
	kind, ok := As(err)
	return ok && kind == Fatal
}

// ExitCode maps a classified error to a process exit code. Unclassified
// errors return 1, matching the teacher's convention of a generic
// non-zero failure code for anything it hasn't specifically named.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	kind, ok := As(err)
	if !ok {
		return 1
	}
	switch kind {
	case Fatal:
		return 70 // EX_SOFTWARE
	case Configuration:
		return 78 // EX_CONFIG
	case DataSyntax:
		return 65 // EX_DATAERR
	case HandlerBug:
		return 70 // EX_SOFTWARE
	case Expired:
		return 1
	case QueueUnderrun:
		return 75 // EX_TEMPFAIL
	case Finalization:
		return 1
	default:
		return 1
	}
}
