// Package fault defines the tagged error values exchanged between pipeline
// nodes and the workflow runtime. Nodes surface failures as a Fault carrying a
// Kind; the runtime switches on the kind to decide between retry, degradation,
// and terminal failure. Clients only ever see terminal kinds.
package fault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a fault for retry and surfacing decisions.
type Kind string

const (
	// KindValidation marks malformed input. Terminal, surfaced with a reason.
	KindValidation Kind = "validation"
	// KindAuthz marks an invalid or expired session. Terminal.
	KindAuthz Kind = "unauthenticated"
	// KindQuota marks a rate limit or in-flight bound violation. Terminal.
	KindQuota Kind = "rate_limited"
	// KindTransient marks a backend hiccup. Retried per node policy.
	KindTransient Kind = "transient"
	// KindDegraded marks an empty or timed-out retrieval. The pipeline
	// proceeds with reduced confidence and flags the result.
	KindDegraded Kind = "degraded"
	// KindCancelled marks deadline expiry or explicit cancellation. Terminal.
	KindCancelled Kind = "cancelled"
	// KindInternal marks programming errors. Terminal, surfaced opaquely with
	// a diagnostic token.
	KindInternal Kind = "internal"
)

// Fault is an error with a kind tag and an optional retry-after hint.
type Fault struct {
	// Kind drives the runtime's retry-vs-fail decision.
	Kind Kind
	// Msg is the human-readable message surfaced to clients for terminal
	// kinds. Internal faults replace it with an opaque diagnostic token.
	Msg string
	// DiagnosticID correlates an internal fault with operator logs.
	DiagnosticID string
	// RetryAfterSeconds hints when a quota-denied caller may retry.
	RetryAfterSeconds int

	cause error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

// Unwrap returns the wrapped cause, if any.
func (f *Fault) Unwrap() error { return f.cause }

// New constructs a fault of the given kind.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg}
}

// Newf constructs a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs a fault of the given kind around an underlying error.
// Wrapping a fault preserves the inner fault's kind unless the outer kind is
// more terminal (internal stays internal, cancelled stays cancelled).
func Wrap(kind Kind, msg string, cause error) *Fault {
	return &Fault{Kind: kind, Msg: msg, cause: cause}
}

// Internal constructs an internal fault with a fresh diagnostic token. The
// message surfaced to clients is the token, not the underlying error text.
func Internal(cause error) *Fault {
	id := uuid.NewString()
	return &Fault{
		Kind:         KindInternal,
		Msg:          "internal error (diagnostic " + id + ")",
		DiagnosticID: id,
		cause:        cause,
	}
}

// KindOf extracts the fault kind from an error chain. Unclassified errors are
// reported as internal so that unknown failures never silently retry.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// As unwraps err into a *Fault when one is present in the chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	ok := errors.As(err, &f)
	return f, ok
}

// Retryable reports whether the runtime may re-enter the failing node.
// Only transient faults are retryable; everything else is settled.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Terminal reports whether the kind ends the job immediately without retry.
func Terminal(k Kind) bool {
	switch k {
	case KindValidation, KindAuthz, KindQuota, KindCancelled, KindInternal:
		return true
	}
	return false
}
