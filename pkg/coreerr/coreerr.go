// Package coreerr is the structured error taxonomy shared by the consensus,
// journal, guard and transport packages.
//
// Every failure that crosses a package boundary is an *Error carrying a
// Kind. Callers branch on the kind with Is or KindOf rather than on message
// text. Guards never return errors; their denials are values that the
// interpreter converts into KindDenied when it has to surface them.
package coreerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for recovery decisions.
type Kind string

const (
	// KindInvalid is malformed input or a broken invariant in the caller.
	KindInvalid Kind = "INVALID"
	// KindCrypto is a failed signature, aggregation or verification.
	KindCrypto Kind = "CRYPTO"
	// KindTimeout is an expired consensus or network deadline.
	KindTimeout Kind = "TIMEOUT"
	// KindInsufficientBudget is an exhausted flow budget.
	KindInsufficientBudget Kind = "INSUFFICIENT_BUDGET"
	// KindDenied is a guard chain rejection.
	KindDenied Kind = "DENIED"
	// KindNotFound is a missing consensus instance, fact or budget.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict is a competing operation observed on the same prestate.
	KindConflict Kind = "CONFLICT"
	// KindInternal is an unexpected invariant violation during execution.
	KindInternal Kind = "INTERNAL"
	// KindNoMessage is an empty transport receive. It is control flow.
	KindNoMessage Kind = "NO_MESSAGE"
)

// Classification is the recovery policy attached to a Kind.
type Classification string

const (
	ClassRetryable       Classification = "RETRYABLE"
	ClassRetryAfterEpoch Classification = "RETRY_AFTER_EPOCH"
	ClassNonRetryable    Classification = "NON_RETRYABLE"
	ClassRecord          Classification = "RECORD"
	ClassControlFlow     Classification = "CONTROL_FLOW"
)

// Classify returns the recovery policy for k.
func Classify(k Kind) Classification {
	switch k {
	case KindTimeout:
		return ClassRetryable
	case KindInsufficientBudget:
		return ClassRetryAfterEpoch
	case KindConflict:
		return ClassRecord
	case KindNoMessage:
		return ClassControlFlow
	default:
		return ClassNonRetryable
	}
}

// Shortfall is the have/need pair attached to budget failures.
type Shortfall struct {
	Have uint64 `json:"have"`
	Need uint64 `json:"need"`
}

// Error is the structured error value.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "journal.charge".
	Op  string
	Msg string
	// Reason is the structured denial code for KindDenied.
	Reason    string
	Shortfall *Shortfall
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	kind := strings.ToLower(string(e.Kind))
	b.WriteString(kind)
	if e.Reason != "" && e.Reason != kind {
		b.WriteString("(")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Shortfall != nil {
		fmt.Fprintf(&b, " (have %d, need %d)", e.Shortfall.Have, e.Shortfall.Need)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same Kind, and Reason when the target
// sets one. This lets errors.Is(err, ErrNoMessage) work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// ErrNoMessage is returned by transport receives that found nothing.
var ErrNoMessage = &Error{Kind: KindNoMessage, Msg: "no message"}

// New builds an *Error.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause. A nil cause returns nil.
func Wrap(kind Kind, op string, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func Invalid(msg string) *Error  { return &Error{Kind: KindInvalid, Msg: msg} }
func Crypto(msg string) *Error   { return &Error{Kind: KindCrypto, Msg: msg} }
func Timeout(msg string) *Error  { return &Error{Kind: KindTimeout, Msg: msg} }
func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Msg: msg} }
func Conflict(msg string) *Error { return &Error{Kind: KindConflict, Msg: msg} }
func Internal(msg string) *Error { return &Error{Kind: KindInternal, Msg: msg} }

// InsufficientBudget reports a charge that would exceed the limit.
func InsufficientBudget(have, need uint64) *Error {
	return &Error{
		Kind:      KindInsufficientBudget,
		Msg:       "flow budget exhausted",
		Shortfall: &Shortfall{Have: have, Need: need},
	}
}

// Denied reports a guard chain rejection with its structured reason code.
func Denied(reason, msg string) *Error {
	return &Error{Kind: KindDenied, Reason: reason, Msg: msg}
}

// WithOp returns a copy of e with Op set.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.Op = op
	return &cp
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal for foreign errors. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry the failed operation,
// possibly after an epoch advance or with a fresh binding.
func Retryable(err error) bool {
	switch Classify(KindOf(err)) {
	case ClassRetryable, ClassRetryAfterEpoch:
		return true
	default:
		return false
	}
}

// ShortfallOf extracts the budget shortfall from err if present.
func ShortfallOf(err error) (Shortfall, bool) {
	var e *Error
	if errors.As(err, &e) && e.Shortfall != nil {
		return *e.Shortfall, true
	}
	return Shortfall{}, false
}
