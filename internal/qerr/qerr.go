// Package qerr defines the failure taxonomy of the question pipeline.
//
// Every failure that leaves the translator, executor or session store carries
// one Kind. Callers route on the kind (re-enter credential, rephrase, retry
// later), so wrapping layers must preserve it.
package qerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindCredential  Kind = "CREDENTIAL_ERROR"
	KindAmbiguous   Kind = "AMBIGUOUS_QUERY"
	KindInvalidPlan Kind = "INVALID_PLAN"
	KindExecution   Kind = "EXECUTION_ERROR"
	KindTimeout     Kind = "TIMEOUT"
	KindBusy        Kind = "BUSY"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrCredential  = &Error{Kind: KindCredential}
	ErrAmbiguous   = &Error{Kind: KindAmbiguous}
	ErrInvalidPlan = &Error{Kind: KindInvalidPlan}
	ErrExecution   = &Error{Kind: KindExecution}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrBusy        = &Error{Kind: KindBusy}
)

type Error struct {
	Kind    Kind
	Message string
	// Column and Operation name the offending part of an invalid plan.
	Column    string
	Operation string
	// Step is the 1-based plan step that failed during execution; 0 when unknown.
	Step int
	// ModelOutput is the raw language-model text for ambiguous questions.
	ModelOutput string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Step > 0 {
		fmt.Fprintf(&b, " (step %d)", e.Step)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}

func Credential(message string, err error) *Error {
	return &Error{Kind: KindCredential, Message: message, Err: err}
}

func Ambiguous(message, modelOutput string) *Error {
	return &Error{Kind: KindAmbiguous, Message: message, ModelOutput: modelOutput}
}

func InvalidPlan(column, operation, format string, args ...any) *Error {
	return &Error{
		Kind:      KindInvalidPlan,
		Message:   fmt.Sprintf(format, args...),
		Column:    column,
		Operation: operation,
	}
}

func Execution(step int, format string, args ...any) *Error {
	return &Error{Kind: KindExecution, Message: fmt.Sprintf(format, args...), Step: step}
}

func Timeout(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

func Busy(message string) *Error {
	return &Error{Kind: KindBusy, Message: message}
}

// FromContext converts an expired deadline into a Timeout. Cancellation and
// other errors are returned unchanged.
func FromContext(ctx context.Context, what string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(what+" exceeded its deadline", err)
	}
	return err
}
