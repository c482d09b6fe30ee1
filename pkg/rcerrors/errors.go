// Package rcerrors provides structured error handling for the catalog, with
// rich context, stack traces, and a closed set of error kinds; IsRetryable
// reports from the kind whether a failure is worth retrying.
//
// A typical error carries the run uid, and where applicable the stream name
// and column key, so a caller can tell which part of a run failed without
// parsing the message string.
//
//	return rcerrors.New(rcerrors.KindBadShapeMetadata, "declared shape exceeds stored array rank").
//	    WithRun(run.UID).
//	    WithStream(streamName).
//	    WithColumn(column)
package rcerrors

import (
	"errors"
	"runtime"

	rstrings "github.com/opensci/runcat/pkg/strings"
)

// ErrorKind categorizes an error for retry strategy, logging, and API
// response mapping.
type ErrorKind string

const (
	// KindNotFound means a run, stream, descriptor, or document lookup
	// found nothing matching the given identifier.
	KindNotFound ErrorKind = "not_found"
	// KindBadShapeMetadata means a descriptor's declared shape could not
	// be reconciled with the shape implied by its stored data.
	KindBadShapeMetadata ErrorKind = "bad_shape_metadata"
	// KindUnsupportedDtype means no dtype resolution rule could map a
	// descriptor's data_type/dtype_str/dtype_descr to a concrete dtype.
	KindUnsupportedDtype ErrorKind = "unsupported_dtype"
	// KindUnsupportedTransformKey means a transform was registered under
	// a document-kind key the transform compiler does not recognize.
	KindUnsupportedTransformKey ErrorKind = "unsupported_transform_key"
	// KindUnresolvableExternalReference means a filler handler could not
	// resolve a datum to binary payload after retry.
	KindUnresolvableExternalReference ErrorKind = "unresolvable_external_reference"
	// KindDuplicateHandler means a handler was registered under a spec
	// name that already has a handler, without the overwrite flag set.
	KindDuplicateHandler ErrorKind = "duplicate_handler"
	// KindStoreError means the underlying document store returned an
	// error (connection, cursor, aggregation) not specific to a missing
	// document.
	KindStoreError ErrorKind = "store_error"
	// KindAccessDenied means an access policy rejected a query or a
	// caller's identity could not be established.
	KindAccessDenied ErrorKind = "access_denied"
	// KindCapability means the requested operation is not supported by
	// this catalog configuration (e.g. filling documents during replay).
	KindCapability ErrorKind = "capability"
	// KindConfig means a configuration value failed validation at load
	// time.
	KindConfig ErrorKind = "config"
	// KindInternal means an invariant the catalog relies on was
	// violated; these are bugs, not expected failure modes.
	KindInternal ErrorKind = "internal"
)

// Error is a structured error with kind, message, cause, and arbitrary
// key-value details. Run/Stream/Column are promoted fields because nearly
// every catalog error needs them.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	RunUID  string
	Stream  string
	Column  string
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is a single call-stack frame captured at error creation.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := rstrings.Sprintf("%s: %s", e.Kind, e.Message)
	if e.RunUID != "" {
		msg = rstrings.Sprintf("%s (run=%s)", msg, e.RunUID)
	}
	if e.Stream != "" {
		msg = rstrings.Sprintf("%s (stream=%s)", msg, e.Stream)
	}
	if e.Column != "" {
		msg = rstrings.Sprintf("%s (column=%s)", msg, e.Column)
	}
	if e.Cause != nil {
		msg = rstrings.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithRun sets the run uid this error pertains to.
func (e *Error) WithRun(uid string) *Error {
	e.RunUID = uid
	return e
}

// WithStream sets the stream name this error pertains to.
func (e *Error) WithStream(name string) *Error {
	e.Stream = name
	return e
}

// WithColumn sets the column key this error pertains to.
func (e *Error) WithColumn(key string) *Error {
	e.Column = key
	return e
}

// WithDetail attaches an arbitrary key-value detail.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new Error of the given kind, capturing the call stack.
func New(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps err with a kind and message, preserving err as the cause. If
// err is already an *Error its stack trace is carried forward. Returns nil
// if err is nil.
func Wrap(err error, kind ErrorKind, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Kind:    kind,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable reports whether a caller should retry the operation that
// produced err. Store errors are retryable (the underlying connection may
// recover); everything else reflects a property of the request itself and
// will fail again on retry.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindStoreError
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
