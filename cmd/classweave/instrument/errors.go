// Package instrument - Error types for the instrumentation engine.
//
// This file defines the classification signals the pipeline raises and a
// positioned error type that points at a class, method and instruction.
//
// Example output:
//
//	app/Main.run()V@12: cannot redirect invokespecial call
//
//	Suggestion: Target a static, virtual or interface call instead
package instrument

import (
	"errors"
	"fmt"
)

var (
	// ErrNoOpSkip signals that no rule applies to the class. It is an
	// expected outcome, not a failure: the original bytes are returned.
	ErrNoOpSkip = errors.New("no applicable rule")

	// ErrDuplicateDecoration signals that class decoration would add a
	// sentinel the class already carries. The matcher never selects such
	// classes, so seeing it means the matcher and the pipeline disagree.
	ErrDuplicateDecoration = errors.New("duplicate decoration")

	// ErrConflictingEdit signals two edits on the same target that cannot
	// both apply. The lower-priority edit is dropped.
	ErrConflictingEdit = errors.New("conflicting edit")

	// ErrUnsupportedConstruct signals an edit the rewriter cannot express
	// for one method or call site. Only that edit is skipped.
	ErrUnsupportedConstruct = errors.New("unsupported construct")
)

// InstrumentationError represents an error during instrumentation with context.
//
// Fields:
//   - Class: Internal name of the class being rewritten
//   - Method: Method name and descriptor (empty for class-level errors)
//   - Index: Instruction index within the method body (-1 if none)
//   - Message: Human-readable error description
//   - Suggestion: Optional hint for fixing the error
//   - Err: Underlying classification error, if any
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type InstrumentationError struct {
	Class      string
	Method     string
	Index      int
	Message    string
	Suggestion string
	Err        error
}

// Error implements the error interface.
//
// Format: class.method@index: message
//
// If Suggestion is non-empty, it's appended on a new line with "Suggestion: " prefix.
func (e *InstrumentationError) Error() string {
	where := e.Class
	if e.Method != "" {
		where += "." + e.Method
	}
	if e.Index >= 0 {
		where += fmt.Sprintf("@%d", e.Index)
	}
	result := where + ": " + e.Message
	if e.Err != nil && e.Message == "" {
		result = where + ": " + e.Err.Error()
	}
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// Unwrap returns the classification error so callers can use errors.Is.
func (e *InstrumentationError) Unwrap() error {
	return e.Err
}

// NewInstrumentationError creates an error positioned at an instruction.
//
// Parameters:
//   - class: Internal class name
//   - method: Method name plus descriptor, or "" for the class itself
//   - index: Instruction index, or -1
//   - err: Classification error (ErrUnsupportedConstruct, ...)
//   - msg: Error message describing what went wrong
//
// Example:
//
//	return NewInstrumentationError("app/Main", "run()V", 12,
//	    ErrUnsupportedConstruct, "cannot redirect invokespecial call")
func NewInstrumentationError(class, method string, index int, err error, msg string) *InstrumentationError {
	return &InstrumentationError{
		Class:   class,
		Method:  method,
		Index:   index,
		Message: msg,
		Err:     err,
	}
}

// NewInstrumentationErrorWithSuggestion creates an error with suggestion.
//
// Use this when you can provide actionable guidance to the user, usually
// about the rule file.
func NewInstrumentationErrorWithSuggestion(class, method string, index int, err error, msg, suggestion string) *InstrumentationError {
	e := NewInstrumentationError(class, method, index, err, msg)
	e.Suggestion = suggestion
	return e
}
