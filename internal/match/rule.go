// Package match resolves a declarative rule set against a parsed class.
//
// Three kinds of rule exist:
//
//   - AnnotatedMethod: every method carrying a marker annotation (or
//     declared in a class carrying it) unless an opt-out marker is present
//   - ExactCallSite: every invoke instruction, in any method, whose target
//     is an exact owner/name/descriptor triple
//   - DecorateClass: classes, by name or direct superclass, that receive the
//     idempotence sentinel field and interface
//
// A RuleSet is built once per build and shared read-only by concurrent
// transforms.
package match

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kolkov/classweave/internal/classfile"
)

// ErrInvalidRule reports a rule that cannot be matched.
var ErrInvalidRule = errors.New("invalid rule")

// Kind identifies the rule kind.
type Kind int

const (
	AnnotatedMethod Kind = iota
	ExactCallSite
	DecorateClass
)

func (k Kind) String() string {
	switch k {
	case AnnotatedMethod:
		return "annotated-method"
	case ExactCallSite:
		return "exact-call-site"
	case DecorateClass:
		return "decorate-class"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a configuration name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "annotated-method", "annotated":
		return AnnotatedMethod, nil
	case "exact-call-site", "call-site":
		return ExactCallSite, nil
	case "decorate-class", "decorate":
		return DecorateClass, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, s)
}

// Mode selects what an ExactCallSite rule does to a matched call.
type Mode int

const (
	// ModeReplace redirects the call to an intermediary.
	ModeReplace Mode = iota
	// ModeObserveReturn passes the call's result to the return observer.
	ModeObserveReturn
)

func (m Mode) String() string {
	if m == ModeObserveReturn {
		return "observe-return"
	}
	return "replace"
}

// ParseMode converts a configuration name into a Mode. The empty string is
// ModeReplace.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "replace":
		return ModeReplace, nil
	case "observe-return", "observe":
		return ModeObserveReturn, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidRule, s)
}

// MethodRef names a method by owner, name and descriptor.
type MethodRef struct {
	Owner      string
	Name       string
	Descriptor string
}

func (r MethodRef) String() string {
	return r.Owner + "." + r.Name + r.Descriptor
}

// Rule is one match rule. Which fields are used depends on Kind.
type Rule struct {
	Kind Kind
	Name string // label used in diagnostics

	// AnnotatedMethod
	Marker        string
	ExcludeMarker string

	// ExactCallSite
	Target       MethodRef
	Mode         Mode
	Intermediary MethodRef // Owner and Name; the descriptor is derived

	// DecorateClass
	Class      string
	SuperClass string
}

func (r *Rule) String() string {
	if r.Name != "" {
		return r.Name
	}
	switch r.Kind {
	case AnnotatedMethod:
		return "@" + r.Marker
	case ExactCallSite:
		return r.Mode.String() + " " + r.Target.String()
	case DecorateClass:
		if r.Class != "" {
			return "decorate " + r.Class
		}
		return "decorate extends " + r.SuperClass
	}
	return r.Kind.String()
}

// InternalName converts a dotted Java class name to its internal form.
func InternalName(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

// MarkerDescriptor converts an annotation class name to its type
// descriptor. Descriptors are returned unchanged.
func MarkerDescriptor(name string) string {
	if name == "" || (strings.HasPrefix(name, "L") && strings.HasSuffix(name, ";")) {
		return name
	}
	return "L" + InternalName(name) + ";"
}

// normalize validates r and rewrites names into internal form.
func (r Rule) normalize() (Rule, error) {
	switch r.Kind {
	case AnnotatedMethod:
		if r.Marker == "" {
			return r, fmt.Errorf("%w: %s: empty marker", ErrInvalidRule, r.String())
		}
		r.Marker = MarkerDescriptor(r.Marker)
		r.ExcludeMarker = MarkerDescriptor(r.ExcludeMarker)
		if r.Marker == r.ExcludeMarker {
			return r, fmt.Errorf("%w: %s: marker and exclude marker are the same", ErrInvalidRule, r.String())
		}
	case ExactCallSite:
		r.Target.Owner = InternalName(r.Target.Owner)
		if r.Target.Owner == "" || r.Target.Name == "" {
			return r, fmt.Errorf("%w: call-site rule needs owner and method", ErrInvalidRule)
		}
		if _, err := classfile.ParseMethodDescriptor(r.Target.Descriptor); err != nil {
			return r, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.String(), err)
		}
		if r.Mode == ModeReplace {
			r.Intermediary.Owner = InternalName(r.Intermediary.Owner)
			if r.Intermediary.Owner == "" || r.Intermediary.Name == "" {
				return r, fmt.Errorf("%w: %s: replace needs an intermediary", ErrInvalidRule, r.String())
			}
		}
	case DecorateClass:
		r.Class = InternalName(r.Class)
		r.SuperClass = InternalName(r.SuperClass)
		if r.Class == "" && r.SuperClass == "" {
			return r, fmt.Errorf("%w: decorate rule needs a class or superclass", ErrInvalidRule)
		}
	default:
		return r, fmt.Errorf("%w: unknown kind %d", ErrInvalidRule, int(r.Kind))
	}
	return r, nil
}

// Sentinel names the markers written into decorated classes.
type Sentinel struct {
	Field     string // _nr_trace
	FieldType string // Lcom/newrelic/agent/android/tracing/Trace;
	Interface string // com/newrelic/agent/android/api/v2/TraceFieldInterface
}

// DefaultSentinel is the sentinel written by default.
var DefaultSentinel = Sentinel{
	Field:     "_nr_trace",
	FieldType: "Lcom/newrelic/agent/android/tracing/Trace;",
	Interface: "com/newrelic/agent/android/api/v2/TraceFieldInterface",
}

// Options carries the matcher's view of the hook runtime.
type Options struct {
	Sentinel Sentinel

	// Exclude lists internal-name prefixes of classes that are never
	// matched, such as the hook runtime itself.
	Exclude []string

	// Observer is the return observer hook (Owner and Name), used to
	// recognise calls that are already observed.
	Observer MethodRef

	// EnterHook is the trace entry hook (Owner and Name), used to recognise
	// methods that are already wrapped.
	EnterHook MethodRef
}
