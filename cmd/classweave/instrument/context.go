// Package instrument - Per-class instrumentation context.
//
// A Context lives for exactly one Transform call. It is the single source
// of truth for whether the class must be re-serialised, and it collects
// the diagnostics and statistics reported for the class.
package instrument

import (
	"fmt"

	"github.com/kolkov/classweave/cmd/classweave/runtime"
	"github.com/kolkov/classweave/internal/classfile"
)

// Severity of a diagnostic.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	}
	return "error"
}

// Kind classifies a diagnostic.
type Kind int

const (
	KindMalformedInput Kind = iota
	KindNoApplicableRule
	KindConflictingEdit
	KindVerificationFailure
	KindUnsupportedConstruct
	KindAlreadyApplied
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindMalformedInput:
		return "malformed-input"
	case KindNoApplicableRule:
		return "no-applicable-rule"
	case KindConflictingEdit:
		return "conflicting-edit"
	case KindVerificationFailure:
		return "verification-failure"
	case KindUnsupportedConstruct:
		return "unsupported-construct"
	case KindAlreadyApplied:
		return "already-applied"
	}
	return "internal"
}

// Diagnostic is one message reported for a class.
type Diagnostic struct {
	Severity Severity
	Kind     Kind
	Class    string
	Method   string // name plus descriptor, empty for class-level messages
	Message  string
}

func (d Diagnostic) String() string {
	where := d.Class
	if d.Method != "" {
		where += "." + d.Method
	}
	return fmt.Sprintf("%s: %s: %s", where, d.Kind, d.Message)
}

// Stats tracks instrumentation statistics for one class.
//
// Thread Safety: NOT thread-safe (one Context per class).
type Stats struct {
	MethodsWrapped  int // trace entry/exit wraps
	CallsReplaced   int // call sites redirected to an intermediary
	ReturnsObserved int // call sites whose result is observed
	FieldsAdded     int // sentinel and build id fields
	InterfacesAdded int // sentinel interfaces
	Skipped         int // matched edits that were not applied
	Conflicts       int // edits dropped by priority
}

// Total returns the number of edits applied.
func (s *Stats) Total() int {
	return s.MethodsWrapped + s.CallsReplaced + s.ReturnsObserved + s.FieldsAdded + s.InterfacesAdded
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.MethodsWrapped += o.MethodsWrapped
	s.CallsReplaced += o.CallsReplaced
	s.ReturnsObserved += o.ReturnsObserved
	s.FieldsAdded += o.FieldsAdded
	s.InterfacesAdded += o.InterfacesAdded
	s.Skipped += o.Skipped
	s.Conflicts += o.Conflicts
}

// Context is the state of one class transform.
//
// Thread Safety: NOT thread-safe. Never shared between transforms.
type Context struct {
	hooks runtime.Hooks

	class    *classfile.ClassFile
	modified bool
	edited   map[*classfile.Method]bool
	plans    []*EditPlan
	diags    []Diagnostic
	stats    Stats
}

// NewContext returns a context that recognises the given hooks.
func NewContext(hooks runtime.Hooks) *Context {
	return &Context{hooks: hooks}
}

// BeginClass resets the context for cf.
func (c *Context) BeginClass(cf *classfile.ClassFile) {
	c.class = cf
	c.modified = false
	c.edited = make(map[*classfile.Method]bool)
	c.plans = nil
	c.diags = nil
	c.stats = Stats{}
}

// Class returns the class being transformed.
func (c *Context) Class() *classfile.ClassFile {
	return c.class
}

// RecordEdit records an applied plan. A plan with at least one operation
// marks the class modified.
func (c *Context) RecordEdit(p *EditPlan) {
	if p.Empty() {
		return
	}
	c.plans = append(c.plans, p)
	c.modified = true
	if p.Method != nil {
		c.edited[p.Method] = true
	}
	for _, op := range p.Ops {
		switch op.Kind {
		case EditAddField, EditStampBuildID:
			c.stats.FieldsAdded++
		case EditAddInterface:
			c.stats.InterfacesAdded++
		case EditReplaceCall:
			c.stats.CallsReplaced++
		case EditObserveReturn:
			c.stats.ReturnsObserved++
		case EditWrapTrace:
			c.stats.MethodsWrapped++
		}
	}
}

// IsModified reports whether any edit was recorded. When false the
// dispatcher returns the original bytes untouched.
func (c *Context) IsModified() bool {
	return c.modified
}

// Plans returns the recorded plans in application order.
func (c *Context) Plans() []*EditPlan {
	return c.plans
}

// WasAlreadyInstrumented reports whether m was trace-wrapped, either
// earlier in this transform or by a previous run: the body calls the
// entry hook.
func (c *Context) WasAlreadyInstrumented(m *classfile.Method) bool {
	if c.edited[m] {
		for _, p := range c.plans {
			if p.Method == m && p.Has(EditWrapTrace) {
				return true
			}
		}
	}
	if m.Code == nil || c.class == nil {
		return false
	}
	for _, in := range m.Code.Insns {
		if in.Op != classfile.INVOKESTATIC {
			continue
		}
		ref, err := c.class.Pool.MemberRef(in.Index)
		if err == nil && c.hooks.IsEnter(ref) {
			return true
		}
	}
	return false
}

// Report adds a diagnostic for method m (nil for the class).
func (c *Context) Report(sev Severity, kind Kind, m *classfile.Method, format string, args ...any) {
	d := Diagnostic{
		Severity: sev,
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
	}
	if c.class != nil {
		d.Class = c.class.ThisClass
	}
	if m != nil {
		d.Method = m.Key()
	}
	switch kind {
	case KindConflictingEdit:
		c.stats.Conflicts++
	case KindUnsupportedConstruct, KindAlreadyApplied:
		c.stats.Skipped++
	}
	c.diags = append(c.diags, d)
}

// Diagnostics returns the diagnostics reported so far.
func (c *Context) Diagnostics() []Diagnostic {
	return c.diags
}

// Stats returns the statistics of the applied edits.
func (c *Context) Stats() Stats {
	return c.stats
}
