package match

import (
	"fmt"
	"strings"

	"github.com/kolkov/classweave/internal/classfile"
)

// SkipKind classifies why a rule did not produce an edit.
type SkipKind int

const (
	// SkipUnsupported marks a construct the rewriter cannot edit: static
	// initialisers, abstract and native methods, interfaces, constructor
	// and invokespecial call sites.
	SkipUnsupported SkipKind = iota

	// SkipAlreadyApplied marks an edit already present in the class.
	SkipAlreadyApplied
)

func (k SkipKind) String() string {
	if k == SkipAlreadyApplied {
		return "already applied"
	}
	return "unsupported"
}

// MethodMatch is a method selected for trace wrapping.
type MethodMatch struct {
	Method *classfile.Method
	Rule   *Rule
}

// CallSite is an invoke instruction selected by an ExactCallSite rule.
type CallSite struct {
	Method *classfile.Method
	Insn   *classfile.Instr
	Index  int // position of Insn in Method.Code.Insns at match time
	Ref    classfile.MemberRef
	Rule   *Rule
}

// Skip records a rule that matched but will not be applied.
type Skip struct {
	Method *classfile.Method // nil for class-level skips
	Insn   *classfile.Instr  // set for call-site skips
	Rule   *Rule
	Kind   SkipKind
	Reason string
}

func (s Skip) String() string {
	var b strings.Builder
	b.WriteString(s.Rule.String())
	if s.Method != nil {
		b.WriteString(" in ")
		b.WriteString(s.Method.Key())
	}
	b.WriteString(": ")
	b.WriteString(s.Reason)
	return b.String()
}

// Results is the outcome of matching one class.
type Results struct {
	// Excluded is set when the class lies in an excluded package; every
	// other field is then empty.
	Excluded bool

	// Sentinel is set when the class already carries the sentinel field
	// or interface.
	Sentinel bool

	// Decorate is the first DecorateClass rule selecting the class, or nil.
	Decorate *Rule

	// Traced lists trace-wrap matches in method declaration order.
	Traced []MethodMatch

	// CallSites lists call-site matches in method declaration order, then
	// instruction order.
	CallSites []CallSite

	Skipped []Skip
}

// Empty reports whether no edit is requested.
func (r *Results) Empty() bool {
	return r.Decorate == nil && len(r.Traced) == 0 && len(r.CallSites) == 0
}

// RuleSet is an immutable, validated list of rules.
//
// Thread Safety: safe for concurrent use once built.
type RuleSet struct {
	rules     []Rule
	opts      Options
	annotated []*Rule
	decorate  []*Rule
	targets   map[MethodRef][]*Rule
	owners    map[string]bool // intermediary classes
}

// NewRuleSet validates rules and builds the lookup tables. Class names may
// be given dotted or in internal form; annotation markers may be given as
// class names or descriptors.
func NewRuleSet(rules []Rule, opts Options) (*RuleSet, error) {
	rs := &RuleSet{
		rules:   make([]Rule, 0, len(rules)),
		opts:    opts,
		targets: make(map[MethodRef][]*Rule),
		owners:  make(map[string]bool),
	}
	if rs.opts.Sentinel == (Sentinel{}) {
		rs.opts.Sentinel = DefaultSentinel
	}
	rs.opts.Exclude = nil
	for _, p := range opts.Exclude {
		if p = InternalName(p); p != "" {
			rs.opts.Exclude = append(rs.opts.Exclude, p)
		}
	}
	rs.opts.Observer.Owner = InternalName(opts.Observer.Owner)
	rs.opts.EnterHook.Owner = InternalName(opts.EnterHook.Owner)

	for i, r := range rules {
		n, err := r.normalize()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rs.rules = append(rs.rules, n)
	}
	// Pointers are taken after the slice stops growing.
	for i := range rs.rules {
		r := &rs.rules[i]
		switch r.Kind {
		case AnnotatedMethod:
			rs.annotated = append(rs.annotated, r)
		case DecorateClass:
			rs.decorate = append(rs.decorate, r)
		case ExactCallSite:
			key := MethodRef{Owner: r.Target.Owner, Name: r.Target.Name, Descriptor: r.Target.Descriptor}
			rs.targets[key] = append(rs.targets[key], r)
			if r.Mode == ModeReplace {
				rs.owners[r.Intermediary.Owner] = true
			}
		}
	}
	return rs, nil
}

// Rules returns a copy of the normalised rules.
func (rs *RuleSet) Rules() []Rule {
	return append([]Rule(nil), rs.rules...)
}

// Options returns the normalised options.
func (rs *RuleSet) Options() Options {
	return rs.opts
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Excluded reports whether class (internal name) is never matched.
func (rs *RuleSet) Excluded(class string) bool {
	if rs.owners[class] {
		return true
	}
	for _, p := range rs.opts.Exclude {
		if strings.HasPrefix(class, p) {
			return true
		}
	}
	return false
}

// HasSentinel reports whether cf already carries the sentinel field or
// interface.
func (rs *RuleSet) HasSentinel(cf *classfile.ClassFile) bool {
	s := rs.opts.Sentinel
	if s.Field != "" && cf.FindField(s.Field) != nil {
		return true
	}
	return s.Interface != "" && cf.HasInterface(s.Interface)
}

// Match resolves the rule set against cf. It does not modify cf.
//
// An error is returned only for malformed annotation attributes or
// constant pool references; unsupported targets are reported in
// Results.Skipped.
func (rs *RuleSet) Match(cf *classfile.ClassFile) (*Results, error) {
	res := &Results{}
	if rs.Excluded(cf.ThisClass) {
		res.Excluded = true
		return res, nil
	}
	res.Sentinel = rs.HasSentinel(cf)

	rs.matchDecorate(cf, res)
	if err := rs.matchAnnotated(cf, res); err != nil {
		return nil, err
	}
	if err := rs.matchCallSites(cf, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (rs *RuleSet) matchDecorate(cf *classfile.ClassFile, res *Results) {
	for _, r := range rs.decorate {
		if (r.Class == "" || r.Class != cf.ThisClass) && (r.SuperClass == "" || r.SuperClass != cf.SuperClass) {
			continue
		}
		switch {
		case cf.IsInterface():
			res.Skipped = append(res.Skipped, Skip{Rule: r, Kind: SkipUnsupported, Reason: "interfaces cannot be decorated"})
		case res.Sentinel:
			res.Skipped = append(res.Skipped, Skip{Rule: r, Kind: SkipAlreadyApplied, Reason: "sentinel already present"})
		case res.Decorate == nil:
			res.Decorate = r
		}
	}
}

func (rs *RuleSet) matchAnnotated(cf *classfile.ClassFile, res *Results) error {
	if len(rs.annotated) == 0 {
		return nil
	}
	classTypes, err := classfile.AnnotationTypes(cf.Pool, cf.Attributes)
	if err != nil {
		return fmt.Errorf("class annotations: %w", err)
	}
	for _, m := range cf.Methods {
		methodTypes, err := classfile.AnnotationTypes(cf.Pool, m.Attributes)
		if err != nil {
			return fmt.Errorf("%s annotations: %w", m.Key(), err)
		}
		for _, r := range rs.annotated {
			onMethod := contains(methodTypes, r.Marker)
			if !onMethod && !contains(classTypes, r.Marker) {
				continue
			}
			if r.ExcludeMarker != "" && (contains(methodTypes, r.ExcludeMarker) || contains(classTypes, r.ExcludeMarker)) {
				continue
			}
			if reason := ineligible(m); reason != "" {
				// Class-level markers sweep every method; only report
				// methods that carry the marker themselves.
				if onMethod {
					res.Skipped = append(res.Skipped, Skip{Method: m, Rule: r, Kind: SkipUnsupported, Reason: reason})
				}
				continue
			}
			if res.Sentinel {
				res.Skipped = append(res.Skipped, Skip{Method: m, Rule: r, Kind: SkipAlreadyApplied, Reason: "class already instrumented"})
				continue
			}
			res.Traced = append(res.Traced, MethodMatch{Method: m, Rule: r})
		}
	}
	return nil
}

// ineligible returns why m cannot have its body rewritten, or "".
func ineligible(m *classfile.Method) string {
	switch {
	case m.IsStaticInit():
		return "static initializer"
	case m.IsAbstract():
		return "abstract method"
	case m.IsNative():
		return "native method"
	case m.Code == nil:
		return "method has no code"
	}
	return ""
}

func (rs *RuleSet) matchCallSites(cf *classfile.ClassFile, res *Results) error {
	if len(rs.targets) == 0 {
		return nil
	}
	for _, m := range cf.Methods {
		if m.Code == nil {
			continue
		}
		insns := m.Code.Insns
		for i, in := range insns {
			if !in.Op.IsInvoke() || in.Op == classfile.INVOKEDYNAMIC {
				continue
			}
			ref, err := cf.Pool.MemberRef(in.Index)
			if err != nil {
				return fmt.Errorf("%s at index %d: %w", m.Key(), i, err)
			}
			rules := rs.targets[MethodRef{Owner: ref.Owner, Name: ref.Name, Descriptor: ref.Descriptor}]
			for _, r := range rules {
				if in.Op == classfile.INVOKESPECIAL || ref.Name == "<init>" || ref.Name == "<clinit>" {
					res.Skipped = append(res.Skipped, Skip{Method: m, Insn: in, Rule: r, Kind: SkipUnsupported,
						Reason: fmt.Sprintf("%s call sites cannot be rewritten", in.Op)})
					continue
				}
				if r.Mode == ModeObserveReturn && rs.observed(cf.Pool, insns, i) {
					res.Skipped = append(res.Skipped, Skip{Method: m, Insn: in, Rule: r, Kind: SkipAlreadyApplied,
						Reason: "return value already observed"})
					continue
				}
				res.CallSites = append(res.CallSites, CallSite{Method: m, Insn: in, Index: i, Ref: ref, Rule: r})
			}
		}
	}
	return nil
}

// observeWindow bounds the instructions between a call and its observer
// invocation: dup, box, three constants and the observer call itself.
const observeWindow = 6

// observed reports whether the call at insns[i] is already followed by an
// observation sequence.
func (rs *RuleSet) observed(pool *classfile.ConstantPool, insns []*classfile.Instr, i int) bool {
	obs := rs.opts.Observer
	if obs.Owner == "" || i+1 >= len(insns) {
		return false
	}
	switch insns[i+1].Op {
	case classfile.DUP, classfile.DUP2, classfile.ACONST_NULL:
	default:
		return false
	}
	for j := i + 2; j < len(insns) && j <= i+1+observeWindow; j++ {
		in := insns[j]
		if in.Op != classfile.INVOKESTATIC {
			continue
		}
		ref, err := pool.MemberRef(in.Index)
		if err != nil {
			return false
		}
		if ref.Owner == obs.Owner && ref.Name == obs.Name {
			return true
		}
		if ref.Name != "valueOf" {
			return false
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
