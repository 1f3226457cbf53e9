// Package instrument - Visitor pipeline.
//
// The pipeline is a fixed, ordered list of stages over one class. Each
// stage may veto the rest by returning ErrNoOpSkip (nothing to do) or any
// other error (abandon the class and keep the original bytes).
//
//  1. prefilter       match the rule set, decide build id stamping
//  2. decorate-class  add the sentinel field and interface, stamp the id
//  3. plan-methods    group method edits per method, drop conflicts
//  4. apply           prepare and apply each plan in declaration order
//  5. repair          recompute max stack, max locals and stack maps
package instrument

import (
	"errors"
	"fmt"

	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/frames"
	"github.com/kolkov/classweave/internal/match"
)

// stage is one pipeline step.
type stage struct {
	name string
	run  func(*pass) error
}

// stages run in this order for every class.
var stages = []stage{
	{"prefilter", (*pass).prefilter},
	{"decorate-class", (*pass).decorateClass},
	{"plan-methods", (*pass).planMethods},
	{"apply", (*pass).apply},
	{"repair", (*pass).repair},
}

// pass carries the state of one class through the stages.
type pass struct {
	t   *Transformer
	ctx *Context
	cf  *classfile.ClassFile
	rw  *rewriter

	results   *match.Results
	classPlan *EditPlan
	plans     []*EditPlan
	touched   []*classfile.Method
}

func (t *Transformer) newPass(ctx *Context, cf *classfile.ClassFile) *pass {
	return &pass{
		t:   t,
		ctx: ctx,
		cf:  cf,
		rw:  &rewriter{cf: cf, hooks: t.hooks, hier: t.hier},
	}
}

// run executes the stages in order and stops at the first error.
func (p *pass) run() error {
	for _, s := range stages {
		if err := s.run(p); err != nil {
			if errors.Is(err, ErrNoOpSkip) {
				return err
			}
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (p *pass) prefilter() error {
	res, err := p.t.rules.Match(p.cf)
	if err != nil {
		return fmt.Errorf("%w: %v", classfile.ErrMalformed, err)
	}
	p.results = res
	p.classPlan = &EditPlan{}
	if id, field, ok := p.t.stampFor(p.cf); ok {
		if err := p.classPlan.Add(EditOp{Kind: EditStampBuildID, Name: field, Value: id}); err != nil {
			return err
		}
	}
	if res.Excluded {
		// Excluded classes may still carry the build id.
		if p.classPlan.Empty() {
			return ErrNoOpSkip
		}
		return nil
	}
	for _, s := range res.Skipped {
		switch s.Kind {
		case match.SkipAlreadyApplied:
			p.ctx.Report(SeverityDebug, KindAlreadyApplied, s.Method, "%s", s)
		default:
			p.ctx.Report(SeverityWarning, KindUnsupportedConstruct, s.Method, "%s", s)
		}
	}

	if d := res.Decorate; d != nil {
		s := p.t.rules.Options().Sentinel
		if s.Field != "" {
			if err := p.classPlan.Add(EditOp{Kind: EditAddField, Rule: d, Name: s.Field, Descriptor: s.FieldType}); err != nil {
				return err
			}
		}
		if s.Interface != "" {
			if err := p.classPlan.Add(EditOp{Kind: EditAddInterface, Rule: d, Name: s.Interface}); err != nil {
				return err
			}
		}
	}

	if p.classPlan.Empty() && len(res.Traced) == 0 && len(res.CallSites) == 0 {
		return ErrNoOpSkip
	}
	return nil
}

func (p *pass) decorateClass() error {
	if p.classPlan.Empty() {
		return nil
	}
	if err := p.rw.decorate(p.classPlan); err != nil {
		return err
	}
	p.ctx.RecordEdit(p.classPlan)
	return nil
}

func (p *pass) planMethods() error {
	byMethod := make(map[*classfile.Method]*EditPlan)
	plan := func(m *classfile.Method) *EditPlan {
		if byMethod[m] == nil {
			byMethod[m] = &EditPlan{Method: m}
		}
		return byMethod[m]
	}
	add := func(m *classfile.Method, op EditOp) {
		if err := plan(m).Add(op); err != nil {
			p.ctx.Report(SeverityWarning, KindConflictingEdit, m, "%s: %v", ruleName(op.Rule), err)
		}
	}

	for _, cs := range p.results.CallSites {
		kind := EditReplaceCall
		if cs.Rule.Mode == match.ModeObserveReturn {
			kind = EditObserveReturn
		}
		add(cs.Method, EditOp{Kind: kind, Insn: cs.Insn, Ref: cs.Ref, Rule: cs.Rule})
	}
	for _, mm := range p.results.Traced {
		if p.ctx.WasAlreadyInstrumented(mm.Method) {
			p.ctx.Report(SeverityDebug, KindAlreadyApplied, mm.Method, "%s: method already wrapped", mm.Rule)
			continue
		}
		add(mm.Method, EditOp{Kind: EditWrapTrace, Rule: mm.Rule})
	}

	p.plans = p.plans[:0]
	for _, m := range p.cf.Methods {
		if pl := byMethod[m]; !pl.Empty() {
			pl.Sort()
			p.plans = append(p.plans, pl)
		}
	}
	if len(p.plans) == 0 && !p.ctx.IsModified() {
		return ErrNoOpSkip
	}
	return nil
}

func (p *pass) apply() error {
	for _, pl := range p.plans {
		applied := &EditPlan{Method: pl.Method}
		var edits []func() error
		for _, op := range pl.Ops {
			edit, err := p.rw.prepare(pl.Method, op)
			if err != nil {
				if !errors.Is(err, ErrUnsupportedConstruct) {
					return err
				}
				p.ctx.Report(SeverityWarning, KindUnsupportedConstruct, pl.Method, "%s: %v", ruleName(op.Rule), err)
				continue
			}
			edits = append(edits, edit)
			applied.Ops = append(applied.Ops, op)
		}
		for _, edit := range edits {
			if err := edit(); err != nil {
				return NewInstrumentationError(p.cf.ThisClass, pl.Method.Key(), -1, nil, err.Error())
			}
		}
		if !applied.Empty() {
			p.ctx.RecordEdit(applied)
			p.touched = append(p.touched, pl.Method)
		}
	}
	if !p.ctx.IsModified() {
		return ErrNoOpSkip
	}
	return nil
}

// repair recomputes the frames of every edited method. A failure abandons
// the whole class.
func (p *pass) repair() error {
	for _, m := range p.touched {
		if err := frames.Recompute(p.cf, m, p.t.hier); err != nil {
			return NewInstrumentationError(p.cf.ThisClass, m.Key(), -1, err, "")
		}
		for _, a := range m.Code.Attributes {
			p.ctx.Report(SeverityWarning, KindUnsupportedConstruct, m, "code attribute %s dropped", a.Name)
		}
	}
	return nil
}
