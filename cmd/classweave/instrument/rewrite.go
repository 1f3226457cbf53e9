// Package instrument - Method body rewriting.
//
// Every edit is prepared before any edit of the same plan is applied.
// Preparation checks the edit can be expressed and returns a closure that
// performs it; an edit that fails preparation is skipped alone while the
// rest of the plan proceeds.
//
// Trace wrap transformation (static int add(int a, long b)):
//
//	ldc "app/Calc"                      // entry
//	ldc "add(IJ)I"
//	iconst_2
//	anewarray java/lang/Object
//	dup; iconst_0; iload_0; invokestatic Integer.valueOf; aastore
//	dup; iconst_1; lload_1; invokestatic Long.valueOf; aastore
//	invokestatic Hooks.enterMethod
//	astore_3                            // token, after the J slot pair
//	...original body...                 // protected by the catch-all
//	aload_3; invokestatic Hooks.exitMethod
//	ireturn
//	aload_3; invokestatic Hooks.exitMethod   // catch-all handler
//	athrow
package instrument

import (
	"fmt"

	"github.com/kolkov/classweave/cmd/classweave/runtime"
	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/frames"
	"github.com/kolkov/classweave/internal/hierarchy"
	"github.com/kolkov/classweave/internal/match"
)

const objectDesc = "Ljava/lang/Object;"

// rewriter applies edit operations to one class.
//
// Thread Safety: NOT thread-safe (mutates the class in place).
type rewriter struct {
	cf    *classfile.ClassFile
	hooks runtime.Hooks
	hier  *hierarchy.Hierarchy
}

// prepare validates op against m and returns the closure applying it.
func (r *rewriter) prepare(m *classfile.Method, op EditOp) (func() error, error) {
	switch op.Kind {
	case EditReplaceCall:
		return r.prepareReplace(m, op)
	case EditObserveReturn:
		return r.prepareObserve(m, op)
	case EditWrapTrace:
		return r.prepareWrap(m, op)
	}
	return nil, fmt.Errorf("%s is not a method edit", op.Kind)
}

func (r *rewriter) fail(m *classfile.Method, op EditOp, msg, suggestion string) error {
	index := -1
	if op.Insn != nil {
		index = m.Code.IndexOf(op.Insn)
	}
	return NewInstrumentationErrorWithSuggestion(r.cf.ThisClass, m.Key(), index, ErrUnsupportedConstruct, msg, suggestion)
}

// prepareReplace redirects a call to a static intermediary. Virtual and
// interface receivers become the intermediary's first argument, so the
// operand stack effect is unchanged.
func (r *rewriter) prepareReplace(m *classfile.Method, op EditOp) (func() error, error) {
	in := op.Insn
	target := match.MethodRef{Owner: op.Ref.Owner, Name: op.Ref.Name, Descriptor: op.Ref.Descriptor}
	desc, err := runtime.IntermediaryDescriptor(target, in.Op)
	if err != nil {
		return nil, r.fail(m, op, err.Error(), "Target a static, virtual or interface call instead")
	}
	inter := op.Rule.Intermediary
	return func() error {
		in.Op = classfile.INVOKESTATIC
		in.Index = r.cf.Pool.AddMethodref(inter.Owner, inter.Name, desc, false)
		in.Const = 0
		m.Code.Modified = true
		return nil
	}, nil
}

// prepareObserve passes the call's result to the observer after the call
// completes normally. The original value stays on the stack.
func (r *rewriter) prepareObserve(m *classfile.Method, op EditOp) (func() error, error) {
	mt, err := classfile.ParseMethodDescriptor(op.Ref.Descriptor)
	if err != nil {
		return nil, r.fail(m, op, err.Error(), "")
	}
	return func() error {
		return m.Code.InsertAfter(op.Insn, r.observeSequence(op.Ref, mt.Return)...)
	}, nil
}

func (r *rewriter) observeSequence(ref classfile.MemberRef, ret string) []*classfile.Instr {
	pool := r.cf.Pool
	var seq []*classfile.Instr
	switch classfile.SlotSize(ret) {
	case 0:
		seq = append(seq, classfile.Insn(classfile.ACONST_NULL))
	case 2:
		seq = append(seq, classfile.Insn(classfile.DUP2))
	default:
		seq = append(seq, classfile.Insn(classfile.DUP))
	}
	if w, ok := classfile.WrapperOf(ret); ok {
		seq = append(seq, classfile.Invoke(pool, classfile.INVOKESTATIC, w.Class, "valueOf", w.ValueOf))
	}
	obs := r.hooks.ObserveRef()
	return append(seq,
		classfile.LdcString(pool, ref.Owner),
		classfile.LdcString(pool, ref.Name),
		classfile.LdcString(pool, ref.Descriptor),
		classfile.Invoke(pool, classfile.INVOKESTATIC, obs.Owner, obs.Name, obs.Descriptor),
	)
}

// prepareWrap checks the method can be wrapped. Constructors are wrapped
// after the single this() or super() call, since the receiver cannot
// escape into a handler before it is initialised.
func (r *rewriter) prepareWrap(m *classfile.Method, op EditOp) (func() error, error) {
	code := m.Code
	if code == nil || len(code.Insns) == 0 {
		return nil, r.fail(m, op, "method has no code", "")
	}
	for _, in := range code.Insns {
		if in.Op == classfile.JSR || in.Op == classfile.RET {
			return nil, r.fail(m, op, "method uses jsr/ret subroutines", "Recompile the class with a target of Java 7 or later")
		}
	}
	mt, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		return nil, r.fail(m, op, err.Error(), "")
	}
	slot, err := tokenSlot(m, mt)
	if err != nil {
		return nil, r.fail(m, op, err.Error(), "")
	}

	var anchor *classfile.Instr
	if m.IsConstructor() {
		a, err := frames.Analyze(r.cf, m, r.hier)
		if err != nil {
			return nil, r.fail(m, op, fmt.Sprintf("constructor cannot be analysed: %v", err), "")
		}
		if len(a.ThisInit) != 1 {
			return nil, r.fail(m, op, fmt.Sprintf("constructor initialises this at %d sites", len(a.ThisInit)),
				"Exclude the constructor with the opt-out marker")
		}
		anchor = a.ThisInit[0]
	}
	return func() error {
		return r.wrap(m, mt, slot, anchor)
	}, nil
}

// tokenSlot returns the first local slot free in the whole body, counting
// long and double as two slots.
func tokenSlot(m *classfile.Method, mt classfile.MethodType) (uint16, error) {
	n := mt.ArgSlots()
	if !m.IsStatic() {
		n++
	}
	if int(m.Code.MaxLocals) > n {
		n = int(m.Code.MaxLocals)
	}
	for _, in := range m.Code.Insns {
		if !in.Op.IsLocalAccess() {
			continue
		}
		end := int(in.Index) + 1
		switch in.Op {
		case classfile.LLOAD, classfile.DLOAD, classfile.LSTORE, classfile.DSTORE:
			end++
		}
		if end > n {
			n = end
		}
	}
	if n >= 0xFFFF {
		return 0, fmt.Errorf("no free local slot for the trace token")
	}
	return uint16(n), nil
}

// entrySequence calls the entry hook with the boxed arguments and stores
// the returned token.
func (r *rewriter) entrySequence(m *classfile.Method, mt classfile.MethodType, token uint16) ([]*classfile.Instr, error) {
	pool := r.cf.Pool
	count, err := classfile.PushInt(int32(len(mt.Params)))
	if err != nil {
		return nil, err
	}
	seq := []*classfile.Instr{
		classfile.LdcString(pool, r.cf.ThisClass),
		classfile.LdcString(pool, m.Name+m.Descriptor),
		count,
		classfile.TypeInsn(pool, classfile.ANEWARRAY, "java/lang/Object"),
	}
	slot := 0
	if !m.IsStatic() {
		slot = 1
	}
	for i, p := range mt.Params {
		index, err := classfile.PushInt(int32(i))
		if err != nil {
			return nil, err
		}
		seq = append(seq, classfile.Insn(classfile.DUP), index, classfile.Load(p, uint16(slot)))
		if w, ok := classfile.WrapperOf(p); ok {
			seq = append(seq, classfile.Invoke(pool, classfile.INVOKESTATIC, w.Class, "valueOf", w.ValueOf))
		}
		seq = append(seq, classfile.Insn(classfile.AASTORE))
		slot += classfile.SlotSize(p)
	}
	enter := r.hooks.EnterRef()
	return append(seq,
		classfile.Invoke(pool, classfile.INVOKESTATIC, enter.Owner, enter.Name, enter.Descriptor),
		classfile.Store(objectDesc, token),
	), nil
}

func (r *rewriter) exitSequence(token uint16) []*classfile.Instr {
	exit := r.hooks.ExitRef()
	return []*classfile.Instr{
		classfile.Load(objectDesc, token),
		classfile.Invoke(r.cf.Pool, classfile.INVOKESTATIC, exit.Owner, exit.Name, exit.Descriptor),
	}
}

// wrap inserts the entry sequence (at the start, or after anchor), an exit
// sequence before every return, and a catch-all handler appended last to
// the exception table. The handler protects everything after the entry
// except returns and exit sequences, so the exit hook runs once on every
// path.
func (r *rewriter) wrap(m *classfile.Method, mt classfile.MethodType, token uint16, anchor *classfile.Instr) error {
	code := m.Code
	var returns []*classfile.Instr
	for _, in := range code.Insns {
		if in.Op.IsReturn() {
			returns = append(returns, in)
		}
	}

	entry, err := r.entrySequence(m, mt, token)
	if err != nil {
		return err
	}
	if anchor == nil {
		code.Prepend(entry...)
	} else if err := code.InsertAfter(anchor, entry...); err != nil {
		return err
	}
	exits := make(map[*classfile.Instr]bool)
	for _, ret := range returns {
		seq := r.exitSequence(token)
		if err := code.InsertBefore(ret, true, seq...); err != nil {
			return err
		}
		for _, in := range seq {
			exits[in] = true
		}
	}

	// Runs of protected instructions as [start, end) index pairs.
	var runs [][2]int
	from := code.IndexOf(entry[len(entry)-1]) + 1
	open := -1
	for i := from; i < len(code.Insns); i++ {
		in := code.Insns[i]
		protect := !exits[in] && !in.Op.IsReturn()
		switch {
		case protect && open < 0:
			open = i
		case !protect && open >= 0:
			runs = append(runs, [2]int{open, i})
			open = -1
		}
	}
	if open >= 0 {
		runs = append(runs, [2]int{open, len(code.Insns)})
	}
	if len(runs) == 0 {
		return nil
	}

	handler := r.exitSequence(token)
	handler = append(handler, classfile.Insn(classfile.ATHROW))
	code.Append(handler...)
	for _, run := range runs {
		code.Handlers = append(code.Handlers, &classfile.Handler{
			Start:   code.Insns[run[0]],
			End:     code.Insns[run[1]],
			Handler: handler[0],
		})
	}
	return nil
}

// decorate adds the class-level operations of p.
func (r *rewriter) decorate(p *EditPlan) error {
	for _, op := range p.Ops {
		switch op.Kind {
		case EditAddField:
			if r.cf.FindField(op.Name) != nil {
				return NewInstrumentationError(r.cf.ThisClass, "", -1, ErrDuplicateDecoration,
					fmt.Sprintf("field %s already present", op.Name))
			}
			r.cf.AddField(classfile.AccPublic|classfile.AccTransient, op.Name, op.Descriptor)
		case EditAddInterface:
			if !r.cf.AddInterface(op.Name) {
				return NewInstrumentationError(r.cf.ThisClass, "", -1, ErrDuplicateDecoration,
					fmt.Sprintf("interface %s already implemented", op.Name))
			}
		case EditStampBuildID:
			if r.cf.FindField(op.Name) != nil {
				return NewInstrumentationError(r.cf.ThisClass, "", -1, ErrDuplicateDecoration,
					fmt.Sprintf("build id field %s already present", op.Name))
			}
			r.cf.AddStringConstant(classfile.AccPublic, op.Name, op.Value)
		default:
			return fmt.Errorf("%s is not a class edit", op.Kind)
		}
	}
	return nil
}
