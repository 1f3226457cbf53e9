// Package frames infers verification types over a method body and repairs
// what the JVM verifier needs after a rewrite: max_stack, max_locals and the
// StackMapTable.
//
// Frames are expanded: a long or double occupies two entries, the value
// followed by Top, on both the operand stack and in the locals. The
// class file's compressed convention is produced only when a StackMapTable
// is built.
package frames

import (
	"errors"
	"fmt"

	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/hierarchy"
)

var (
	// ErrVerification reports a method body whose types cannot be made
	// consistent (stack depth mismatch at a join, underflow, bad load).
	ErrVerification = errors.New("verification failed")

	// ErrUnsupported reports constructs the repair cannot handle, such as
	// jsr/ret subroutines.
	ErrUnsupported = errors.New("unsupported construct")
)

var (
	top     = classfile.VType{Kind: classfile.VTop}
	integer = classfile.VType{Kind: classfile.VInteger}
	float   = classfile.VType{Kind: classfile.VFloat}
	long    = classfile.VType{Kind: classfile.VLong}
	double  = classfile.VType{Kind: classfile.VDouble}
	null    = classfile.VType{Kind: classfile.VNull}
)

func object(class string) classfile.VType {
	return classfile.VType{Kind: classfile.VObject, Class: class}
}

// Frame is the type state before an instruction executes.
type Frame struct {
	Locals []classfile.VType
	Stack  []classfile.VType
}

func (f *Frame) clone() *Frame {
	return &Frame{
		Locals: append([]classfile.VType(nil), f.Locals...),
		Stack:  append([]classfile.VType(nil), f.Stack...),
	}
}

// Analysis is the result of Analyze.
type Analysis struct {
	// Frames holds the incoming frame of every reachable instruction.
	Frames map[*classfile.Instr]*Frame

	// Initial is the frame on method entry.
	Initial *Frame

	MaxStack  int
	MaxLocals int

	// ThisInit lists the invokespecial <init> calls that initialise the
	// receiver of a constructor.
	ThisInit []*classfile.Instr
}

// Reachable reports whether in can execute.
func (a *Analysis) Reachable(in *classfile.Instr) bool {
	return a.Frames[in] != nil
}

type analyzer struct {
	owner  string
	method *classfile.Method
	code   *classfile.Code
	pool   *classfile.ConstantPool
	h      *hierarchy.Hierarchy

	// declared holds the expanded frames of the body's StackMapTable as
	// the compiler wrote it, keyed by the instruction they describe.
	declared map[*classfile.Instr]*Frame
	// lenient merges classes of unknown ancestry to java/lang/Object. Only
	// safe when no StackMapTable will be written.
	lenient bool

	index    map[*classfile.Instr]int
	frames   []*Frame
	maxStack int
	thisInit map[*classfile.Instr]bool
}

// Analyze computes the incoming frame of every reachable instruction of m,
// a method of cf.
//
// Two reference types meet at a join as their common superclass in h. When
// h does not know the ancestry of either, the type declared by the body's
// existing StackMapTable at that instruction is used instead. Without one,
// a local becomes unusable (Top) and a stack entry fails the analysis.
// Classes older than version 50 carry no StackMapTable; their unknown joins
// merge to java/lang/Object.
//
// Returns ErrUnsupported for jsr/ret and ErrVerification when the body is
// not type-consistent.
func Analyze(cf *classfile.ClassFile, m *classfile.Method, h *hierarchy.Hierarchy) (*Analysis, error) {
	code := m.Code
	if code == nil || len(code.Insns) == 0 {
		return nil, fmt.Errorf("%s%s: no code", m.Name, m.Descriptor)
	}
	if h == nil {
		h = hierarchy.New()
	}
	a := &analyzer{
		owner:    cf.ThisClass,
		method:   m,
		code:     code,
		pool:     cf.Pool,
		h:        h,
		lenient:  cf.MajorVersion < classfile.VersionStackMaps,
		index:    make(map[*classfile.Instr]int, len(code.Insns)),
		frames:   make([]*Frame, len(code.Insns)),
		thisInit: make(map[*classfile.Instr]bool),
	}
	for i, in := range code.Insns {
		if in.Op == classfile.JSR || in.Op == classfile.RET {
			return nil, fmt.Errorf("%w: %s at index %d", ErrUnsupported, in.Op, i)
		}
		a.index[in] = i
	}
	if err := a.checkTargets(); err != nil {
		return nil, err
	}

	initial, err := a.initialFrame()
	if err != nil {
		return nil, err
	}
	a.declared = declaredFrames(code.StackMap, initial)
	if err := a.run(initial); err != nil {
		return nil, err
	}

	res := &Analysis{
		Frames:    make(map[*classfile.Instr]*Frame, len(code.Insns)),
		Initial:   initial,
		MaxStack:  a.maxStack,
		MaxLocals: len(initial.Locals),
	}
	for i, f := range a.frames {
		if f != nil {
			res.Frames[code.Insns[i]] = f
		}
	}
	for _, in := range code.Insns {
		if a.thisInit[in] {
			res.ThisInit = append(res.ThisInit, in)
		}
	}
	return res, nil
}

// initialFrame builds the entry frame sized to every local slot the body
// touches.
func (a *analyzer) initialFrame() (*Frame, error) {
	mt, err := classfile.ParseMethodDescriptor(a.method.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	var locals []classfile.VType
	if !a.method.IsStatic() {
		if a.method.IsConstructor() && a.owner != hierarchy.Object {
			locals = append(locals, classfile.VType{Kind: classfile.VUninitializedThis})
		} else {
			locals = append(locals, object(a.owner))
		}
	}
	for _, p := range mt.Params {
		locals = append(locals, typeOf(p)...)
	}

	size := len(locals)
	for _, in := range a.code.Insns {
		if !in.Op.IsLocalAccess() {
			continue
		}
		n := int(in.Index) + 1
		switch in.Op {
		case classfile.LLOAD, classfile.DLOAD, classfile.LSTORE, classfile.DSTORE:
			n++
		}
		if n > size {
			size = n
		}
	}
	for len(locals) < size {
		locals = append(locals, top)
	}
	return &Frame{Locals: locals}, nil
}

// run is the worklist fixpoint over instruction indices.
func (a *analyzer) run(initial *Frame) error {
	a.frames[0] = initial.clone()
	queue := []int{0}
	queued := make([]bool, len(a.code.Insns))
	queued[0] = true

	budget := 256 * (len(a.code.Insns) + len(initial.Locals) + 16)
	for len(queue) > 0 {
		if budget--; budget < 0 {
			return fmt.Errorf("%w: type inference did not converge", ErrVerification)
		}
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		queued[i] = false

		in := a.code.Insns[i]
		in0 := a.frames[i]
		if len(in0.Stack) > a.maxStack {
			a.maxStack = len(in0.Stack)
		}
		out, err := a.exec(i, in, in0.clone())
		if err != nil {
			return err
		}

		flow := func(j int, f *Frame) error {
			changed, err := a.mergeInto(j, f)
			if err != nil {
				return err
			}
			if changed && !queued[j] {
				queued[j] = true
				queue = append(queue, j)
			}
			return nil
		}

		for _, h := range a.code.Handlers {
			if !a.covers(h, i) {
				continue
			}
			catch := object("java/lang/Throwable")
			if h.CatchType != "" {
				catch = object(h.CatchType)
			}
			hf := &Frame{Locals: in0.Locals, Stack: []classfile.VType{catch}}
			if err := flow(a.index[h.Handler], hf); err != nil {
				return err
			}
		}

		for _, j := range a.successors(i, in) {
			if j >= len(a.code.Insns) {
				return fmt.Errorf("%w: execution falls off the end of the code after %s", ErrVerification, in.Op)
			}
			if err := flow(j, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *analyzer) checkTargets() error {
	has := func(in *classfile.Instr) bool {
		_, ok := a.index[in]
		return ok
	}
	for i, in := range a.code.Insns {
		switch {
		case in.Op.IsBranch():
			if !has(in.Target) {
				return fmt.Errorf("%w: %s at index %d jumps outside the code", ErrVerification, in.Op, i)
			}
		case in.Op.IsSwitch():
			if in.Switch == nil || !has(in.Switch.Default) {
				return fmt.Errorf("%w: %s at index %d has no default", ErrVerification, in.Op, i)
			}
			for _, t := range in.Switch.Targets {
				if !has(t) {
					return fmt.Errorf("%w: %s at index %d jumps outside the code", ErrVerification, in.Op, i)
				}
			}
		}
	}
	for _, h := range a.code.Handlers {
		if !has(h.Handler) {
			return fmt.Errorf("%w: exception handler outside the code", ErrVerification)
		}
	}
	return nil
}

func (a *analyzer) covers(h *classfile.Handler, i int) bool {
	s, ok := a.index[h.Start]
	if !ok {
		return false
	}
	e := len(a.code.Insns)
	if h.End != nil {
		if e, ok = a.index[h.End]; !ok {
			return false
		}
	}
	return i >= s && i < e
}

func (a *analyzer) successors(i int, in *classfile.Instr) []int {
	switch {
	case in.Op == classfile.GOTO:
		return []int{a.index[in.Target]}
	case in.Op.IsBranch():
		return []int{a.index[in.Target], i + 1}
	case in.Op.IsSwitch():
		out := []int{a.index[in.Switch.Default]}
		for _, t := range in.Switch.Targets {
			out = append(out, a.index[t])
		}
		return out
	case in.Op.IsReturn(), in.Op == classfile.ATHROW:
		return nil
	}
	return []int{i + 1}
}

// mergeInto merges f into the stored frame of instruction j.
func (a *analyzer) mergeInto(j int, f *Frame) (bool, error) {
	cur := a.frames[j]
	if cur == nil {
		a.frames[j] = f.clone()
		return true, nil
	}
	if len(cur.Stack) != len(f.Stack) {
		return false, fmt.Errorf("%w: stack depth %d and %d meet at index %d", ErrVerification, len(cur.Stack), len(f.Stack), j)
	}
	changed := false
	for k := range cur.Locals {
		t, err := a.merge(cur.Locals[k], f.Locals[k])
		if errors.Is(err, errAncestry) {
			t, err = a.declaredType(j, false, k, len(cur.Locals))
		}
		if err != nil {
			t = top
		}
		if t != cur.Locals[k] {
			cur.Locals[k] = t
			changed = true
		}
	}
	for k := range cur.Stack {
		t, err := a.merge(cur.Stack[k], f.Stack[k])
		if errors.Is(err, errAncestry) {
			t, err = a.declaredType(j, true, k, len(cur.Stack))
		}
		if err != nil {
			return false, fmt.Errorf("%w: stack entry %d is %s and %s at index %d: %v", ErrVerification, k, cur.Stack[k], f.Stack[k], j, err)
		}
		if t != cur.Stack[k] {
			cur.Stack[k] = t
			changed = true
		}
	}
	return changed, nil
}

var (
	errIncompatible = errors.New("no common type")
	errAncestry     = errors.New("class ancestry unknown")
)

// merge returns the least common type of x and y.
func (a *analyzer) merge(x, y classfile.VType) (classfile.VType, error) {
	if x == y {
		return x, nil
	}
	switch {
	case x.Kind == classfile.VNull && y.Kind == classfile.VObject:
		return y, nil
	case x.Kind == classfile.VObject && y.Kind == classfile.VNull:
		return x, nil
	case x.Kind == classfile.VObject && y.Kind == classfile.VObject:
		c, ok := a.mergeClass(x.Class, y.Class)
		if !ok {
			if a.lenient {
				return object(hierarchy.Object), nil
			}
			return top, errAncestry
		}
		return object(c), nil
	}
	return top, errIncompatible
}

// declaredType returns entry k of the locals or the stack declared at
// instruction j. The declared frame must have the same stack depth, and a
// declared stack entry must be a class.
func (a *analyzer) declaredType(j int, stack bool, k, n int) (classfile.VType, error) {
	d := a.declared[a.code.Insns[j]]
	if d == nil {
		return top, errAncestry
	}
	if stack {
		if len(d.Stack) != n || d.Stack[k].Kind != classfile.VObject {
			return top, errAncestry
		}
		return d.Stack[k], nil
	}
	if k >= len(d.Locals) {
		return top, errAncestry
	}
	return d.Locals[k], nil
}

func (a *analyzer) mergeClass(x, y string) (string, bool) {
	if x == y {
		return x, true
	}
	xa, ya := isArray(x), isArray(y)
	switch {
	case xa && ya:
		cx, cy := x[1:], y[1:]
		if !isReference(cx) || !isReference(cy) {
			return hierarchy.Object, true
		}
		c, ok := a.mergeClass(classfile.DescriptorClass(cx), classfile.DescriptorClass(cy))
		if !ok {
			return "", false
		}
		return "[" + classfile.ClassDescriptor(c), true
	case xa || ya:
		return hierarchy.Object, true
	}
	return a.h.CommonSuperClass(x, y)
}

// declaredFrames expands the frames of sm against the entry locals.
func declaredFrames(sm *classfile.StackMap, initial *Frame) map[*classfile.Instr]*Frame {
	if sm == nil {
		return nil
	}
	out := make(map[*classfile.Instr]*Frame, len(sm.Frames))
	locals := compressLocals(initial.Locals)
	for _, f := range sm.Frames {
		var stack []classfile.VType
		switch f.Kind {
		case classfile.FrameSameLocals1:
			stack = f.Stack
		case classfile.FrameChop:
			if f.Chop > len(locals) {
				return out
			}
			locals = locals[:len(locals)-f.Chop]
		case classfile.FrameAppend:
			locals = append(locals[:len(locals):len(locals)], f.Locals...)
		case classfile.FrameFull:
			locals, stack = f.Locals, f.Stack
		}
		out[f.At] = &Frame{Locals: expand(locals), Stack: expand(stack)}
	}
	return out
}

// expand converts class file types to the expanded convention.
func expand(ts []classfile.VType) []classfile.VType {
	out := make([]classfile.VType, 0, len(ts))
	for _, t := range ts {
		out = append(out, t)
		if t.IsWide() {
			out = append(out, top)
		}
	}
	return out
}

func isArray(name string) bool { return len(name) > 0 && name[0] == '[' }

func isReference(desc string) bool {
	return len(desc) > 0 && (desc[0] == 'L' || desc[0] == '[')
}

// typeOf returns the expanded verification types of a field descriptor.
func typeOf(desc string) []classfile.VType {
	if desc == "" {
		return nil
	}
	switch desc[0] {
	case 'Z', 'B', 'C', 'S', 'I':
		return []classfile.VType{integer}
	case 'F':
		return []classfile.VType{float}
	case 'J':
		return []classfile.VType{long, top}
	case 'D':
		return []classfile.VType{double, top}
	case 'L', '[':
		return []classfile.VType{object(classfile.DescriptorClass(desc))}
	}
	return nil
}

func isRef(t classfile.VType) bool {
	switch t.Kind {
	case classfile.VObject, classfile.VNull, classfile.VUninitializedThis, classfile.VUninitialized:
		return true
	}
	return false
}
