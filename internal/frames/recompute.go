package frames

import (
	"fmt"

	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/hierarchy"
)

// Recompute repairs m after its body was edited:
//
//   - unreachable instructions become nop ... athrow and leave every
//     exception range (ranges are split around them)
//   - MaxStack and MaxLocals are recomputed
//   - the StackMapTable is regenerated for class versions that carry one
//     and removed otherwise
//
// The body is marked modified. Methods without code are left alone.
func Recompute(cf *classfile.ClassFile, m *classfile.Method, h *hierarchy.Hierarchy) error {
	code := m.Code
	if code == nil {
		return nil
	}
	a, err := Analyze(cf, m, h)
	if err != nil {
		return fmt.Errorf("%s%s: %w", m.Name, m.Descriptor, err)
	}

	dead := neutraliseDeadCode(code, a)
	maxStack := a.MaxStack
	if dead && maxStack < 1 {
		maxStack = 1
	}
	if maxStack > 0xFFFF || a.MaxLocals > 0xFFFF {
		return fmt.Errorf("%s%s: %w: frame size out of range", m.Name, m.Descriptor, ErrVerification)
	}
	code.MaxStack = uint16(maxStack)
	code.MaxLocals = uint16(a.MaxLocals)

	if cf.MajorVersion >= classfile.VersionStackMaps {
		code.StackMap = buildStackMap(code, a)
	} else {
		code.StackMap = nil
	}
	code.Modified = true
	return nil
}

// neutraliseDeadCode rewrites each maximal run of unreachable instructions
// in place to nop ... athrow and splits exception ranges so that they cover
// reachable instructions only. Instruction identities are preserved.
func neutraliseDeadCode(code *classfile.Code, a *Analysis) bool {
	found := false
	insns := code.Insns
	for i := 0; i < len(insns); i++ {
		if a.Reachable(insns[i]) {
			continue
		}
		j := i
		for j+1 < len(insns) && !a.Reachable(insns[j+1]) {
			j++
		}
		for k := i; k <= j; k++ {
			*insns[k] = classfile.Instr{Op: classfile.NOP}
		}
		insns[j].Op = classfile.ATHROW
		found = true
		i = j
	}
	if !found {
		return false
	}

	index := make(map[*classfile.Instr]int, len(insns))
	for i, in := range insns {
		index[in] = i
	}
	var handlers []*classfile.Handler
	for _, h := range code.Handlers {
		s, ok := index[h.Start]
		if !ok {
			continue
		}
		e := len(insns)
		if h.End != nil {
			if e, ok = index[h.End]; !ok {
				continue
			}
		}
		for k := s; k < e; {
			if !a.Reachable(insns[k]) {
				k++
				continue
			}
			start := k
			for k < e && a.Reachable(insns[k]) {
				k++
			}
			var end *classfile.Instr
			if k < len(insns) {
				end = insns[k]
			}
			handlers = append(handlers, h.Narrow(insns[start], end))
		}
	}
	code.Handlers = handlers
	return true
}

// buildStackMap emits a frame at every branch target, handler entry and
// instruction following an unconditional transfer, choosing the most
// compact encoding relative to the previous frame.
func buildStackMap(code *classfile.Code, a *Analysis) *classfile.StackMap {
	insns := code.Insns
	points := make(map[*classfile.Instr]bool)
	for i, in := range insns {
		switch {
		case in.Op.IsBranch():
			points[in.Target] = true
		case in.Op.IsSwitch():
			points[in.Switch.Default] = true
			for _, t := range in.Switch.Targets {
				points[t] = true
			}
		}
		if in.Op.EndsBlock() && i+1 < len(insns) {
			points[insns[i+1]] = true
		}
	}
	for _, h := range code.Handlers {
		points[h.Handler] = true
	}

	sm := &classfile.StackMap{}
	prev := compressLocals(a.Initial.Locals)
	for _, in := range insns {
		if !points[in] {
			continue
		}
		var locals, stack []classfile.VType
		if f := a.Frames[in]; f != nil {
			locals = compressLocals(f.Locals)
			stack = compress(f.Stack)
		} else {
			stack = []classfile.VType{object("java/lang/Throwable")}
		}
		sm.Frames = append(sm.Frames, encodeFrame(in, prev, locals, stack))
		prev = locals
	}
	return sm
}

func encodeFrame(at *classfile.Instr, prev, locals, stack []classfile.VType) classfile.StackMapFrame {
	f := classfile.StackMapFrame{At: at}
	switch {
	case len(stack) == 0 && equal(prev, locals):
		f.Kind = classfile.FrameSame
	case len(stack) == 1 && equal(prev, locals):
		f.Kind = classfile.FrameSameLocals1
		f.Stack = stack
	case len(stack) == 0 && len(locals) < len(prev) && len(prev)-len(locals) <= 3 && equal(prev[:len(locals)], locals):
		f.Kind = classfile.FrameChop
		f.Chop = len(prev) - len(locals)
	case len(stack) == 0 && len(locals) > len(prev) && len(locals)-len(prev) <= 3 && equal(locals[:len(prev)], prev):
		f.Kind = classfile.FrameAppend
		f.Locals = locals[len(prev):]
	default:
		f.Kind = classfile.FrameFull
		f.Locals = locals
		f.Stack = stack
	}
	return f
}

// compress converts expanded types to the class file convention, where a
// long or double is a single entry.
func compress(ts []classfile.VType) []classfile.VType {
	out := make([]classfile.VType, 0, len(ts))
	for i := 0; i < len(ts); i++ {
		out = append(out, ts[i])
		if ts[i].IsWide() {
			i++
		}
	}
	return out
}

// compressLocals compresses and drops trailing Top entries.
func compressLocals(ts []classfile.VType) []classfile.VType {
	out := compress(ts)
	for len(out) > 0 && out[len(out)-1].Kind == classfile.VTop {
		out = out[:len(out)-1]
	}
	return out
}

func equal(x, y []classfile.VType) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
