package classfile

import (
	"fmt"
	"math"
)

// maxCodeLength is the largest code_length a method may have.
const maxCodeLength = 65535

// Layout assigns byte offsets to every instruction, choosing goto_w/jsr_w for
// unconditional jumps that do not fit a 16-bit displacement. It returns the
// code length.
//
// Layout is iterated until no jump needs widening; switch padding is
// recomputed on every pass because it depends on the switch's offset.
func (c *Code) Layout() (int, error) {
	_, n, err := c.layout()
	return n, err
}

func (c *Code) layout() (map[*Instr]bool, int, error) {
	if len(c.Insns) == 0 {
		return nil, 0, fmt.Errorf("%w: empty code", ErrMalformed)
	}
	member := make(map[*Instr]bool, len(c.Insns))
	for _, in := range c.Insns {
		member[in] = true
	}
	check := func(in, t *Instr) error {
		if t == nil || !member[t] {
			return fmt.Errorf("%s at index %d: target not in code", in.Op, c.IndexOf(in))
		}
		return nil
	}
	for _, in := range c.Insns {
		if in.Op.IsBranch() {
			if err := check(in, in.Target); err != nil {
				return nil, 0, err
			}
		}
		if in.Op.IsSwitch() {
			if in.Switch == nil {
				return nil, 0, fmt.Errorf("%s at index %d: missing arms", in.Op, c.IndexOf(in))
			}
			if err := check(in, in.Switch.Default); err != nil {
				return nil, 0, err
			}
			for _, t := range in.Switch.Targets {
				if err := check(in, t); err != nil {
					return nil, 0, err
				}
			}
		}
	}

	wide := make(map[*Instr]bool)
	var scratch writer
	for {
		off := 0
		for _, in := range c.Insns {
			in.offset = off
			scratch.b = scratch.b[:0]
			if err := encodeInsn(&scratch, in, wide[in], nil); err != nil {
				return nil, 0, err
			}
			off += len(scratch.b)
		}
		if off > maxCodeLength {
			return nil, 0, fmt.Errorf("%w: %d bytes", ErrCodeTooLarge, off)
		}
		changed := false
		for _, in := range c.Insns {
			if !in.Op.IsBranch() {
				continue
			}
			d := in.Target.offset - in.offset
			if d >= math.MinInt16 && d <= math.MaxInt16 {
				continue
			}
			if in.Op.IsConditional() {
				return nil, 0, fmt.Errorf("%w: %s at %d cannot reach %d", ErrCodeTooLarge, in.Op, in.offset, in.Target.offset)
			}
			if !wide[in] {
				wide[in] = true
				changed = true
			}
		}
		if !changed {
			return wide, off, nil
		}
	}
}

// encodeInsn appends the shortest legal encoding of in at its current
// offset. pool is nil during layout, when only the size matters.
func encodeInsn(w *writer, in *Instr, wideJump bool, pool *ConstantPool) error {
	op := in.Op
	switch {
	case op == LDC:
		if in.Index > math.MaxUint8 {
			w.u1(uint8(LDC_W))
			w.u2(in.Index)
		} else {
			w.u1(uint8(LDC))
			w.u1(uint8(in.Index))
		}
	case (op >= ILOAD && op <= ALOAD) || (op >= ISTORE && op <= ASTORE):
		switch {
		case in.Index <= 3:
			base, family := ILOAD_0, op-ILOAD
			if op >= ISTORE {
				base, family = ISTORE_0, op-ISTORE
			}
			w.u1(uint8(base + family*4 + Opcode(in.Index)))
		case in.Index <= math.MaxUint8:
			w.u1(uint8(op))
			w.u1(uint8(in.Index))
		default:
			w.u1(uint8(WIDE))
			w.u1(uint8(op))
			w.u2(in.Index)
		}
	case op == RET:
		if in.Index > math.MaxUint8 {
			w.u1(uint8(WIDE))
			w.u1(uint8(op))
			w.u2(in.Index)
		} else {
			w.u1(uint8(op))
			w.u1(uint8(in.Index))
		}
	case op == IINC:
		switch {
		case in.Index <= math.MaxUint8 && in.Const >= math.MinInt8 && in.Const <= math.MaxInt8:
			w.u1(uint8(op))
			w.u1(uint8(in.Index))
			w.u1(uint8(int8(in.Const)))
		case in.Const >= math.MinInt16 && in.Const <= math.MaxInt16:
			w.u1(uint8(WIDE))
			w.u1(uint8(op))
			w.u2(in.Index)
			w.u2(uint16(int16(in.Const)))
		default:
			return fmt.Errorf("iinc delta %d out of range", in.Const)
		}
	case op.IsBranch():
		d := 0
		if in.Target != nil {
			d = in.Target.offset - in.offset
		}
		if wideJump {
			switch op {
			case GOTO:
				w.u1(uint8(GOTO_W))
			case JSR:
				w.u1(uint8(JSR_W))
			default:
				return fmt.Errorf("%s has no wide form", op)
			}
			w.u4(uint32(int32(d)))
		} else {
			w.u1(uint8(op))
			w.u2(uint16(int16(d)))
		}
	case op.IsSwitch():
		w.u1(uint8(op))
		for pad := (4 - (in.offset+1)%4) % 4; pad > 0; pad-- {
			w.u1(0)
		}
		sw := in.Switch
		rel := func(t *Instr) uint32 {
			if t == nil {
				return 0
			}
			return uint32(int32(t.offset - in.offset))
		}
		w.u4(rel(sw.Default))
		if op == TABLESWITCH {
			w.u4(uint32(sw.Low))
			w.u4(uint32(sw.Low + int32(len(sw.Targets)) - 1))
			for _, t := range sw.Targets {
				w.u4(rel(t))
			}
		} else {
			if len(sw.Keys) != len(sw.Targets) {
				return fmt.Errorf("lookupswitch has %d keys and %d targets", len(sw.Keys), len(sw.Targets))
			}
			w.u4(uint32(len(sw.Keys)))
			for k, key := range sw.Keys {
				w.u4(uint32(key))
				w.u4(rel(sw.Targets[k]))
			}
		}
	case op == BIPUSH || op == NEWARRAY:
		w.u1(uint8(op))
		w.u1(uint8(in.Const))
	case op == SIPUSH:
		w.u1(uint8(op))
		w.u2(uint16(int16(in.Const)))
	case op == INVOKEINTERFACE:
		count := uint8(in.Const)
		if pool != nil {
			if ref, err := pool.MemberRef(in.Index); err == nil {
				if mt, err := ParseMethodDescriptor(ref.Descriptor); err == nil {
					count = uint8(mt.ArgSlots() + 1)
				}
			}
		}
		w.u1(uint8(op))
		w.u2(in.Index)
		w.u1(count)
		w.u1(0)
	case op == INVOKEDYNAMIC:
		w.u1(uint8(op))
		w.u2(in.Index)
		w.u2(0)
	case op == MULTIANEWARRAY:
		w.u1(uint8(op))
		w.u2(in.Index)
		w.u1(uint8(in.Const))
	case operandKinds[op] == opCP2:
		w.u1(uint8(op))
		w.u2(in.Index)
	case operandKinds[op] == opNone:
		w.u1(uint8(op))
	default:
		return fmt.Errorf("cannot encode %s", op)
	}
	return nil
}

// encode serialises the Code attribute body.
func (c *Code) encode(pool *ConstantPool) ([]byte, error) {
	wide, length, err := c.layout()
	if err != nil {
		return nil, err
	}
	var body writer
	for _, in := range c.Insns {
		if err := encodeInsn(&body, in, wide[in], pool); err != nil {
			return nil, err
		}
	}
	if len(body.b) != length {
		return nil, fmt.Errorf("code layout mismatch: %d != %d", len(body.b), length)
	}

	member := make(map[*Instr]bool, len(c.Insns))
	for _, in := range c.Insns {
		member[in] = true
	}
	endOff := func(in *Instr) (int, bool) {
		if in == nil {
			return length, true
		}
		return in.offset, member[in]
	}

	var w writer
	w.u2(c.MaxStack)
	w.u2(c.MaxLocals)
	w.u4(uint32(length))
	w.raw(body.b)

	var table writer
	count := 0
	for _, h := range c.Handlers {
		if !member[h.Start] || !member[h.Handler] {
			continue
		}
		end, ok := endOff(h.End)
		if !ok || h.Start.offset >= end {
			continue
		}
		table.u2(uint16(h.Start.offset))
		table.u2(uint16(end))
		table.u2(uint16(h.Handler.offset))
		if h.CatchType == "" {
			table.u2(0)
		} else {
			table.u2(classIndex(pool, h.catchIndex, h.CatchType))
		}
		count++
	}
	w.u2(uint16(count))
	w.raw(table.b)

	var attrs []*Attribute
	if info := c.encodeLines(member); info != nil {
		attrs = append(attrs, &Attribute{Name: "LineNumberTable", Info: info})
	}
	for _, generic := range []bool{false, true} {
		info := c.encodeLocals(pool, member, endOff, generic)
		if info == nil {
			continue
		}
		name := "LocalVariableTable"
		if generic {
			name = "LocalVariableTypeTable"
		}
		attrs = append(attrs, &Attribute{Name: name, Info: info})
	}
	if c.StackMap != nil && len(c.StackMap.Frames) > 0 {
		info, err := c.StackMap.encode(pool, member)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, &Attribute{Name: "StackMapTable", Info: info})
	}
	writeAttributes(&w, pool, attrs)
	return w.b, nil
}

func (c *Code) encodeLines(member map[*Instr]bool) []byte {
	var w writer
	n := 0
	for _, l := range c.Lines {
		if !member[l.Start] {
			continue
		}
		w.u2(uint16(l.Start.offset))
		w.u2(l.Line)
		n++
	}
	if n == 0 {
		return nil
	}
	return append([]byte{byte(n >> 8), byte(n)}, w.b...)
}

func (c *Code) encodeLocals(pool *ConstantPool, member map[*Instr]bool, endOff func(*Instr) (int, bool), generic bool) []byte {
	var w writer
	n := 0
	for _, lv := range c.LocalVars {
		if lv.Generic != generic || !member[lv.Start] {
			continue
		}
		end, ok := endOff(lv.End)
		if !ok || end < lv.Start.offset {
			continue
		}
		w.u2(uint16(lv.Start.offset))
		w.u2(uint16(end - lv.Start.offset))
		w.u2(pool.AddUtf8(lv.Name))
		w.u2(pool.AddUtf8(lv.Descriptor))
		w.u2(lv.Index)
		n++
	}
	if n == 0 {
		return nil
	}
	return append([]byte{byte(n >> 8), byte(n)}, w.b...)
}

func (sm *StackMap) encode(pool *ConstantPool, member map[*Instr]bool) ([]byte, error) {
	var w writer
	w.u2(uint16(len(sm.Frames)))
	prev := -1
	for i, f := range sm.Frames {
		if f.At == nil || !member[f.At] {
			return nil, fmt.Errorf("stack map frame %d: position not in code", i)
		}
		delta := f.At.offset - prev - 1
		if delta < 0 {
			return nil, fmt.Errorf("stack map frame %d at %d is out of order", i, f.At.offset)
		}
		prev = f.At.offset
		switch f.Kind {
		case FrameSame:
			if delta <= 63 {
				w.u1(uint8(delta))
			} else {
				w.u1(251)
				w.u2(uint16(delta))
			}
		case FrameSameLocals1:
			if len(f.Stack) != 1 {
				return nil, fmt.Errorf("stack map frame %d: same_locals_1_stack_item with %d stack entries", i, len(f.Stack))
			}
			if delta <= 63 {
				w.u1(uint8(64 + delta))
			} else {
				w.u1(247)
				w.u2(uint16(delta))
			}
			if err := writeVTypes(&w, pool, member, f.Stack); err != nil {
				return nil, err
			}
		case FrameChop:
			if f.Chop < 1 || f.Chop > 3 {
				return nil, fmt.Errorf("stack map frame %d: chop %d", i, f.Chop)
			}
			w.u1(uint8(251 - f.Chop))
			w.u2(uint16(delta))
		case FrameAppend:
			if len(f.Locals) < 1 || len(f.Locals) > 3 {
				return nil, fmt.Errorf("stack map frame %d: append of %d locals", i, len(f.Locals))
			}
			w.u1(uint8(251 + len(f.Locals)))
			w.u2(uint16(delta))
			if err := writeVTypes(&w, pool, member, f.Locals); err != nil {
				return nil, err
			}
		case FrameFull:
			w.u1(255)
			w.u2(uint16(delta))
			w.u2(uint16(len(f.Locals)))
			if err := writeVTypes(&w, pool, member, f.Locals); err != nil {
				return nil, err
			}
			w.u2(uint16(len(f.Stack)))
			if err := writeVTypes(&w, pool, member, f.Stack); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("stack map frame %d: unknown kind %d", i, f.Kind)
		}
	}
	return w.b, nil
}

func writeVTypes(w *writer, pool *ConstantPool, member map[*Instr]bool, types []VType) error {
	for _, t := range types {
		w.u1(uint8(t.Kind))
		switch t.Kind {
		case VObject:
			w.u2(pool.AddClass(t.Class))
		case VUninitialized:
			if t.New == nil || !member[t.New] {
				return fmt.Errorf("uninitialized type refers to an instruction not in code")
			}
			w.u2(uint16(t.New.offset))
		}
	}
	return nil
}
