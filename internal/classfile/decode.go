package classfile

import "fmt"

// decodeCode parses a Code attribute body into the instruction arena.
func decodeCode(info []byte, pool *ConstantPool) (*Code, error) {
	r := newReader(info)
	c := &Code{MaxStack: r.u2(), MaxLocals: r.u2()}
	n := r.u4()
	if r.err != nil {
		return nil, r.err
	}
	if n == 0 || n > 65535 {
		return nil, fmt.Errorf("%w: code_length %d", ErrMalformed, n)
	}
	code := r.bytes(int(n))
	if r.err != nil {
		return nil, r.err
	}
	at, err := c.decodeInsns(code)
	if err != nil {
		return nil, err
	}
	// pos maps an offset that may equal len(code) (end of code) to an
	// instruction; the end position maps to nil.
	pos := func(off int, endOK bool) (*Instr, error) {
		if endOK && off == len(code) {
			return nil, nil
		}
		if off < 0 || off >= len(code) || at[off] == nil {
			return nil, fmt.Errorf("%w: offset %d is not an instruction boundary", ErrMalformed, off)
		}
		return at[off], nil
	}

	hn := int(r.u2())
	for i := 0; i < hn && r.err == nil; i++ {
		start, end, handler, catch := int(r.u2()), int(r.u2()), int(r.u2()), r.u2()
		if r.err != nil {
			break
		}
		if start >= end {
			return nil, fmt.Errorf("%w: exception range %d..%d is empty", ErrMalformed, start, end)
		}
		h := &Handler{catchIndex: catch}
		if h.Start, err = pos(start, false); err != nil {
			return nil, err
		}
		if h.End, err = pos(end, true); err != nil {
			return nil, err
		}
		if h.Handler, err = pos(handler, false); err != nil {
			return nil, err
		}
		if catch != 0 {
			if h.CatchType, err = pool.ClassName(catch); err != nil {
				return nil, fmt.Errorf("catch type: %w", err)
			}
		}
		c.Handlers = append(c.Handlers, h)
	}
	if r.err != nil {
		return nil, r.err
	}

	attrs, err := readAttributes(r, pool)
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in Code", ErrMalformed, r.remaining())
	}
	for _, a := range attrs {
		switch a.Name {
		case "LineNumberTable":
			err = c.decodeLines(a.Info, pos)
		case "LocalVariableTable":
			err = c.decodeLocals(a.Info, pool, pos, false)
		case "LocalVariableTypeTable":
			err = c.decodeLocals(a.Info, pool, pos, true)
		case "StackMapTable":
			c.StackMap, err = decodeStackMap(a.Info, pool, pos)
		default:
			c.Attributes = append(c.Attributes, a)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, err)
		}
	}
	return c, nil
}

type pendingJump struct {
	in      *Instr
	target  int
	targets []int // switch arms; target is the default
}

// decodeInsns walks the bytecode, fills c.Insns and returns the
// offset-to-instruction table used to resolve references.
func (c *Code) decodeInsns(code []byte) ([]*Instr, error) {
	at := make([]*Instr, len(code))
	cr := newReader(code)
	var jumps []pendingJump

	for cr.off < len(code) {
		off := cr.off
		op := Opcode(cr.u1())
		in := &Instr{offset: off}
		at[off] = in
		in.Op, in.Index = canonical(op)

		switch operandKinds[op] {
		case opNone, opLocalN:
		case opS1:
			if op == BIPUSH {
				in.Const = int32(int8(cr.u1()))
			} else {
				in.Const = int32(cr.u1())
			}
		case opS2:
			in.Const = int32(int16(cr.u2()))
		case opCP1, opLocal:
			in.Index = uint16(cr.u1())
		case opCP2:
			in.Index = cr.u2()
		case opIinc:
			in.Index = uint16(cr.u1())
			in.Const = int32(int8(cr.u1()))
		case opBranch2:
			jumps = append(jumps, pendingJump{in: in, target: off + int(int16(cr.u2()))})
		case opBranch4:
			jumps = append(jumps, pendingJump{in: in, target: off + int(int32(cr.u4()))})
		case opTableSwitch, opLookupSwitch:
			cr.take((4 - (off+1)%4) % 4)
			j := pendingJump{in: in, target: off + int(int32(cr.u4()))}
			sw := &Switch{}
			if op == TABLESWITCH {
				low, high := int32(cr.u4()), int32(cr.u4())
				if high < low || int64(high)-int64(low) >= int64(len(code)) {
					return nil, fmt.Errorf("%w: tableswitch bounds %d..%d at %d", ErrMalformed, low, high, off)
				}
				sw.Low = low
				for k := int64(low); k <= int64(high) && cr.err == nil; k++ {
					j.targets = append(j.targets, off+int(int32(cr.u4())))
				}
			} else {
				npairs := int(int32(cr.u4()))
				if npairs < 0 || npairs > len(code) {
					return nil, fmt.Errorf("%w: lookupswitch npairs %d at %d", ErrMalformed, npairs, off)
				}
				for k := 0; k < npairs && cr.err == nil; k++ {
					sw.Keys = append(sw.Keys, int32(cr.u4()))
					j.targets = append(j.targets, off+int(int32(cr.u4())))
				}
			}
			in.Switch = sw
			jumps = append(jumps, j)
		case opInterface:
			in.Index = cr.u2()
			in.Const = int32(cr.u1())
			cr.u1()
		case opDynamic:
			in.Index = cr.u2()
			cr.u2()
		case opMultiArray:
			in.Index = cr.u2()
			in.Const = int32(cr.u1())
		case opWide:
			in.Op = Opcode(cr.u1())
			switch {
			case in.Op == IINC:
				in.Index = cr.u2()
				in.Const = int32(int16(cr.u2()))
			case operandKinds[in.Op] == opLocal:
				in.Index = cr.u2()
			default:
				if cr.err == nil {
					return nil, fmt.Errorf("%w: wide %s at %d", ErrMalformed, in.Op, off)
				}
			}
		default:
			return nil, fmt.Errorf("%w: invalid opcode 0x%02x at %d", ErrMalformed, uint8(op), off)
		}
		if cr.err != nil {
			return nil, cr.err
		}
		c.Insns = append(c.Insns, in)
	}

	resolve := func(from, off int) (*Instr, error) {
		if off < 0 || off >= len(code) || at[off] == nil {
			return nil, fmt.Errorf("%w: branch at %d into offset %d", ErrMalformed, from, off)
		}
		return at[off], nil
	}
	for _, j := range jumps {
		t, err := resolve(j.in.offset, j.target)
		if err != nil {
			return nil, err
		}
		if j.in.Switch == nil {
			j.in.Target = t
			continue
		}
		j.in.Switch.Default = t
		j.in.Switch.Targets = make([]*Instr, len(j.targets))
		for k, off := range j.targets {
			if j.in.Switch.Targets[k], err = resolve(j.in.offset, off); err != nil {
				return nil, err
			}
		}
	}
	return at, nil
}

type posFunc func(off int, endOK bool) (*Instr, error)

func (c *Code) decodeLines(info []byte, pos posFunc) error {
	r := newReader(info)
	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		start, line := int(r.u2()), r.u2()
		if r.err != nil {
			break
		}
		in, err := pos(start, false)
		if err != nil {
			return err
		}
		c.Lines = append(c.Lines, LineEntry{Start: in, Line: line})
	}
	return r.err
}

func (c *Code) decodeLocals(info []byte, pool *ConstantPool, pos posFunc, generic bool) error {
	r := newReader(info)
	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		start, length, nameIdx, descIdx, slot := int(r.u2()), int(r.u2()), r.u2(), r.u2(), r.u2()
		if r.err != nil {
			break
		}
		lv := LocalVar{Index: slot, Generic: generic}
		var err error
		if lv.Start, err = pos(start, false); err != nil {
			return err
		}
		if lv.End, err = pos(start+length, true); err != nil {
			return err
		}
		if lv.Name, err = pool.Utf8(nameIdx); err != nil {
			return err
		}
		if lv.Descriptor, err = pool.Utf8(descIdx); err != nil {
			return err
		}
		c.LocalVars = append(c.LocalVars, lv)
	}
	return r.err
}

func decodeStackMap(info []byte, pool *ConstantPool, pos posFunc) (*StackMap, error) {
	r := newReader(info)
	n := int(r.u2())
	sm := &StackMap{}
	prev := -1
	for i := 0; i < n && r.err == nil; i++ {
		tag := r.u1()
		var f StackMapFrame
		var delta int
		var err error
		switch {
		case tag <= 63:
			f.Kind, delta = FrameSame, int(tag)
		case tag <= 127:
			f.Kind, delta = FrameSameLocals1, int(tag-64)
			f.Stack, err = readVTypes(r, pool, pos, 1)
		case tag == 247:
			f.Kind, delta = FrameSameLocals1, int(r.u2())
			f.Stack, err = readVTypes(r, pool, pos, 1)
		case tag >= 248 && tag <= 250:
			f.Kind, f.Chop, delta = FrameChop, int(251-tag), int(r.u2())
		case tag == 251:
			f.Kind, delta = FrameSame, int(r.u2())
		case tag >= 252 && tag <= 254:
			f.Kind, delta = FrameAppend, int(r.u2())
			f.Locals, err = readVTypes(r, pool, pos, int(tag-251))
		case tag == 255:
			f.Kind, delta = FrameFull, int(r.u2())
			if f.Locals, err = readVTypes(r, pool, pos, int(r.u2())); err == nil {
				f.Stack, err = readVTypes(r, pool, pos, int(r.u2()))
			}
		default:
			return nil, fmt.Errorf("%w: reserved frame type %d", ErrMalformed, tag)
		}
		if err != nil {
			return nil, err
		}
		if r.err != nil {
			break
		}
		off := prev + delta + 1
		if f.At, err = pos(off, false); err != nil {
			return nil, err
		}
		prev = off
		sm.Frames = append(sm.Frames, f)
	}
	if r.err != nil {
		return nil, r.err
	}
	return sm, nil
}

func readVTypes(r *reader, pool *ConstantPool, pos posFunc, n int) ([]VType, error) {
	out := make([]VType, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		t := VType{Kind: VKind(r.u1())}
		switch t.Kind {
		case VTop, VInteger, VFloat, VDouble, VLong, VNull, VUninitializedThis:
		case VObject:
			name, err := pool.ClassName(r.u2())
			if r.err == nil && err != nil {
				return nil, err
			}
			t.Class = name
		case VUninitialized:
			off := int(r.u2())
			if r.err != nil {
				break
			}
			in, err := pos(off, false)
			if err != nil {
				return nil, err
			}
			t.New = in
		default:
			return nil, fmt.Errorf("%w: verification type tag %d", ErrMalformed, t.Kind)
		}
		out = append(out, t)
	}
	return out, r.err
}
