package frames

import (
	"fmt"

	"github.com/kolkov/classweave/internal/classfile"
)

// machine applies one instruction to a frame.
type machine struct {
	a   *analyzer
	i   int
	in  *classfile.Instr
	f   *Frame
	err error
}

func (m *machine) fail(format string, args ...any) {
	if m.err == nil {
		m.err = fmt.Errorf("%w: %s at index %d: %s", ErrVerification, m.in.Op, m.i, fmt.Sprintf(format, args...))
	}
}

func (m *machine) push(ts ...classfile.VType) {
	m.f.Stack = append(m.f.Stack, ts...)
	if n := len(m.f.Stack); n > m.a.maxStack {
		m.a.maxStack = n
	}
}

func (m *machine) pop(n int) []classfile.VType {
	if n > len(m.f.Stack) {
		m.fail("stack underflow (need %d, have %d)", n, len(m.f.Stack))
		m.f.Stack = m.f.Stack[:0]
		return make([]classfile.VType, n)
	}
	out := append([]classfile.VType(nil), m.f.Stack[len(m.f.Stack)-n:]...)
	m.f.Stack = m.f.Stack[:len(m.f.Stack)-n]
	return out
}

func (m *machine) pushDesc(desc string) {
	m.push(typeOf(desc)...)
}

func (m *machine) popDesc(desc string) {
	m.pop(classfile.SlotSize(desc))
}

func (m *machine) load(kind classfile.VKind) {
	slot := int(m.in.Index)
	t := m.f.Locals[slot]
	switch {
	case kind == classfile.VObject:
		if !isRef(t) {
			m.fail("local %d holds %s, not a reference", slot, t)
		}
		m.push(t)
	case t.Kind != kind:
		m.fail("local %d holds %s", slot, t)
	case t.IsWide():
		m.push(t, top)
	default:
		m.push(t)
	}
}

func (m *machine) store(t classfile.VType) {
	slot := int(m.in.Index)
	l := m.f.Locals
	if slot > 0 && l[slot-1].IsWide() {
		l[slot-1] = top
	}
	l[slot] = t
	if t.IsWide() {
		l[slot+1] = top
	}
}

func (m *machine) class(idx uint16) string {
	name, err := m.a.pool.ClassName(idx)
	if err != nil {
		m.fail("%v", err)
	}
	return name
}

func (m *machine) member(idx uint16) classfile.MemberRef {
	ref, err := m.a.pool.MemberRef(idx)
	if err != nil {
		m.fail("%v", err)
	}
	return ref
}

var newarrayTypes = map[int32]string{4: "[Z", 5: "[C", 6: "[F", 7: "[D", 8: "[B", 9: "[S", 10: "[I", 11: "[J"}

// exec returns the frame after in executes on f.
func (a *analyzer) exec(i int, in *classfile.Instr, f *Frame) (*Frame, error) {
	m := &machine{a: a, i: i, in: in, f: f}
	op := in.Op
	switch {
	case op == classfile.NOP:
	case op == classfile.ACONST_NULL:
		m.push(null)
	case op >= classfile.ICONST_M1 && op <= classfile.ICONST_5,
		op == classfile.BIPUSH, op == classfile.SIPUSH:
		m.push(integer)
	case op == classfile.LCONST_0 || op == classfile.LCONST_1:
		m.push(long, top)
	case op >= classfile.FCONST_0 && op <= classfile.FCONST_2:
		m.push(float)
	case op == classfile.DCONST_0 || op == classfile.DCONST_1:
		m.push(double, top)
	case op == classfile.LDC || op == classfile.LDC_W || op == classfile.LDC2_W:
		m.ldc()

	case op == classfile.ILOAD:
		m.load(classfile.VInteger)
	case op == classfile.LLOAD:
		m.load(classfile.VLong)
	case op == classfile.FLOAD:
		m.load(classfile.VFloat)
	case op == classfile.DLOAD:
		m.load(classfile.VDouble)
	case op == classfile.ALOAD:
		m.load(classfile.VObject)

	case op == classfile.IALOAD, op == classfile.BALOAD, op == classfile.CALOAD, op == classfile.SALOAD:
		m.pop(2)
		m.push(integer)
	case op == classfile.LALOAD:
		m.pop(2)
		m.push(long, top)
	case op == classfile.FALOAD:
		m.pop(2)
		m.push(float)
	case op == classfile.DALOAD:
		m.pop(2)
		m.push(double, top)
	case op == classfile.AALOAD:
		arr := m.pop(2)[0]
		switch {
		case arr.Kind == classfile.VNull:
			m.push(null)
		case arr.Kind == classfile.VObject && isArray(arr.Class):
			m.push(typeOf(arr.Class[1:])...)
		default:
			m.push(object(objectClass))
		}

	case op == classfile.ISTORE:
		m.pop(1)
		m.store(integer)
	case op == classfile.FSTORE:
		m.pop(1)
		m.store(float)
	case op == classfile.LSTORE:
		m.pop(2)
		m.store(long)
	case op == classfile.DSTORE:
		m.pop(2)
		m.store(double)
	case op == classfile.ASTORE:
		v := m.pop(1)[0]
		if !isRef(v) && m.err == nil {
			m.fail("stores %s as a reference", v)
		}
		m.store(v)

	case op == classfile.LASTORE, op == classfile.DASTORE:
		m.pop(4)
	case op >= classfile.IASTORE && op <= classfile.SASTORE:
		m.pop(3)

	case op == classfile.POP:
		m.pop(1)
	case op == classfile.POP2:
		m.pop(2)
	case op == classfile.DUP:
		v := m.pop(1)
		m.push(v[0], v[0])
	case op == classfile.DUP_X1:
		v := m.pop(2)
		m.push(v[1], v[0], v[1])
	case op == classfile.DUP_X2:
		v := m.pop(3)
		m.push(v[2], v[0], v[1], v[2])
	case op == classfile.DUP2:
		v := m.pop(2)
		m.push(v[0], v[1], v[0], v[1])
	case op == classfile.DUP2_X1:
		v := m.pop(3)
		m.push(v[1], v[2], v[0], v[1], v[2])
	case op == classfile.DUP2_X2:
		v := m.pop(4)
		m.push(v[2], v[3], v[0], v[1], v[2], v[3])
	case op == classfile.SWAP:
		v := m.pop(2)
		m.push(v[1], v[0])

	case op >= classfile.IADD && op <= classfile.DREM:
		// the four arithmetic families interleave I, L, F, D
		switch (op - classfile.IADD) % 4 {
		case 0:
			m.pop(2)
			m.push(integer)
		case 1:
			m.pop(4)
			m.push(long, top)
		case 2:
			m.pop(2)
			m.push(float)
		case 3:
			m.pop(4)
			m.push(double, top)
		}
	case op == classfile.INEG:
		m.pop(1)
		m.push(integer)
	case op == classfile.LNEG:
		m.pop(2)
		m.push(long, top)
	case op == classfile.FNEG:
		m.pop(1)
		m.push(float)
	case op == classfile.DNEG:
		m.pop(2)
		m.push(double, top)
	case op == classfile.ISHL, op == classfile.ISHR, op == classfile.IUSHR,
		op == classfile.IAND, op == classfile.IOR, op == classfile.IXOR:
		m.pop(2)
		m.push(integer)
	case op == classfile.LSHL, op == classfile.LSHR, op == classfile.LUSHR:
		m.pop(3)
		m.push(long, top)
	case op == classfile.LAND, op == classfile.LOR, op == classfile.LXOR:
		m.pop(4)
		m.push(long, top)
	case op == classfile.IINC:
		if t := m.f.Locals[in.Index]; t.Kind != classfile.VInteger {
			m.fail("iinc of local %d holding %s", in.Index, t)
		}

	case op == classfile.I2L, op == classfile.F2L:
		m.pop(1)
		m.push(long, top)
	case op == classfile.I2F:
		m.pop(1)
		m.push(float)
	case op == classfile.I2D, op == classfile.F2D:
		m.pop(1)
		m.push(double, top)
	case op == classfile.L2I, op == classfile.D2I:
		m.pop(2)
		m.push(integer)
	case op == classfile.L2F, op == classfile.D2F:
		m.pop(2)
		m.push(float)
	case op == classfile.L2D:
		m.pop(2)
		m.push(double, top)
	case op == classfile.D2L:
		m.pop(2)
		m.push(long, top)
	case op == classfile.F2I, op == classfile.I2B, op == classfile.I2C, op == classfile.I2S:
		m.pop(1)
		m.push(integer)
	case op == classfile.LCMP, op == classfile.DCMPL, op == classfile.DCMPG:
		m.pop(4)
		m.push(integer)
	case op == classfile.FCMPL, op == classfile.FCMPG:
		m.pop(2)
		m.push(integer)

	case op >= classfile.IFEQ && op <= classfile.IFLE,
		op == classfile.IFNULL, op == classfile.IFNONNULL:
		m.pop(1)
	case op >= classfile.IF_ICMPEQ && op <= classfile.IF_ACMPNE:
		m.pop(2)
	case op == classfile.GOTO:
	case op.IsSwitch():
		m.pop(1)

	case op == classfile.IRETURN, op == classfile.FRETURN, op == classfile.ARETURN:
		m.pop(1)
	case op == classfile.LRETURN, op == classfile.DRETURN:
		m.pop(2)
	case op == classfile.RETURN:
		if a.method.IsConstructor() {
			for _, t := range m.f.Locals {
				if t.Kind == classfile.VUninitializedThis {
					m.fail("constructor returns before initialising this")
					break
				}
			}
		}

	case op == classfile.GETSTATIC:
		m.pushDesc(m.member(in.Index).Descriptor)
	case op == classfile.PUTSTATIC:
		m.popDesc(m.member(in.Index).Descriptor)
	case op == classfile.GETFIELD:
		ref := m.member(in.Index)
		m.pop(1)
		m.pushDesc(ref.Descriptor)
	case op == classfile.PUTFIELD:
		m.popDesc(m.member(in.Index).Descriptor)
		m.pop(1)

	case op.IsInvoke():
		m.invoke()

	case op == classfile.NEW:
		m.class(in.Index)
		m.push(classfile.VType{Kind: classfile.VUninitialized, New: in})
	case op == classfile.NEWARRAY:
		m.pop(1)
		name, ok := newarrayTypes[in.Const]
		if !ok {
			m.fail("bad array type %d", in.Const)
		}
		m.push(object(name))
	case op == classfile.ANEWARRAY:
		m.pop(1)
		m.push(object("[" + classfile.ClassDescriptor(m.class(in.Index))))
	case op == classfile.ARRAYLENGTH:
		m.pop(1)
		m.push(integer)
	case op == classfile.ATHROW:
		m.pop(1)
	case op == classfile.CHECKCAST:
		m.pop(1)
		m.push(object(m.class(in.Index)))
	case op == classfile.INSTANCEOF:
		m.pop(1)
		m.push(integer)
	case op == classfile.MONITORENTER, op == classfile.MONITOREXIT:
		m.pop(1)
	case op == classfile.MULTIANEWARRAY:
		m.pop(int(in.Const))
		m.push(object(m.class(in.Index)))

	default:
		return nil, fmt.Errorf("%w: %s at index %d", ErrUnsupported, op, i)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.f, nil
}

const objectClass = "java/lang/Object"

func (m *machine) ldc() {
	c, err := m.a.pool.At(m.in.Index)
	if err != nil {
		m.fail("%v", err)
		return
	}
	switch c.Tag {
	case classfile.TagInteger:
		m.push(integer)
	case classfile.TagFloat:
		m.push(float)
	case classfile.TagLong:
		m.push(long, top)
	case classfile.TagDouble:
		m.push(double, top)
	case classfile.TagString:
		m.push(object("java/lang/String"))
	case classfile.TagClass:
		m.push(object("java/lang/Class"))
	case classfile.TagMethodType:
		m.push(object("java/lang/invoke/MethodType"))
	case classfile.TagMethodHandle:
		m.push(object("java/lang/invoke/MethodHandle"))
	case classfile.TagDynamic:
		desc, err := m.a.pool.DynamicDescriptor(m.in.Index)
		if err != nil {
			m.fail("%v", err)
			return
		}
		m.pushDesc(desc)
	default:
		m.fail("constant %d has tag %d", m.in.Index, c.Tag)
	}
}

func (m *machine) invoke() {
	in := m.in
	var desc string
	var ref classfile.MemberRef
	if in.Op == classfile.INVOKEDYNAMIC {
		d, err := m.a.pool.DynamicDescriptor(in.Index)
		if err != nil {
			m.fail("%v", err)
			return
		}
		desc = d
	} else {
		ref = m.member(in.Index)
		desc = ref.Descriptor
	}
	mt, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		m.fail("%v", err)
		return
	}
	m.pop(mt.ArgSlots())
	if in.Op != classfile.INVOKESTATIC && in.Op != classfile.INVOKEDYNAMIC {
		recv := m.pop(1)[0]
		if in.Op == classfile.INVOKESPECIAL && ref.Name == "<init>" {
			m.initialise(recv)
		}
	}
	if mt.Return != "V" {
		m.pushDesc(mt.Return)
	}
}

// initialise replaces every copy of an uninitialised receiver with its
// initialised class type.
func (m *machine) initialise(recv classfile.VType) {
	var done classfile.VType
	switch recv.Kind {
	case classfile.VUninitializedThis:
		done = object(m.a.owner)
		m.a.thisInit[m.in] = true
	case classfile.VUninitialized:
		if recv.New == nil {
			m.fail("uninitialized value without allocation site")
			return
		}
		done = object(m.class(recv.New.Index))
	default:
		return
	}
	for k, t := range m.f.Locals {
		if t == recv {
			m.f.Locals[k] = done
		}
	}
	for k, t := range m.f.Stack {
		if t == recv {
			m.f.Stack[k] = done
		}
	}
}
