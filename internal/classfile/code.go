package classfile

import "fmt"

// Instr is one instruction of a decoded method body.
//
// Instructions are identified by pointer. Everything that names a code
// position (branches, switch arms, exception ranges, line numbers, local
// variable scopes, stack map frames) holds an *Instr, so inserting or
// removing instructions never invalidates a reference.
//
// Operand fields by opcode:
//
//	Index   constant pool index (ldc, field/method/type insns, invokedynamic)
//	        or local slot (loads, stores, iinc, ret)
//	Const   bipush/sipush value, iinc delta, newarray type code,
//	        multianewarray dimensions, invokeinterface count
//	Target  branch target (if*, goto, jsr)
//	Switch  tableswitch and lookupswitch arms
type Instr struct {
	Op     Opcode
	Index  uint16
	Const  int32
	Target *Instr
	Switch *Switch

	offset int
}

// Offset returns the byte offset assigned by the last decode or encode.
func (in *Instr) Offset() int { return in.offset }

// String formats the instruction for listings.
func (in *Instr) String() string {
	switch {
	case in.Op.IsBranch():
		if in.Target != nil {
			return fmt.Sprintf("%s @%d", in.Op, in.Target.offset)
		}
		return in.Op.String() + " @?"
	case in.Op.IsSwitch():
		return fmt.Sprintf("%s [%d arms]", in.Op, len(in.Switch.Targets))
	case in.Op == BIPUSH || in.Op == SIPUSH || in.Op == NEWARRAY:
		return fmt.Sprintf("%s %d", in.Op, in.Const)
	case in.Op == IINC:
		return fmt.Sprintf("%s %d %d", in.Op, in.Index, in.Const)
	case operandKinds[in.Op] != opNone:
		return fmt.Sprintf("%s #%d", in.Op, in.Index)
	}
	return in.Op.String()
}

// Switch holds the arms of a tableswitch (Low, Targets) or lookupswitch
// (Keys, Targets).
type Switch struct {
	Default *Instr
	Low     int32
	Keys    []int32
	Targets []*Instr
}

// Handler is one exception table entry covering [Start, End). A nil End
// means the range extends to the end of the code.
type Handler struct {
	Start     *Instr
	End       *Instr
	Handler   *Instr
	CatchType string // empty catches everything

	catchIndex uint16
}

// Narrow returns a copy of h covering [start, end) with the same handler
// and catch type.
func (h *Handler) Narrow(start, end *Instr) *Handler {
	c := *h
	c.Start, c.End = start, end
	return &c
}

// LineEntry maps an instruction to a source line.
type LineEntry struct {
	Start *Instr
	Line  uint16
}

// LocalVar is a LocalVariableTable or, when Generic is set, a
// LocalVariableTypeTable entry. A nil End runs to the end of the code.
type LocalVar struct {
	Start      *Instr
	End        *Instr
	Name       string
	Descriptor string
	Index      uint16
	Generic    bool
}

// VKind is a verification type tag (JVMS §4.10.1.2).
type VKind uint8

// Verification type tags, numbered as in the StackMapTable encoding.
const (
	VTop VKind = iota
	VInteger
	VFloat
	VDouble
	VLong
	VNull
	VUninitializedThis
	VObject
	VUninitialized
)

// VType is a verification type. Class is set for VObject, New for
// VUninitialized (the new instruction that created the value).
type VType struct {
	Kind  VKind
	Class string
	New   *Instr
}

// IsWide reports whether the type occupies two slots.
func (t VType) IsWide() bool { return t.Kind == VLong || t.Kind == VDouble }

// String formats the type the way javap prints stack map entries.
func (t VType) String() string {
	switch t.Kind {
	case VTop:
		return "top"
	case VInteger:
		return "int"
	case VFloat:
		return "float"
	case VDouble:
		return "double"
	case VLong:
		return "long"
	case VNull:
		return "null"
	case VUninitializedThis:
		return "uninitializedThis"
	case VObject:
		return "class " + t.Class
	case VUninitialized:
		if t.New != nil {
			return fmt.Sprintf("uninitialized %d", t.New.offset)
		}
		return "uninitialized"
	}
	return fmt.Sprintf("vtype(%d)", t.Kind)
}

// FrameKind selects the compressed StackMapTable frame form.
type FrameKind uint8

const (
	FrameSame        FrameKind = iota // same_frame / same_frame_extended
	FrameSameLocals1                  // same_locals_1_stack_item(_extended)
	FrameChop                         // chop_frame
	FrameAppend                       // append_frame
	FrameFull                         // full_frame
)

// StackMapFrame is one entry of a StackMapTable. Locals and Stack use the
// class file convention: a long or double is a single entry.
//
//	FrameSame         no payload
//	FrameSameLocals1  Stack has one entry
//	FrameChop         Chop locals removed (1..3)
//	FrameAppend       Locals holds the 1..3 appended entries
//	FrameFull         Locals and Stack are complete
type StackMapFrame struct {
	Kind   FrameKind
	At     *Instr
	Chop   int
	Locals []VType
	Stack  []VType
}

// StackMap is a method's StackMapTable.
type StackMap struct {
	Frames []StackMapFrame
}

// Code is a decoded Code attribute.
type Code struct {
	MaxStack  uint16
	MaxLocals uint16
	Insns     []*Instr
	Handlers  []*Handler
	Lines     []LineEntry
	LocalVars []LocalVar
	StackMap  *StackMap

	// Attributes holds nested attributes the model does not interpret.
	// They carry raw offsets and are dropped when modified code is encoded.
	Attributes []*Attribute

	// Modified marks the body for re-encoding.
	Modified bool
}

// IndexOf returns the position of in within Insns, or -1.
func (c *Code) IndexOf(in *Instr) int {
	for i, x := range c.Insns {
		if x == in {
			return i
		}
	}
	return -1
}

// Next returns the instruction following in, or nil.
func (c *Code) Next(in *Instr) *Instr {
	i := c.IndexOf(in)
	if i < 0 || i+1 >= len(c.Insns) {
		return nil
	}
	return c.Insns[i+1]
}

// Prepend inserts seq at the start of the body. Existing references to the
// old first instruction are left alone, so loops back to the top of the
// method do not re-run seq.
func (c *Code) Prepend(seq ...*Instr) {
	c.splice(0, seq)
}

// Append adds seq after the last instruction.
func (c *Code) Append(seq ...*Instr) {
	c.splice(len(c.Insns), seq)
}

// InsertAfter inserts seq immediately after at.
func (c *Code) InsertAfter(at *Instr, seq ...*Instr) error {
	i := c.IndexOf(at)
	if i < 0 {
		return fmt.Errorf("insert after %s: instruction not in code", at.Op)
	}
	c.splice(i+1, seq)
	return nil
}

// InsertBefore inserts seq immediately before at. With retarget set, every
// reference to at (branches, switch arms, handler boundaries, line and local
// variable starts) is moved to seq[0], so control that used to reach at now
// runs seq first.
func (c *Code) InsertBefore(at *Instr, retarget bool, seq ...*Instr) error {
	i := c.IndexOf(at)
	if i < 0 {
		return fmt.Errorf("insert before %s: instruction not in code", at.Op)
	}
	c.splice(i, seq)
	if retarget && len(seq) > 0 {
		c.Retarget(at, seq[0])
	}
	return nil
}

// Retarget moves every reference to from onto to, including the
// StackMapTable frame declared at from.
func (c *Code) Retarget(from, to *Instr) {
	swap := func(p **Instr) {
		if *p == from {
			*p = to
		}
	}
	for _, in := range c.Insns {
		swap(&in.Target)
		if in.Switch != nil {
			swap(&in.Switch.Default)
			for j := range in.Switch.Targets {
				swap(&in.Switch.Targets[j])
			}
		}
	}
	for _, h := range c.Handlers {
		swap(&h.Start)
		swap(&h.End)
		swap(&h.Handler)
	}
	for j := range c.Lines {
		swap(&c.Lines[j].Start)
	}
	for j := range c.LocalVars {
		swap(&c.LocalVars[j].Start)
		swap(&c.LocalVars[j].End)
	}
	if c.StackMap != nil {
		for j := range c.StackMap.Frames {
			swap(&c.StackMap.Frames[j].At)
		}
	}
	c.Modified = true
}

func (c *Code) splice(i int, seq []*Instr) {
	if len(seq) == 0 {
		return
	}
	out := make([]*Instr, 0, len(c.Insns)+len(seq))
	out = append(out, c.Insns[:i]...)
	out = append(out, seq...)
	out = append(out, c.Insns[i:]...)
	c.Insns = out
	c.Modified = true
}

// Insn returns an instruction without operands.
func Insn(op Opcode) *Instr {
	return &Instr{Op: op}
}

// Jump returns a branch instruction to target.
func Jump(op Opcode, target *Instr) *Instr {
	return &Instr{Op: op, Target: target}
}

// PushInt returns the shortest instruction pushing a small int constant.
// Values outside the sipush range need an ldc and are rejected.
func PushInt(v int32) (*Instr, error) {
	switch {
	case v >= -1 && v <= 5:
		return &Instr{Op: Opcode(int32(ICONST_0) + v)}, nil
	case v >= -128 && v <= 127:
		return &Instr{Op: BIPUSH, Const: v}, nil
	case v >= -32768 && v <= 32767:
		return &Instr{Op: SIPUSH, Const: v}, nil
	}
	return nil, fmt.Errorf("push %d: value needs a constant pool entry", v)
}

// Load returns the load instruction for a value of the given field
// descriptor stored at slot.
func Load(desc string, slot uint16) *Instr {
	return &Instr{Op: typedOp(desc, ILOAD), Index: slot}
}

// Store returns the store instruction for a value of the given field
// descriptor into slot.
func Store(desc string, slot uint16) *Instr {
	return &Instr{Op: typedOp(desc, ISTORE), Index: slot}
}

// typedOp offsets an int-typed base opcode (ILOAD, ISTORE) to the
// variant for desc. The four families share the I, L, F, D, A order.
func typedOp(desc string, base Opcode) Opcode {
	if desc == "" {
		return base + 4
	}
	switch desc[0] {
	case 'J':
		return base + 1
	case 'F':
		return base + 2
	case 'D':
		return base + 3
	case 'L', '[':
		return base + 4
	}
	return base
}

// Invoke returns an invoke instruction for owner.name desc, adding the
// method reference to pool. The reference is an InterfaceMethodref only for
// invokeinterface.
func Invoke(pool *ConstantPool, op Opcode, owner, name, desc string) *Instr {
	in := &Instr{Op: op, Index: pool.AddMethodref(owner, name, desc, op == INVOKEINTERFACE)}
	if op == INVOKEINTERFACE {
		if mt, err := ParseMethodDescriptor(desc); err == nil {
			in.Const = int32(mt.ArgSlots() + 1)
		}
	}
	return in
}

// LdcString returns an ldc of a string constant.
func LdcString(pool *ConstantPool, s string) *Instr {
	return &Instr{Op: LDC, Index: pool.AddString(s)}
}

// TypeInsn returns new, anewarray, checkcast or instanceof for class.
func TypeInsn(pool *ConstantPool, op Opcode, class string) *Instr {
	return &Instr{Op: op, Index: pool.AddClass(class)}
}
