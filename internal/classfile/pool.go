package classfile

import (
	"fmt"
	"math"
)

// Constant pool tags (JVMS §4.4).
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// Constant is one constant pool entry.
//
// Utf8 values are kept as their raw modified-UTF-8 bytes so that re-encoding
// never changes them. A and B hold the u1/u2 reference operands of the
// structured tags (for MethodHandle A is the reference kind).
type Constant struct {
	Tag  uint8
	Str  string
	Bits uint64
	A, B uint16
}

// ConstantPool holds the entries of a class file constant pool.
//
// Existing entries never move. New entries are appended and deduplicated
// against everything already present, so adding the same symbol twice
// yields the same index.
type ConstantPool struct {
	entries []Constant // index 0 unused; second slot of long/double has Tag 0
	lookup  map[string]uint16
	err     error
}

// NewConstantPool returns an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{entries: make([]Constant, 1)}
}

// Count returns the constant_pool_count value (one more than the last index).
func (p *ConstantPool) Count() int {
	return len(p.entries)
}

// Err reports the first error raised while adding entries.
func (p *ConstantPool) Err() error {
	return p.err
}

// At returns the entry at index i.
func (p *ConstantPool) At(i uint16) (Constant, error) {
	if i == 0 || int(i) >= len(p.entries) || p.entries[i].Tag == 0 {
		return Constant{}, fmt.Errorf("%w: constant pool index %d out of range", ErrMalformed, i)
	}
	return p.entries[i], nil
}

func (p *ConstantPool) expect(i uint16, tags ...uint8) (Constant, error) {
	c, err := p.At(i)
	if err != nil {
		return c, err
	}
	for _, t := range tags {
		if c.Tag == t {
			return c, nil
		}
	}
	return c, fmt.Errorf("%w: constant %d has tag %d, want %v", ErrMalformed, i, c.Tag, tags)
}

// Utf8 returns the string at a CONSTANT_Utf8 index.
func (p *ConstantPool) Utf8(i uint16) (string, error) {
	c, err := p.expect(i, TagUtf8)
	if err != nil {
		return "", err
	}
	return c.Str, nil
}

// ClassName returns the internal name referenced by a CONSTANT_Class index.
func (p *ConstantPool) ClassName(i uint16) (string, error) {
	c, err := p.expect(i, TagClass)
	if err != nil {
		return "", err
	}
	return p.Utf8(c.A)
}

// NameAndType resolves a CONSTANT_NameAndType index.
func (p *ConstantPool) NameAndType(i uint16) (name, desc string, err error) {
	c, err := p.expect(i, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	if name, err = p.Utf8(c.A); err != nil {
		return "", "", err
	}
	if desc, err = p.Utf8(c.B); err != nil {
		return "", "", err
	}
	return name, desc, nil
}

// MemberRef is a resolved field, method or interface method reference.
type MemberRef struct {
	Tag        uint8
	Owner      string
	Name       string
	Descriptor string
}

// IsInterface reports whether the reference is an InterfaceMethodref.
func (r MemberRef) IsInterface() bool {
	return r.Tag == TagInterfaceMethodref
}

// String formats the reference as owner.name descriptor.
func (r MemberRef) String() string {
	return r.Owner + "." + r.Name + r.Descriptor
}

// MemberRef resolves a Fieldref, Methodref or InterfaceMethodref index.
func (p *ConstantPool) MemberRef(i uint16) (MemberRef, error) {
	c, err := p.expect(i, TagFieldref, TagMethodref, TagInterfaceMethodref)
	if err != nil {
		return MemberRef{}, err
	}
	owner, err := p.ClassName(c.A)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := p.NameAndType(c.B)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Tag: c.Tag, Owner: owner, Name: name, Descriptor: desc}, nil
}

// DynamicDescriptor returns the descriptor of a Dynamic or InvokeDynamic entry.
func (p *ConstantPool) DynamicDescriptor(i uint16) (string, error) {
	c, err := p.expect(i, TagDynamic, TagInvokeDynamic)
	if err != nil {
		return "", err
	}
	_, desc, err := p.NameAndType(c.B)
	return desc, err
}

func (p *ConstantPool) key(c Constant) (string, bool) {
	switch c.Tag {
	case TagUtf8:
		return "\x01" + c.Str, true
	case TagInteger, TagFloat, TagLong, TagDouble:
		return fmt.Sprintf("%d:%d", c.Tag, c.Bits), true
	case TagClass, TagString, TagMethodType, TagModule, TagPackage:
		s, err := p.Utf8(c.A)
		if err != nil {
			return "", false
		}
		return fmt.Sprintf("%d:%s", c.Tag, s), true
	case TagNameAndType:
		n, err1 := p.Utf8(c.A)
		d, err2 := p.Utf8(c.B)
		if err1 != nil || err2 != nil {
			return "", false
		}
		return "12:" + n + " " + d, true
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
		owner, err := p.ClassName(c.A)
		if err != nil {
			return "", false
		}
		name, desc, err := p.NameAndType(c.B)
		if err != nil {
			return "", false
		}
		return fmt.Sprintf("%d:%s.%s:%s", c.Tag, owner, name, desc), true
	}
	return "", false
}

func (p *ConstantPool) index() {
	if p.lookup != nil {
		return
	}
	p.lookup = make(map[string]uint16, len(p.entries))
	for i := 1; i < len(p.entries); i++ {
		if k, ok := p.key(p.entries[i]); ok {
			if _, dup := p.lookup[k]; !dup {
				p.lookup[k] = uint16(i)
			}
		}
	}
}

func (p *ConstantPool) add(c Constant) uint16 {
	p.index()
	k, ok := p.key(c)
	if ok {
		if i, found := p.lookup[k]; found {
			return i
		}
	}
	slots := 1
	if c.Tag == TagLong || c.Tag == TagDouble {
		slots = 2
	}
	if len(p.entries)+slots > math.MaxUint16 {
		if p.err == nil {
			p.err = fmt.Errorf("constant pool overflow: more than %d entries", math.MaxUint16-1)
		}
		return 0
	}
	i := uint16(len(p.entries))
	p.entries = append(p.entries, c)
	if slots == 2 {
		p.entries = append(p.entries, Constant{})
	}
	if ok {
		p.lookup[k] = i
	}
	return i
}

// AddUtf8 returns the index of a Utf8 entry for s.
func (p *ConstantPool) AddUtf8(s string) uint16 {
	return p.add(Constant{Tag: TagUtf8, Str: s})
}

// AddClass returns the index of a Class entry for the internal name.
func (p *ConstantPool) AddClass(name string) uint16 {
	return p.add(Constant{Tag: TagClass, A: p.AddUtf8(name)})
}

// AddString returns the index of a String entry.
func (p *ConstantPool) AddString(s string) uint16 {
	return p.add(Constant{Tag: TagString, A: p.AddUtf8(s)})
}

// AddNameAndType returns the index of a NameAndType entry.
func (p *ConstantPool) AddNameAndType(name, desc string) uint16 {
	return p.add(Constant{Tag: TagNameAndType, A: p.AddUtf8(name), B: p.AddUtf8(desc)})
}

// AddMethodref returns the index of a Methodref, or InterfaceMethodref when
// itf is set.
func (p *ConstantPool) AddMethodref(owner, name, desc string, itf bool) uint16 {
	tag := uint8(TagMethodref)
	if itf {
		tag = TagInterfaceMethodref
	}
	return p.add(Constant{Tag: tag, A: p.AddClass(owner), B: p.AddNameAndType(name, desc)})
}
