// Package classfile is the in-memory model of a JVM class file.
//
// Parse turns class bytes into a ClassFile whose methods carry a decoded
// instruction arena (see Code). Bytes serialises it back. The model is built
// for rewriting:
//
//   - existing constant pool entries never move; new ones are appended
//   - a method whose Code was not modified is written from its original
//     attribute bytes, so untouched methods are byte-stable
//   - branch targets, exception ranges and debug tables reference *Instr,
//     byte offsets exist only while decoding and encoding
//
// Serialisation is deterministic: the same ClassFile content always encodes
// to the same bytes.
//
// Thread Safety: a ClassFile is not safe for concurrent mutation. Distinct
// ClassFile values share nothing.
package classfile

import (
	"errors"
	"fmt"
)

// Magic is the class file header magic number.
const Magic = 0xCAFEBABE

// Access flags (JVMS §4.1, §4.5, §4.6).
const (
	AccPublic       = 0x0001
	AccPrivate      = 0x0002
	AccProtected    = 0x0004
	AccStatic       = 0x0008
	AccFinal        = 0x0010
	AccSuper        = 0x0020
	AccSynchronized = 0x0020
	AccVolatile     = 0x0040
	AccBridge       = 0x0040
	AccTransient    = 0x0080
	AccVarargs      = 0x0080
	AccNative       = 0x0100
	AccInterface    = 0x0200
	AccAbstract     = 0x0400
	AccStrict       = 0x0800
	AccSynthetic    = 0x1000
	AccAnnotation   = 0x2000
	AccEnum         = 0x4000
	AccModule       = 0x8000
)

// Class file major versions that change what the writer must produce.
const (
	// VersionStackMaps is the first major version (Java 6) that carries
	// StackMapTable attributes.
	VersionStackMaps = 50
	// VersionJava8 is the default version of synthesised classes.
	VersionJava8 = 52
)

var (
	// ErrMalformed reports bytes that are not a structurally valid class file.
	ErrMalformed = errors.New("malformed class file")

	// ErrCodeTooLarge reports a method body that cannot be encoded within
	// the class file limits after editing.
	ErrCodeTooLarge = errors.New("method code too large")
)

// Attribute is an attribute kept as raw bytes.
type Attribute struct {
	Name string
	Info []byte

	nameIndex uint16
}

// Field is a field_info structure.
type Field struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	Attributes  []*Attribute

	nameIndex uint16
	descIndex uint16
}

// Method is a method_info structure. Code is nil for abstract and native
// methods.
type Method struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	Attributes  []*Attribute
	Code        *Code

	nameIndex uint16
	descIndex uint16
}

// IsStatic reports whether the method is static.
func (m *Method) IsStatic() bool { return m.AccessFlags&AccStatic != 0 }

// IsAbstract reports whether the method is abstract.
func (m *Method) IsAbstract() bool { return m.AccessFlags&AccAbstract != 0 }

// IsNative reports whether the method is native.
func (m *Method) IsNative() bool { return m.AccessFlags&AccNative != 0 }

// IsConstructor reports whether the method is an instance initialiser.
func (m *Method) IsConstructor() bool { return m.Name == "<init>" }

// IsStaticInit reports whether the method is the class initialiser.
func (m *Method) IsStaticInit() bool { return m.Name == "<clinit>" }

// Key returns name+descriptor, the identity of a method within its class.
func (m *Method) Key() string { return m.Name + m.Descriptor }

// ClassFile is a parsed class.
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	Pool         *ConstantPool
	AccessFlags  uint16
	ThisClass    string
	SuperClass   string // empty only for java/lang/Object
	Interfaces   []string
	Fields       []*Field
	Methods      []*Method
	Attributes   []*Attribute

	thisIndex        uint16
	superIndex       uint16
	interfaceIndexes []uint16
}

// IsInterface reports whether the class is an interface.
func (cf *ClassFile) IsInterface() bool { return cf.AccessFlags&AccInterface != 0 }

// Parse decodes class file bytes.
//
// Returns an error wrapping ErrMalformed when the header, counts, constant
// references or code layout are inconsistent, or when bytes remain after the
// last attribute.
func Parse(b []byte) (*ClassFile, error) {
	r := newReader(b)
	if magic := r.u4(); r.err == nil && magic != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformed, magic)
	}
	cf := &ClassFile{}
	cf.MinorVersion = r.u2()
	cf.MajorVersion = r.u2()
	if r.err != nil {
		return nil, r.err
	}
	if cf.MajorVersion < 45 {
		return nil, fmt.Errorf("%w: unsupported major version %d", ErrMalformed, cf.MajorVersion)
	}

	pool, err := readPool(r)
	if err != nil {
		return nil, err
	}
	cf.Pool = pool

	cf.AccessFlags = r.u2()
	cf.thisIndex = r.u2()
	cf.superIndex = r.u2()
	if r.err != nil {
		return nil, r.err
	}
	if cf.ThisClass, err = pool.ClassName(cf.thisIndex); err != nil {
		return nil, fmt.Errorf("this_class: %w", err)
	}
	if cf.superIndex != 0 {
		if cf.SuperClass, err = pool.ClassName(cf.superIndex); err != nil {
			return nil, fmt.Errorf("super_class: %w", err)
		}
	}

	n := int(r.u2())
	cf.interfaceIndexes = make([]uint16, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		idx := r.u2()
		name, err := pool.ClassName(idx)
		if r.err == nil && err != nil {
			return nil, fmt.Errorf("interface %d: %w", i, err)
		}
		cf.interfaceIndexes = append(cf.interfaceIndexes, idx)
		cf.Interfaces = append(cf.Interfaces, name)
	}

	n = int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		f := &Field{AccessFlags: r.u2(), nameIndex: r.u2(), descIndex: r.u2()}
		attrs, err := readAttributes(r, pool)
		if err != nil {
			return nil, err
		}
		f.Attributes = attrs
		if f.Name, err = pool.Utf8(f.nameIndex); err != nil {
			return nil, fmt.Errorf("field %d name: %w", i, err)
		}
		if f.Descriptor, err = pool.Utf8(f.descIndex); err != nil {
			return nil, fmt.Errorf("field %s descriptor: %w", f.Name, err)
		}
		cf.Fields = append(cf.Fields, f)
	}

	n = int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		m := &Method{AccessFlags: r.u2(), nameIndex: r.u2(), descIndex: r.u2()}
		attrs, err := readAttributes(r, pool)
		if err != nil {
			return nil, err
		}
		m.Attributes = attrs
		if m.Name, err = pool.Utf8(m.nameIndex); err != nil {
			return nil, fmt.Errorf("method %d name: %w", i, err)
		}
		if m.Descriptor, err = pool.Utf8(m.descIndex); err != nil {
			return nil, fmt.Errorf("method %s descriptor: %w", m.Name, err)
		}
		for _, a := range attrs {
			if a.Name != "Code" {
				continue
			}
			if m.Code != nil {
				return nil, fmt.Errorf("%w: method %s%s has two Code attributes", ErrMalformed, m.Name, m.Descriptor)
			}
			if m.Code, err = decodeCode(a.Info, pool); err != nil {
				return nil, fmt.Errorf("method %s%s: %w", m.Name, m.Descriptor, err)
			}
		}
		cf.Methods = append(cf.Methods, m)
	}

	attrs, err := readAttributes(r, pool)
	if err != nil {
		return nil, err
	}
	cf.Attributes = attrs
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.remaining())
	}
	return cf, nil
}

func readPool(r *reader) (*ConstantPool, error) {
	count := int(r.u2())
	if r.err == nil && count == 0 {
		return nil, fmt.Errorf("%w: constant_pool_count is zero", ErrMalformed)
	}
	p := &ConstantPool{entries: make([]Constant, count)}
	for i := 1; i < count; i++ {
		c := Constant{Tag: r.u1()}
		switch c.Tag {
		case TagUtf8:
			c.Str = string(r.bytes(int(r.u2())))
		case TagInteger, TagFloat:
			c.Bits = uint64(r.u4())
		case TagLong, TagDouble:
			c.Bits = r.u8()
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.A = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			c.A = r.u2()
			c.B = r.u2()
		case TagMethodHandle:
			c.A = uint16(r.u1())
			c.B = r.u2()
		default:
			if r.err != nil {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: unknown constant tag %d at index %d", ErrMalformed, c.Tag, i)
		}
		if r.err != nil {
			return nil, r.err
		}
		p.entries[i] = c
		if c.Tag == TagLong || c.Tag == TagDouble {
			i++
			if i >= count {
				return nil, fmt.Errorf("%w: wide constant at last pool index", ErrMalformed)
			}
		}
	}
	return p, nil
}

func readAttributes(r *reader, pool *ConstantPool) ([]*Attribute, error) {
	n := int(r.u2())
	attrs := make([]*Attribute, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		a := &Attribute{nameIndex: r.u2()}
		length := r.u4()
		if r.err != nil {
			break
		}
		if uint64(length) > uint64(r.remaining()) {
			return nil, fmt.Errorf("%w: attribute length %d exceeds remaining %d bytes", ErrMalformed, length, r.remaining())
		}
		a.Info = r.bytes(int(length))
		name, err := pool.Utf8(a.nameIndex)
		if err != nil {
			return nil, fmt.Errorf("attribute name: %w", err)
		}
		a.Name = name
		attrs = append(attrs, a)
	}
	if r.err != nil {
		return nil, r.err
	}
	return attrs, nil
}

// Bytes serialises the class.
//
// Methods whose Code is unmodified keep their original Code attribute
// bytes. Modified Code is re-encoded, which may append constants.
func (cf *ClassFile) Bytes() ([]byte, error) {
	pool := cf.Pool
	if pool == nil {
		pool = NewConstantPool()
		cf.Pool = pool
	}

	// Everything that may append constants runs before the pool is written.
	thisIndex := classIndex(pool, cf.thisIndex, cf.ThisClass)
	var superIndex uint16
	if cf.SuperClass != "" {
		superIndex = classIndex(pool, cf.superIndex, cf.SuperClass)
	}
	ifaces := make([]uint16, len(cf.Interfaces))
	for i, name := range cf.Interfaces {
		var old uint16
		if i < len(cf.interfaceIndexes) {
			old = cf.interfaceIndexes[i]
		}
		ifaces[i] = classIndex(pool, old, name)
	}

	var body writer
	body.u2(cf.AccessFlags)
	body.u2(thisIndex)
	body.u2(superIndex)
	body.u2(uint16(len(ifaces)))
	for _, idx := range ifaces {
		body.u2(idx)
	}

	body.u2(uint16(len(cf.Fields)))
	for _, f := range cf.Fields {
		body.u2(f.AccessFlags)
		body.u2(utf8Index(pool, f.nameIndex, f.Name))
		body.u2(utf8Index(pool, f.descIndex, f.Descriptor))
		writeAttributes(&body, pool, f.Attributes)
	}

	body.u2(uint16(len(cf.Methods)))
	for _, m := range cf.Methods {
		body.u2(m.AccessFlags)
		body.u2(utf8Index(pool, m.nameIndex, m.Name))
		body.u2(utf8Index(pool, m.descIndex, m.Descriptor))
		attrs := m.Attributes
		if m.Code != nil && m.Code.Modified {
			info, err := m.Code.encode(pool)
			if err != nil {
				return nil, fmt.Errorf("method %s%s: %w", m.Name, m.Descriptor, err)
			}
			attrs = replaceCodeAttribute(attrs, info)
		}
		writeAttributes(&body, pool, attrs)
	}
	writeAttributes(&body, pool, cf.Attributes)

	if err := pool.Err(); err != nil {
		return nil, err
	}

	var out writer
	out.u4(Magic)
	out.u2(cf.MinorVersion)
	out.u2(cf.MajorVersion)
	writePool(&out, pool)
	out.raw(body.b)
	return out.b, nil
}

func replaceCodeAttribute(attrs []*Attribute, info []byte) []*Attribute {
	out := make([]*Attribute, 0, len(attrs)+1)
	replaced := false
	for _, a := range attrs {
		if a.Name == "Code" {
			out = append(out, &Attribute{Name: "Code", Info: info, nameIndex: a.nameIndex})
			replaced = true
			continue
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, &Attribute{Name: "Code", Info: info})
	}
	return out
}

func classIndex(pool *ConstantPool, old uint16, name string) uint16 {
	if old != 0 {
		if got, err := pool.ClassName(old); err == nil && got == name {
			return old
		}
	}
	return pool.AddClass(name)
}

func utf8Index(pool *ConstantPool, old uint16, s string) uint16 {
	if old != 0 {
		if got, err := pool.Utf8(old); err == nil && got == s {
			return old
		}
	}
	return pool.AddUtf8(s)
}

func writeAttributes(w *writer, pool *ConstantPool, attrs []*Attribute) {
	w.u2(uint16(len(attrs)))
	for _, a := range attrs {
		w.u2(utf8Index(pool, a.nameIndex, a.Name))
		w.u4(uint32(len(a.Info)))
		w.raw(a.Info)
	}
}

func writePool(w *writer, p *ConstantPool) {
	w.u2(uint16(len(p.entries)))
	for i := 1; i < len(p.entries); i++ {
		c := p.entries[i]
		w.u1(c.Tag)
		switch c.Tag {
		case TagUtf8:
			w.u2(uint16(len(c.Str)))
			w.raw([]byte(c.Str))
		case TagInteger, TagFloat:
			w.u4(uint32(c.Bits))
		case TagLong, TagDouble:
			w.u8(c.Bits)
			i++
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			w.u2(c.A)
		case TagMethodHandle:
			w.u1(uint8(c.A))
			w.u2(c.B)
		default:
			w.u2(c.A)
			w.u2(c.B)
		}
	}
}

// FindMethod returns the method with the given name and descriptor.
func (cf *ClassFile) FindMethod(name, desc string) *Method {
	for _, m := range cf.Methods {
		if m.Name == name && m.Descriptor == desc {
			return m
		}
	}
	return nil
}

// FindField returns the field with the given name.
func (cf *ClassFile) FindField(name string) *Field {
	for _, f := range cf.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// HasInterface reports whether the class directly implements iface.
func (cf *ClassFile) HasInterface(iface string) bool {
	for _, name := range cf.Interfaces {
		if name == iface {
			return true
		}
	}
	return false
}
