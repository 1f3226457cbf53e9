package classfile

// NewClass returns an empty class with a fresh constant pool. super may be
// empty only for java/lang/Object.
func NewClass(name, super string, access uint16) *ClassFile {
	return &ClassFile{
		MajorVersion: VersionJava8,
		Pool:         NewConstantPool(),
		AccessFlags:  access,
		ThisClass:    name,
		SuperClass:   super,
	}
}

// AddField appends a field declaration.
func (cf *ClassFile) AddField(access uint16, name, desc string) *Field {
	f := &Field{AccessFlags: access, Name: name, Descriptor: desc}
	f.nameIndex = cf.Pool.AddUtf8(name)
	f.descIndex = cf.Pool.AddUtf8(desc)
	cf.Fields = append(cf.Fields, f)
	return f
}

// AddInterface adds iface to the implemented interfaces. It reports false
// when the class already implements it directly.
func (cf *ClassFile) AddInterface(iface string) bool {
	if cf.HasInterface(iface) {
		return false
	}
	cf.Interfaces = append(cf.Interfaces, iface)
	return true
}

// AddMethod appends a method. code may be nil for abstract and native
// methods; otherwise it is marked for encoding.
func (cf *ClassFile) AddMethod(access uint16, name, desc string, code *Code) *Method {
	m := &Method{AccessFlags: access, Name: name, Descriptor: desc, Code: code}
	m.nameIndex = cf.Pool.AddUtf8(name)
	m.descIndex = cf.Pool.AddUtf8(desc)
	if code != nil {
		code.Modified = true
	}
	cf.Methods = append(cf.Methods, m)
	return m
}

// AddAttribute appends a raw attribute to attrs, registering its name.
func (cf *ClassFile) AddAttribute(attrs *[]*Attribute, a *Attribute) {
	if a.nameIndex == 0 {
		a.nameIndex = cf.Pool.AddUtf8(a.Name)
	}
	*attrs = append(*attrs, a)
}

// AddStringConstant appends a static final String field initialised by a
// ConstantValue attribute.
func (cf *ClassFile) AddStringConstant(access uint16, name, value string) *Field {
	f := cf.AddField(access|AccStatic|AccFinal, name, "Ljava/lang/String;")
	var w writer
	w.u2(cf.Pool.AddString(value))
	cf.AddAttribute(&f.Attributes, &Attribute{Name: "ConstantValue", Info: w.b})
	return f
}

// StringConstant returns the ConstantValue of a String field.
func (cf *ClassFile) StringConstant(f *Field) (string, bool) {
	for _, a := range f.Attributes {
		if a.Name != "ConstantValue" || len(a.Info) != 2 {
			continue
		}
		c, err := cf.Pool.At(uint16(a.Info[0])<<8 | uint16(a.Info[1]))
		if err != nil || c.Tag != TagString {
			return "", false
		}
		s, err := cf.Pool.Utf8(c.A)
		return s, err == nil
	}
	return "", false
}
