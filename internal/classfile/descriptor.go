package classfile

import (
	"fmt"
	"strings"
)

// MethodType is a parsed method descriptor. Params and Return hold field
// descriptors; Return is "V" for void methods.
type MethodType struct {
	Params []string
	Return string
}

// ParseMethodDescriptor splits a method descriptor such as
// "(IJLjava/lang/String;[D)V" into its parameter and return types.
func ParseMethodDescriptor(desc string) (MethodType, error) {
	if !strings.HasPrefix(desc, "(") {
		return MethodType{}, fmt.Errorf("method descriptor %q: missing '('", desc)
	}
	var mt MethodType
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := fieldDescriptorLen(desc[i:])
		if err != nil {
			return MethodType{}, fmt.Errorf("method descriptor %q: %w", desc, err)
		}
		mt.Params = append(mt.Params, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return MethodType{}, fmt.Errorf("method descriptor %q: missing ')'", desc)
	}
	ret := desc[i+1:]
	if ret != "V" {
		n, err := fieldDescriptorLen(ret)
		if err != nil || n != len(ret) {
			return MethodType{}, fmt.Errorf("method descriptor %q: bad return type", desc)
		}
	}
	mt.Return = ret
	return mt, nil
}

// fieldDescriptorLen returns the length of the field descriptor at the
// start of s.
func fieldDescriptorLen(s string) (int, error) {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i > 255 {
		return 0, fmt.Errorf("array of more than 255 dimensions")
	}
	if i >= len(s) {
		return 0, fmt.Errorf("truncated type")
	}
	switch s[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return i + 1, nil
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end <= 1 {
			return 0, fmt.Errorf("unterminated class type")
		}
		return i + end + 1, nil
	}
	return 0, fmt.Errorf("unknown type %q", s[i])
}

// ValidFieldDescriptor reports whether s is exactly one field descriptor.
func ValidFieldDescriptor(s string) bool {
	n, err := fieldDescriptorLen(s)
	return err == nil && n == len(s)
}

// SlotSize returns the number of local or operand stack slots taken by a
// value of the field descriptor: 2 for long and double, 0 for void, 1
// otherwise.
func SlotSize(desc string) int {
	switch desc {
	case "J", "D":
		return 2
	case "V", "":
		return 0
	}
	return 1
}

// ArgSlots returns the local slots taken by the parameters, not counting
// the receiver.
func (mt MethodType) ArgSlots() int {
	n := 0
	for _, p := range mt.Params {
		n += SlotSize(p)
	}
	return n
}

// Descriptor reassembles the method descriptor.
func (mt MethodType) Descriptor() string {
	return "(" + strings.Join(mt.Params, "") + ")" + mt.Return
}

// ClassDescriptor returns the field descriptor of an internal class name.
// Array names are already descriptors.
func ClassDescriptor(name string) string {
	if strings.HasPrefix(name, "[") {
		return name
	}
	return "L" + name + ";"
}

// DescriptorClass returns the internal name of a reference field
// descriptor: "Ljava/lang/String;" gives "java/lang/String", arrays are
// returned unchanged. Primitive descriptors give "".
func DescriptorClass(desc string) string {
	switch {
	case strings.HasPrefix(desc, "["):
		return desc
	case strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";"):
		return desc[1 : len(desc)-1]
	}
	return ""
}

// Wrapper describes the boxing of one primitive type.
type Wrapper struct {
	Class   string // java/lang/Integer
	ValueOf string // (I)Ljava/lang/Integer;
}

var wrappers = map[string]Wrapper{
	"Z": {"java/lang/Boolean", "(Z)Ljava/lang/Boolean;"},
	"B": {"java/lang/Byte", "(B)Ljava/lang/Byte;"},
	"C": {"java/lang/Character", "(C)Ljava/lang/Character;"},
	"S": {"java/lang/Short", "(S)Ljava/lang/Short;"},
	"I": {"java/lang/Integer", "(I)Ljava/lang/Integer;"},
	"J": {"java/lang/Long", "(J)Ljava/lang/Long;"},
	"F": {"java/lang/Float", "(F)Ljava/lang/Float;"},
	"D": {"java/lang/Double", "(D)Ljava/lang/Double;"},
}

// WrapperOf returns the boxing wrapper of a primitive field descriptor.
// ok is false for reference types.
func WrapperOf(desc string) (Wrapper, bool) {
	w, ok := wrappers[desc]
	return w, ok
}
