package classfile

import "fmt"

// AnnotationTypes returns the type descriptors of the annotations declared
// in the RuntimeVisibleAnnotations and RuntimeInvisibleAnnotations
// attributes of attrs, in declaration order.
//
// Element values are skipped structurally; only the annotation types are
// resolved.
func AnnotationTypes(pool *ConstantPool, attrs []*Attribute) ([]string, error) {
	var out []string
	for _, a := range attrs {
		if a.Name != "RuntimeVisibleAnnotations" && a.Name != "RuntimeInvisibleAnnotations" {
			continue
		}
		r := newReader(a.Info)
		n := int(r.u2())
		for i := 0; i < n && r.err == nil; i++ {
			typ, err := readAnnotation(r, pool)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", a.Name, err)
			}
			if r.err == nil {
				out = append(out, typ)
			}
		}
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, r.err)
		}
	}
	return out, nil
}

// HasAnnotation reports whether attrs declare an annotation of type desc.
func HasAnnotation(pool *ConstantPool, attrs []*Attribute, desc string) (bool, error) {
	types, err := AnnotationTypes(pool, attrs)
	if err != nil {
		return false, err
	}
	for _, t := range types {
		if t == desc {
			return true, nil
		}
	}
	return false, nil
}

func readAnnotation(r *reader, pool *ConstantPool) (string, error) {
	idx := r.u2()
	if r.err != nil {
		return "", r.err
	}
	typ, err := pool.Utf8(idx)
	if err != nil {
		return "", err
	}
	pairs := int(r.u2())
	for i := 0; i < pairs && r.err == nil; i++ {
		r.u2() // element_name_index
		if err := skipElementValue(r, pool, 0); err != nil {
			return "", err
		}
	}
	return typ, r.err
}

// skipElementValue advances past one element_value (JVMS §4.7.16.1).
func skipElementValue(r *reader, pool *ConstantPool, depth int) error {
	if depth > 64 {
		return fmt.Errorf("%w: annotation nesting too deep", ErrMalformed)
	}
	tag := r.u1()
	switch tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 's', 'c':
		r.u2()
	case 'e':
		r.u2()
		r.u2()
	case '@':
		if _, err := readAnnotation(r, pool); err != nil {
			return err
		}
	case '[':
		n := int(r.u2())
		for i := 0; i < n && r.err == nil; i++ {
			if err := skipElementValue(r, pool, depth+1); err != nil {
				return err
			}
		}
	default:
		if r.err != nil {
			return r.err
		}
		return fmt.Errorf("%w: element value tag %q", ErrMalformed, tag)
	}
	return r.err
}

// EncodeAnnotations builds a RuntimeVisibleAnnotations (or, when invisible
// is set, RuntimeInvisibleAnnotations) attribute declaring marker
// annotations of the given types.
func EncodeAnnotations(pool *ConstantPool, invisible bool, types ...string) *Attribute {
	var w writer
	w.u2(uint16(len(types)))
	for _, t := range types {
		w.u2(pool.AddUtf8(t))
		w.u2(0)
	}
	name := "RuntimeVisibleAnnotations"
	if invisible {
		name = "RuntimeInvisibleAnnotations"
	}
	return &Attribute{Name: name, Info: w.b, nameIndex: pool.AddUtf8(name)}
}
