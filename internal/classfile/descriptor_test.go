package classfile

import (
	"reflect"
	"testing"
)

func TestParseMethodDescriptor(t *testing.T) {
	tests := []struct {
		desc   string
		params []string
		ret    string
		slots  int
		bad    bool
	}{
		{desc: "()V", ret: "V"},
		{desc: "(I)I", params: []string{"I"}, ret: "I", slots: 1},
		{desc: "(JD)J", params: []string{"J", "D"}, ret: "J", slots: 4},
		{desc: "(Ljava/lang/String;[[IZ)[Ljava/lang/Object;", params: []string{"Ljava/lang/String;", "[[I", "Z"}, ret: "[Ljava/lang/Object;", slots: 3},
		{desc: "I)V", bad: true},
		{desc: "(I", bad: true},
		{desc: "(Ljava/lang/String)V", bad: true},
		{desc: "(Q)V", bad: true},
		{desc: "()VV", bad: true},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			mt, err := ParseMethodDescriptor(tt.desc)
			if tt.bad {
				if err == nil {
					t.Fatalf("ParseMethodDescriptor(%q) succeeded", tt.desc)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMethodDescriptor(%q): %v", tt.desc, err)
			}
			if !reflect.DeepEqual(mt.Params, tt.params) || mt.Return != tt.ret {
				t.Errorf("got %v %q, want %v %q", mt.Params, mt.Return, tt.params, tt.ret)
			}
			if mt.ArgSlots() != tt.slots {
				t.Errorf("ArgSlots = %d, want %d", mt.ArgSlots(), tt.slots)
			}
			if mt.Descriptor() != tt.desc {
				t.Errorf("Descriptor = %q", mt.Descriptor())
			}
		})
	}
}

func TestWrapperOf(t *testing.T) {
	w, ok := WrapperOf("J")
	if !ok || w.Class != "java/lang/Long" || w.ValueOf != "(J)Ljava/lang/Long;" {
		t.Errorf("WrapperOf(J) = %+v", w)
	}
	if _, ok := WrapperOf("Ljava/lang/String;"); ok {
		t.Errorf("reference type has a wrapper")
	}
}

func TestDescriptorClass(t *testing.T) {
	tests := map[string]string{
		"Ljava/lang/String;": "java/lang/String",
		"[I":                 "[I",
		"I":                  "",
	}
	for in, want := range tests {
		if got := DescriptorClass(in); got != want {
			t.Errorf("DescriptorClass(%q) = %q, want %q", in, got, want)
		}
	}
	if ClassDescriptor("a/B") != "La/B;" || ClassDescriptor("[J") != "[J" {
		t.Errorf("ClassDescriptor mismatch")
	}
}

func TestAnnotationTypes(t *testing.T) {
	cf := NewClass("Ann", "java/lang/Object", AccSuper)
	m := cf.AddMethod(AccStatic, "run", "()V", &Code{MaxStack: 0, MaxLocals: 0, Insns: []*Instr{Insn(RETURN)}})
	cf.AddAttribute(&m.Attributes, EncodeAnnotations(cf.Pool, false, "Lcom/example/Trace;"))
	cf.AddAttribute(&m.Attributes, EncodeAnnotations(cf.Pool, true, "Lcom/example/Skip;"))

	parsed := mustParse(t, mustBytes(t, cf))
	pm := parsed.FindMethod("run", "()V")
	types, err := AnnotationTypes(parsed.Pool, pm.Attributes)
	if err != nil {
		t.Fatalf("AnnotationTypes: %v", err)
	}
	want := []string{"Lcom/example/Trace;", "Lcom/example/Skip;"}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("types = %v, want %v", types, want)
	}
	if ok, _ := HasAnnotation(parsed.Pool, pm.Attributes, "Lcom/example/Other;"); ok {
		t.Errorf("HasAnnotation reported an absent annotation")
	}
}

func TestAnnotationElementValues(t *testing.T) {
	pool := NewConstantPool()
	typ := pool.AddUtf8("Lx/Ann;")
	name := pool.AddUtf8("value")
	str := pool.AddUtf8("hello")
	var w writer
	w.u2(1)   // one annotation
	w.u2(typ) // type
	w.u2(2)   // two pairs
	w.u2(name)
	w.u1('s')
	w.u2(str)
	w.u2(name)
	w.u1('[')
	w.u2(2)
	w.u1('I')
	w.u2(str)
	w.u1('@')
	w.u2(typ)
	w.u2(0)

	types, err := AnnotationTypes(pool, []*Attribute{{Name: "RuntimeVisibleAnnotations", Info: w.b}})
	if err != nil {
		t.Fatalf("AnnotationTypes: %v", err)
	}
	if len(types) != 1 || types[0] != "Lx/Ann;" {
		t.Errorf("types = %v", types)
	}
}
