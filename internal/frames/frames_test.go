package frames

import (
	"errors"
	"testing"

	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/hierarchy"
)

func method(cf *classfile.ClassFile, access uint16, name, desc string, insns ...*classfile.Instr) *classfile.Method {
	return cf.AddMethod(access, name, desc, &classfile.Code{Insns: insns})
}

func roundTrip(t *testing.T, cf *classfile.ClassFile) *classfile.ClassFile {
	t.Helper()
	b, err := cf.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	parsed, err := classfile.Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return parsed
}

// TestDiamond checks the frames of
//
//	static int pick(int x) { int y; if (x > 0) y = 1; else y = 2; return y; }
func TestDiamond(t *testing.T) {
	cf := classfile.NewClass("app/Diamond", hierarchy.Object, classfile.AccSuper)
	elseBranch := classfile.Insn(classfile.ICONST_2)
	join := classfile.Load("I", 1)
	m := method(cf, classfile.AccStatic, "pick", "(I)I",
		classfile.Load("I", 0),
		classfile.Jump(classfile.IFLE, elseBranch),
		classfile.Insn(classfile.ICONST_1),
		classfile.Store("I", 1),
		classfile.Jump(classfile.GOTO, join),
		elseBranch,
		classfile.Store("I", 1),
		join,
		classfile.Insn(classfile.IRETURN),
	)

	if err := Recompute(cf, m, hierarchy.New()); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if m.Code.MaxStack != 1 || m.Code.MaxLocals != 2 {
		t.Errorf("max stack/locals = %d/%d, want 1/2", m.Code.MaxStack, m.Code.MaxLocals)
	}

	parsed := roundTrip(t, cf)
	code := parsed.FindMethod("pick", "(I)I").Code
	if code.StackMap == nil || len(code.StackMap.Frames) != 2 {
		t.Fatalf("stack map = %+v, want 2 frames", code.StackMap)
	}
	f0, f1 := code.StackMap.Frames[0], code.StackMap.Frames[1]
	if f0.Kind != classfile.FrameSame || f0.At != code.Insns[5] {
		t.Errorf("else frame = %+v, want same_frame at instruction 5", f0)
	}
	if f1.Kind != classfile.FrameAppend || f1.At != code.Insns[7] ||
		len(f1.Locals) != 1 || f1.Locals[0].Kind != classfile.VInteger {
		t.Errorf("join frame = %+v, want append_frame [int] at instruction 7", f1)
	}
}

func TestDeadCode(t *testing.T) {
	cf := classfile.NewClass("app/Dead", hierarchy.Object, classfile.AccSuper)
	handler := classfile.Insn(classfile.ATHROW)
	m := method(cf, classfile.AccStatic, "run", "()V",
		classfile.Insn(classfile.NOP),
		classfile.Insn(classfile.RETURN),
		classfile.Insn(classfile.ICONST_0),
		classfile.Insn(classfile.RETURN),
		handler,
	)
	insns := m.Code.Insns
	m.Code.Handlers = []*classfile.Handler{{Start: insns[0], End: handler, Handler: handler}}

	if err := Recompute(cf, m, nil); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if insns[2].Op != classfile.NOP || insns[3].Op != classfile.ATHROW {
		t.Errorf("dead code = %s %s, want nop athrow", insns[2].Op, insns[3].Op)
	}
	if len(m.Code.Handlers) != 1 || m.Code.Handlers[0].End != insns[2] {
		t.Errorf("handler range not narrowed to reachable code: %+v", m.Code.Handlers)
	}

	var deadFrame *classfile.StackMapFrame
	for i := range m.Code.StackMap.Frames {
		if m.Code.StackMap.Frames[i].At == insns[2] {
			deadFrame = &m.Code.StackMap.Frames[i]
		}
	}
	if deadFrame == nil {
		t.Fatalf("no frame for dead code")
	}
	if deadFrame.Kind != classfile.FrameSameLocals1 || deadFrame.Stack[0].Class != "java/lang/Throwable" {
		t.Errorf("dead code frame = %+v, want [] [Throwable]", deadFrame)
	}
	roundTrip(t, cf)
}

func TestConstructorInit(t *testing.T) {
	cf := classfile.NewClass("app/Ctor", hierarchy.Object, classfile.AccSuper)
	m := method(cf, classfile.AccPublic, "<init>", "()V",
		classfile.Load("Ljava/lang/Object;", 0),
		classfile.Invoke(cf.Pool, classfile.INVOKESPECIAL, hierarchy.Object, "<init>", "()V"),
		classfile.Insn(classfile.RETURN),
	)
	a, err := Analyze(cf, m, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	insns := m.Code.Insns
	if len(a.ThisInit) != 1 || a.ThisInit[0] != insns[1] {
		t.Fatalf("ThisInit = %v, want the invokespecial", a.ThisInit)
	}
	if k := a.Frames[insns[0]].Locals[0].Kind; k != classfile.VUninitializedThis {
		t.Errorf("this before super() = %v", k)
	}
	if l := a.Frames[insns[2]].Locals[0]; l.Kind != classfile.VObject || l.Class != "app/Ctor" {
		t.Errorf("this after super() = %v", l)
	}
}

func TestWideLocals(t *testing.T) {
	cf := classfile.NewClass("app/Wide", hierarchy.Object, classfile.AccSuper)
	m := method(cf, classfile.AccStatic, "sum", "(JD)J",
		classfile.Load("J", 0),
		classfile.Load("D", 2),
		classfile.Insn(classfile.D2L),
		classfile.Insn(classfile.LADD),
		classfile.Insn(classfile.LRETURN),
	)
	if err := Recompute(cf, m, nil); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if m.Code.MaxLocals != 4 || m.Code.MaxStack != 4 {
		t.Errorf("max stack/locals = %d/%d, want 4/4", m.Code.MaxStack, m.Code.MaxLocals)
	}
}

func TestReferenceMerge(t *testing.T) {
	h := hierarchy.New()
	for _, c := range [][2]string{{"app/Animal", ""}, {"app/Dog", "app/Animal"}, {"app/Cat", "app/Animal"}} {
		if err := h.Add(c[0], c[1], false); err != nil {
			t.Fatal(err)
		}
	}
	cf := classfile.NewClass("app/Zoo", hierarchy.Object, classfile.AccSuper)
	elseBranch := classfile.Insn(classfile.ACONST_NULL)
	join := classfile.Insn(classfile.ARETURN)
	m := method(cf, classfile.AccStatic, "pick", "(I)Ljava/lang/Object;",
		classfile.Load("I", 0),
		classfile.Jump(classfile.IFEQ, elseBranch),
		classfile.Insn(classfile.ACONST_NULL),
		classfile.TypeInsn(cf.Pool, classfile.CHECKCAST, "app/Dog"),
		classfile.Jump(classfile.GOTO, join),
		elseBranch,
		classfile.TypeInsn(cf.Pool, classfile.CHECKCAST, "app/Cat"),
		join,
	)
	if err := Recompute(cf, m, h); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	frames := m.Code.StackMap.Frames
	last := frames[len(frames)-1]
	if last.At != join || last.Kind != classfile.FrameSameLocals1 || last.Stack[0].Class != "app/Animal" {
		t.Errorf("join frame = %+v, want [Animal] on the stack", last)
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(cf *classfile.ClassFile) *classfile.Method
		want  error
	}{
		{
			name: "stack depth mismatch",
			build: func(cf *classfile.ClassFile) *classfile.Method {
				ret := classfile.Insn(classfile.RETURN)
				return method(cf, classfile.AccStatic, "bad", "(I)V",
					classfile.Load("I", 0),
					classfile.Jump(classfile.IFEQ, ret),
					classfile.Insn(classfile.ICONST_1),
					ret,
				)
			},
			want: ErrVerification,
		},
		{
			name: "stack underflow",
			build: func(cf *classfile.ClassFile) *classfile.Method {
				return method(cf, classfile.AccStatic, "bad", "()V",
					classfile.Insn(classfile.POP),
					classfile.Insn(classfile.RETURN),
				)
			},
			want: ErrVerification,
		},
		{
			name: "falls off the end",
			build: func(cf *classfile.ClassFile) *classfile.Method {
				return method(cf, classfile.AccStatic, "bad", "()V", classfile.Insn(classfile.NOP))
			},
			want: ErrVerification,
		},
		{
			name: "subroutine",
			build: func(cf *classfile.ClassFile) *classfile.Method {
				ret := classfile.Insn(classfile.RETURN)
				return method(cf, classfile.AccStatic, "bad", "()V",
					classfile.Jump(classfile.JSR, ret),
					ret,
				)
			},
			want: ErrUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf := classfile.NewClass("app/Bad", hierarchy.Object, classfile.AccSuper)
			m := tt.build(cf)
			if err := Recompute(cf, m, nil); !errors.Is(err, tt.want) {
				t.Errorf("Recompute error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOldVersionHasNoStackMap(t *testing.T) {
	cf := classfile.NewClass("app/Old", hierarchy.Object, classfile.AccSuper)
	cf.MajorVersion = 49
	ret := classfile.Insn(classfile.RETURN)
	m := method(cf, classfile.AccStatic, "run", "(I)V",
		classfile.Load("I", 0),
		classfile.Jump(classfile.IFEQ, ret),
		ret,
	)
	if err := Recompute(cf, m, nil); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if m.Code.StackMap != nil {
		t.Errorf("version 49 class got a StackMapTable")
	}
}

// diamond builds
//
//	static void run(boolean b) { (b ? new SubA() : new SubB()).go(); }
//
// and returns it with the invokevirtual where both branches meet.
func diamond(cf *classfile.ClassFile) (*classfile.Method, *classfile.Instr) {
	p := cf.Pool
	other := classfile.TypeInsn(p, classfile.NEW, "app/SubB")
	join := classfile.Invoke(p, classfile.INVOKEVIRTUAL, "app/Base", "go", "()V")
	m := method(cf, classfile.AccStatic, "run", "(Z)V",
		classfile.Load("Z", 0),
		classfile.Jump(classfile.IFEQ, other),
		classfile.TypeInsn(p, classfile.NEW, "app/SubA"),
		classfile.Insn(classfile.DUP),
		classfile.Invoke(p, classfile.INVOKESPECIAL, "app/SubA", "<init>", "()V"),
		classfile.Jump(classfile.GOTO, join),
		other,
		classfile.Insn(classfile.DUP),
		classfile.Invoke(p, classfile.INVOKESPECIAL, "app/SubB", "<init>", "()V"),
		join,
		classfile.Insn(classfile.RETURN),
	)
	return m, join
}

func baseHierarchy(t *testing.T) *hierarchy.Hierarchy {
	t.Helper()
	h := hierarchy.New()
	for _, c := range [][2]string{{"app/Base", ""}, {"app/SubA", "app/Base"}, {"app/SubB", "app/Base"}} {
		if err := h.Add(c[0], c[1], false); err != nil {
			t.Fatal(err)
		}
	}
	h.Freeze()
	return h
}

func stackAt(t *testing.T, code *classfile.Code, at *classfile.Instr) []classfile.VType {
	t.Helper()
	for _, f := range code.StackMap.Frames {
		if f.At == at {
			return f.Stack
		}
	}
	t.Fatalf("no frame at %s", at)
	return nil
}

// TestUnknownAncestry checks joins of classes the hierarchy does not know.
//
// Expected:
//   - Without a hierarchy or a StackMapTable the join is rejected rather
//     than merged to java/lang/Object
//   - The type the compiler declared at the join is kept
//   - Classes without StackMapTables still merge to java/lang/Object
func TestUnknownAncestry(t *testing.T) {
	t.Run("no declared frame", func(t *testing.T) {
		cf := classfile.NewClass("app/Zoo", hierarchy.Object, classfile.AccSuper)
		m, _ := diamond(cf)
		if err := Recompute(cf, m, nil); !errors.Is(err, ErrVerification) {
			t.Errorf("Recompute error = %v, want ErrVerification", err)
		}
	})

	t.Run("declared frame", func(t *testing.T) {
		cf := classfile.NewClass("app/Zoo", hierarchy.Object, classfile.AccSuper)
		diamond(cf)
		if err := Recompute(cf, cf.Methods[0], baseHierarchy(t)); err != nil {
			t.Fatalf("Recompute with hierarchy: %v", err)
		}
		parsed := roundTrip(t, cf)
		m := parsed.FindMethod("run", "(Z)V")
		join := m.Code.Insns[9]
		if got := stackAt(t, m.Code, join); len(got) != 1 || got[0].Class != "app/Base" {
			t.Fatalf("compiled frame stack = %v, want [class app/Base]", got)
		}

		if err := Recompute(parsed, m, nil); err != nil {
			t.Fatalf("Recompute without hierarchy: %v", err)
		}
		if got := stackAt(t, m.Code, join); len(got) != 1 || got[0].Class != "app/Base" {
			t.Errorf("recomputed frame stack = %v, want [class app/Base]", got)
		}
	})

	t.Run("old class file", func(t *testing.T) {
		cf := classfile.NewClass("app/Zoo", hierarchy.Object, classfile.AccSuper)
		cf.MajorVersion = 49
		m, join := diamond(cf)
		a, err := Analyze(cf, m, nil)
		if err != nil {
			t.Fatalf("Analyze: %v", err)
		}
		if got := a.Frames[join].Stack; len(got) != 1 || got[0].Class != hierarchy.Object {
			t.Errorf("join stack = %v, want [class java/lang/Object]", got)
		}
	})
}
