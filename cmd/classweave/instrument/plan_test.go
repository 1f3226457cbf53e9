package instrument

import (
	"errors"
	"testing"

	"github.com/kolkov/classweave/cmd/classweave/runtime"
	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/match"
)

func TestEditPlan_Add(t *testing.T) {
	call := classfile.Insn(classfile.NOP)
	other := classfile.Insn(classfile.NOP)
	m := &classfile.Method{Name: "run", Descriptor: "()V", Code: code(other, call)}
	first := &match.Rule{Name: "first"}
	second := &match.Rule{Name: "second"}

	tests := []struct {
		name     string
		have     []EditOp
		add      EditOp
		conflict bool
	}{
		{"empty plan", nil, EditOp{Kind: EditReplaceCall, Insn: call, Rule: first}, false},
		{"same kind same call", []EditOp{{Kind: EditReplaceCall, Insn: call, Rule: first}},
			EditOp{Kind: EditReplaceCall, Insn: call, Rule: second}, true},
		{"replace and observe compose", []EditOp{{Kind: EditReplaceCall, Insn: call, Rule: first}},
			EditOp{Kind: EditObserveReturn, Insn: call, Rule: second}, false},
		{"same kind other call", []EditOp{{Kind: EditReplaceCall, Insn: call, Rule: first}},
			EditOp{Kind: EditReplaceCall, Insn: other, Rule: second}, false},
		{"two wraps", []EditOp{{Kind: EditWrapTrace, Rule: first}},
			EditOp{Kind: EditWrapTrace, Rule: second}, true},
		{"two fields", []EditOp{{Kind: EditAddField, Name: "_nr_trace"}},
			EditOp{Kind: EditAddField, Name: "_nr_trace"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &EditPlan{Method: m, Ops: append([]EditOp(nil), tt.have...)}
			err := p.Add(tt.add)
			if got := errors.Is(err, ErrConflictingEdit); got != tt.conflict {
				t.Errorf("Add error = %v, want conflict %v", err, tt.conflict)
			}
		})
	}
}

func TestEditPlan_Sort(t *testing.T) {
	a := classfile.Insn(classfile.NOP)
	b := classfile.Insn(classfile.NOP)
	m := &classfile.Method{Name: "run", Descriptor: "()V", Code: code(a, b)}
	p := &EditPlan{Method: m}
	for _, op := range []EditOp{
		{Kind: EditWrapTrace},
		{Kind: EditObserveReturn, Insn: b},
		{Kind: EditReplaceCall, Insn: b},
		{Kind: EditReplaceCall, Insn: a},
	} {
		if err := p.Add(op); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	p.Sort()

	want := []struct {
		kind EditKind
		insn *classfile.Instr
	}{
		{EditReplaceCall, a},
		{EditReplaceCall, b},
		{EditObserveReturn, b},
		{EditWrapTrace, nil},
	}
	for i, w := range want {
		if p.Ops[i].Kind != w.kind || p.Ops[i].Insn != w.insn {
			t.Errorf("op %d = %s, want %s", i, p.Ops[i].Kind, w.kind)
		}
	}
	if !p.Has(EditWrapTrace) || p.Has(EditAddInterface) {
		t.Error("Has reports the wrong kinds")
	}
}

func TestContext_RecordEdit(t *testing.T) {
	cf := classfile.NewClass("app/Main", "java/lang/Object", classfile.AccSuper)
	m := cf.AddMethod(classfile.AccPublic, "run", "()V", code(classfile.Insn(classfile.RETURN)))

	ctx := NewContext(runtime.Default())
	ctx.BeginClass(cf)
	ctx.RecordEdit(&EditPlan{Method: m})
	if ctx.IsModified() {
		t.Fatal("an empty plan marked the class modified")
	}
	if ctx.WasAlreadyInstrumented(m) {
		t.Fatal("fresh method reported as instrumented")
	}

	ctx.RecordEdit(&EditPlan{Method: m, Ops: []EditOp{{Kind: EditWrapTrace}, {Kind: EditReplaceCall}}})
	ctx.RecordEdit(&EditPlan{Ops: []EditOp{{Kind: EditAddField}, {Kind: EditAddInterface}}})
	if !ctx.IsModified() || len(ctx.Plans()) != 2 {
		t.Fatalf("modified = %v, plans = %d", ctx.IsModified(), len(ctx.Plans()))
	}
	if !ctx.WasAlreadyInstrumented(m) {
		t.Error("wrapped method not reported as instrumented")
	}
	want := Stats{MethodsWrapped: 1, CallsReplaced: 1, FieldsAdded: 1, InterfacesAdded: 1}
	if s := ctx.Stats(); s != want {
		t.Errorf("Stats = %+v, want %+v", s, want)
	}

	ctx.BeginClass(cf)
	if st := ctx.Stats(); ctx.IsModified() || st.Total() != 0 {
		t.Error("BeginClass did not reset the context")
	}
}

func TestContext_WasAlreadyInstrumented(t *testing.T) {
	hooks := runtime.Default()
	cf := classfile.NewClass("app/Main", "java/lang/Object", classfile.AccSuper)
	enter := hooks.EnterRef()
	wrapped := cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "wrapped", "()V", code(
		classfile.Insn(classfile.ACONST_NULL),
		classfile.Insn(classfile.ACONST_NULL),
		classfile.Insn(classfile.ACONST_NULL),
		classfile.Invoke(cf.Pool, classfile.INVOKESTATIC, enter.Owner, enter.Name, enter.Descriptor),
		classfile.Insn(classfile.POP),
		classfile.Insn(classfile.RETURN),
	))
	plain := cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "plain", "()V", code(classfile.Insn(classfile.RETURN)))
	abstract := cf.AddMethod(classfile.AccPublic|classfile.AccAbstract, "later", "()V", nil)

	ctx := NewContext(hooks)
	ctx.BeginClass(cf)
	tests := []struct {
		m    *classfile.Method
		want bool
	}{
		{wrapped, true},
		{plain, false},
		{abstract, false},
	}
	for _, tt := range tests {
		t.Run(tt.m.Name, func(t *testing.T) {
			if got := ctx.WasAlreadyInstrumented(tt.m); got != tt.want {
				t.Errorf("WasAlreadyInstrumented = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_Report(t *testing.T) {
	cf := classfile.NewClass("app/Main", "java/lang/Object", classfile.AccSuper)
	m := cf.AddMethod(classfile.AccPublic, "run", "()V", code(classfile.Insn(classfile.RETURN)))
	ctx := NewContext(runtime.Default())
	ctx.BeginClass(cf)

	ctx.Report(SeverityWarning, KindConflictingEdit, m, "dropped %s", "replace-call")
	ctx.Report(SeverityWarning, KindUnsupportedConstruct, nil, "interface")
	ctx.Report(SeverityDebug, KindAlreadyApplied, m, "sentinel present")

	diags := ctx.Diagnostics()
	if len(diags) != 3 {
		t.Fatalf("got %d diagnostics", len(diags))
	}
	if got := diags[0].String(); got != "app/Main.run()V: conflicting-edit: dropped replace-call" {
		t.Errorf("String() = %q", got)
	}
	if diags[1].Method != "" {
		t.Errorf("class-level diagnostic names method %q", diags[1].Method)
	}
	if s := ctx.Stats(); s.Conflicts != 1 || s.Skipped != 2 {
		t.Errorf("Stats = %+v", s)
	}
}
