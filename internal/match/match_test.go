package match

import (
	"errors"
	"testing"

	"github.com/kolkov/classweave/internal/classfile"
)

const (
	traceMarker = "Lcom/newrelic/agent/android/instrumentation/Trace;"
	skipMarker  = "Lcom/newrelic/agent/android/instrumentation/SkipTrace;"
)

func annotate(cf *classfile.ClassFile, attrs *[]*classfile.Attribute, types ...string) {
	cf.AddAttribute(attrs, classfile.EncodeAnnotations(cf.Pool, false, types...))
}

func body(insns ...*classfile.Instr) *classfile.Code {
	return &classfile.Code{Insns: insns}
}

func traceRules(t *testing.T) *RuleSet {
	t.Helper()
	rs, err := NewRuleSet([]Rule{{
		Kind:          AnnotatedMethod,
		Marker:        "com.newrelic.agent.android.instrumentation.Trace",
		ExcludeMarker: "com.newrelic.agent.android.instrumentation.SkipTrace",
	}}, Options{})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	return rs
}

func TestNewRuleSet_Validation(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"empty marker", Rule{Kind: AnnotatedMethod}},
		{"marker excludes itself", Rule{Kind: AnnotatedMethod, Marker: "a.B", ExcludeMarker: "La/B;"}},
		{"missing owner", Rule{Kind: ExactCallSite, Target: MethodRef{Name: "foo", Descriptor: "()V"}, Mode: ModeObserveReturn}},
		{"bad descriptor", Rule{Kind: ExactCallSite, Target: MethodRef{Owner: "a/B", Name: "foo", Descriptor: "(I"}, Mode: ModeObserveReturn}},
		{"replace without intermediary", Rule{Kind: ExactCallSite, Target: MethodRef{Owner: "a/B", Name: "foo", Descriptor: "()V"}}},
		{"decorate nothing", Rule{Kind: DecorateClass}},
		{"unknown kind", Rule{Kind: Kind(42)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRuleSet([]Rule{tt.rule}, Options{}); !errors.Is(err, ErrInvalidRule) {
				t.Errorf("NewRuleSet error = %v, want ErrInvalidRule", err)
			}
		})
	}
}

func TestNewRuleSet_Normalises(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Kind: AnnotatedMethod, Marker: "a.b.Trace"},
		{Kind: ExactCallSite, Target: MethodRef{Owner: "java.net.URL", Name: "openConnection", Descriptor: "()Ljava/net/URLConnection;"},
			Intermediary: MethodRef{Owner: "hooks.Net", Name: "openConnection"}},
	}, Options{Exclude: []string{"hooks."}})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	rules := rs.Rules()
	if rules[0].Marker != "La/b/Trace;" {
		t.Errorf("marker = %q", rules[0].Marker)
	}
	if rules[1].Target.Owner != "java/net/URL" || rules[1].Intermediary.Owner != "hooks/Net" {
		t.Errorf("call-site rule = %+v", rules[1])
	}
	if rs.Options().Sentinel != DefaultSentinel {
		t.Errorf("sentinel = %+v, want default", rs.Options().Sentinel)
	}
	if !rs.Excluded("hooks/Net") || !rs.Excluded("hooks/Other") || rs.Excluded("app/Main") {
		t.Error("exclusion by prefix or intermediary owner is wrong")
	}
}

func TestMatch_AnnotatedMethods(t *testing.T) {
	cf := classfile.NewClass("app/Worker", "java/lang/Object", classfile.AccPublic|classfile.AccSuper)
	traced := cf.AddMethod(classfile.AccPublic, "run", "()V", body(classfile.Insn(classfile.RETURN)))
	annotate(cf, &traced.Attributes, traceMarker)
	skipped := cf.AddMethod(classfile.AccPublic, "quiet", "()V", body(classfile.Insn(classfile.RETURN)))
	annotate(cf, &skipped.Attributes, traceMarker, skipMarker)
	cf.AddMethod(classfile.AccPublic, "plain", "()V", body(classfile.Insn(classfile.RETURN)))
	abstract := cf.AddMethod(classfile.AccPublic|classfile.AccNative, "jni", "()V", nil)
	annotate(cf, &abstract.Attributes, traceMarker)
	clinit := cf.AddMethod(classfile.AccStatic, "<clinit>", "()V", body(classfile.Insn(classfile.RETURN)))
	annotate(cf, &clinit.Attributes, traceMarker)

	res, err := traceRules(t).Match(cf)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.Traced) != 1 || res.Traced[0].Method != traced {
		t.Fatalf("Traced = %+v, want only run()V", res.Traced)
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("Skipped = %v, want native and <clinit>", res.Skipped)
	}
	for _, s := range res.Skipped {
		if s.Kind != SkipUnsupported {
			t.Errorf("skip %v kind = %v", s, s.Kind)
		}
	}
}

func TestMatch_ClassLevelMarker(t *testing.T) {
	tests := []struct {
		name        string
		classTypes  []string
		wantMethods int
	}{
		{"marker", []string{traceMarker}, 2},
		{"marker and opt-out", []string{traceMarker, skipMarker}, 0},
		{"none", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf := classfile.NewClass("app/Screen", "java/lang/Object", classfile.AccPublic|classfile.AccSuper)
			if tt.classTypes != nil {
				annotate(cf, &cf.Attributes, tt.classTypes...)
			}
			cf.AddMethod(classfile.AccPublic, "a", "()V", body(classfile.Insn(classfile.RETURN)))
			cf.AddMethod(classfile.AccPublic, "b", "()V", body(classfile.Insn(classfile.RETURN)))
			cf.AddMethod(classfile.AccPublic|classfile.AccAbstract, "c", "()V", nil)

			res, err := traceRules(t).Match(cf)
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if len(res.Traced) != tt.wantMethods {
				t.Errorf("Traced = %d, want %d", len(res.Traced), tt.wantMethods)
			}
			if len(res.Skipped) != 0 {
				t.Errorf("class-level marker reported skips: %v", res.Skipped)
			}
		})
	}
}

func TestMatch_CallSitesScopedToExactTriple(t *testing.T) {
	rs, err := NewRuleSet([]Rule{{
		Kind:         ExactCallSite,
		Target:       MethodRef{Owner: "app/Owner", Name: "foo", Descriptor: "(I)V"},
		Intermediary: MethodRef{Owner: "hooks/Calls", Name: "foo"},
	}}, Options{})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}

	cf := classfile.NewClass("app/Caller", "java/lang/Object", classfile.AccSuper)
	p := cf.Pool
	match := classfile.Invoke(p, classfile.INVOKESTATIC, "app/Owner", "foo", "(I)V")
	cf.AddMethod(classfile.AccStatic, "first", "()V", body(
		classfile.Insn(classfile.ICONST_1),
		match,
		classfile.Insn(classfile.ICONST_1),
		classfile.Invoke(p, classfile.INVOKESTATIC, "app/Owner", "foo", "(I)I"),
		classfile.Insn(classfile.POP),
		classfile.Insn(classfile.RETURN),
	))
	ctor := classfile.Invoke(p, classfile.INVOKESPECIAL, "app/Owner", "foo", "(I)V")
	cf.AddMethod(classfile.AccPublic, "second", "()V", body(
		classfile.Load("Lapp/Owner;", 0),
		classfile.Insn(classfile.ICONST_2),
		ctor,
		classfile.Insn(classfile.RETURN),
	))

	res, err := rs.Match(cf)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.CallSites) != 1 || res.CallSites[0].Insn != match || res.CallSites[0].Index != 1 {
		t.Fatalf("CallSites = %+v, want only the (I)V call", res.CallSites)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Insn != ctor || res.Skipped[0].Kind != SkipUnsupported {
		t.Errorf("Skipped = %v, want the invokespecial site", res.Skipped)
	}
}

func TestMatch_AlreadyObserved(t *testing.T) {
	rs, err := NewRuleSet([]Rule{{
		Kind:   ExactCallSite,
		Mode:   ModeObserveReturn,
		Target: MethodRef{Owner: "app/Net", Name: "status", Descriptor: "()I"},
	}}, Options{Observer: MethodRef{Owner: "hooks/Hooks", Name: "observeReturn"}})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	cf := classfile.NewClass("app/Client", "java/lang/Object", classfile.AccSuper)
	p := cf.Pool
	cf.AddMethod(classfile.AccStatic, "fresh", "()I", body(
		classfile.Invoke(p, classfile.INVOKESTATIC, "app/Net", "status", "()I"),
		classfile.Insn(classfile.IRETURN),
	))
	cf.AddMethod(classfile.AccStatic, "done", "()I", body(
		classfile.Invoke(p, classfile.INVOKESTATIC, "app/Net", "status", "()I"),
		classfile.Insn(classfile.DUP),
		classfile.Invoke(p, classfile.INVOKESTATIC, "java/lang/Integer", "valueOf", "(I)Ljava/lang/Integer;"),
		classfile.LdcString(p, "app/Net"),
		classfile.LdcString(p, "status"),
		classfile.LdcString(p, "()I"),
		classfile.Invoke(p, classfile.INVOKESTATIC, "hooks/Hooks", "observeReturn",
			"(Ljava/lang/Object;Ljava/lang/String;Ljava/lang/String;Ljava/lang/String;)V"),
		classfile.Insn(classfile.IRETURN),
	))

	res, err := rs.Match(cf)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.CallSites) != 1 || res.CallSites[0].Method.Name != "fresh" {
		t.Fatalf("CallSites = %+v, want only fresh()I", res.CallSites)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Kind != SkipAlreadyApplied {
		t.Errorf("Skipped = %v, want done()I already applied", res.Skipped)
	}
}

func TestMatch_Sentinel(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Kind: DecorateClass, SuperClass: "android/app/Activity"},
		{Kind: AnnotatedMethod, Marker: traceMarker},
		{Kind: ExactCallSite, Mode: ModeObserveReturn, Target: MethodRef{Owner: "app/Net", Name: "status", Descriptor: "()I"}},
	}, Options{})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	build := func() *classfile.ClassFile {
		cf := classfile.NewClass("app/Sample", "android/app/Activity", classfile.AccPublic|classfile.AccSuper)
		m := cf.AddMethod(classfile.AccPublic, "onStart", "()V", body(
			classfile.Invoke(cf.Pool, classfile.INVOKESTATIC, "app/Net", "status", "()I"),
			classfile.Insn(classfile.POP),
			classfile.Insn(classfile.RETURN),
		))
		annotate(cf, &m.Attributes, traceMarker)
		return cf
	}

	fresh, err := rs.Match(build())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if fresh.Sentinel || fresh.Decorate == nil || len(fresh.Traced) != 1 || len(fresh.CallSites) != 1 {
		t.Fatalf("fresh class results = %+v", fresh)
	}

	tests := []struct {
		name string
		mark func(cf *classfile.ClassFile)
	}{
		{"field", func(cf *classfile.ClassFile) { cf.AddField(classfile.AccPrivate, "_nr_trace", DefaultSentinel.FieldType) }},
		{"interface", func(cf *classfile.ClassFile) { cf.AddInterface(DefaultSentinel.Interface) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf := build()
			tt.mark(cf)
			res, err := rs.Match(cf)
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if !res.Sentinel || res.Decorate != nil || len(res.Traced) != 0 {
				t.Errorf("decorated class results = %+v, want no decoration or trace", res)
			}
			if len(res.CallSites) != 1 {
				t.Errorf("call-site rules must still match, got %d", len(res.CallSites))
			}
		})
	}
}

func TestMatch_DecorateClass(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Kind: DecorateClass, Class: "app.Sample"},
		{Kind: DecorateClass, SuperClass: "android.app.Activity"},
	}, Options{Exclude: []string{"com/newrelic/"}})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	tests := []struct {
		name, class, super string
		access             uint16
		decorate           bool
		skipped            int
	}{
		{"by name", "app/Sample", "java/lang/Object", classfile.AccSuper, true, 0},
		{"by superclass", "app/Main", "android/app/Activity", classfile.AccSuper, true, 0},
		{"indirect superclass", "app/Deep", "app/Main", classfile.AccSuper, false, 0},
		{"interface", "app/Sample", "java/lang/Object", classfile.AccInterface|classfile.AccAbstract, false, 1},
		{"excluded", "com/newrelic/Agent", "android/app/Activity", classfile.AccSuper, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := rs.Match(classfile.NewClass(tt.class, tt.super, tt.access))
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if (res.Decorate != nil) != tt.decorate {
				t.Errorf("Decorate = %v, want %v", res.Decorate, tt.decorate)
			}
			if len(res.Skipped) != tt.skipped {
				t.Errorf("Skipped = %v, want %d", res.Skipped, tt.skipped)
			}
			if res.Empty() == tt.decorate {
				t.Errorf("Empty() = %v", res.Empty())
			}
		})
	}
}
