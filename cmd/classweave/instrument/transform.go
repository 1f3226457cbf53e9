// Package instrument implements build-time bytecode instrumentation of JVM
// class files.
//
// This package provides the engine of the classweave tool. It parses one
// class, matches it against an immutable rule set, rewrites the selected
// methods and call sites, repairs the verifier metadata and serialises the
// result.
//
// Algorithm:
//  1. Parse the class bytes into the instruction arena model
//  2. Match rules (annotated methods, exact call sites, decorated classes)
//  3. Decorate the class with the idempotence sentinel
//  4. Plan and apply method edits in a fixed priority order
//  5. Recompute max stack, max locals and StackMapTable per edited method
//  6. Serialise, or return the original bytes if nothing changed
//
// Example Transformation:
//
//	// INPUT (decompiled):
//	@Trace int size() { return items.length; }
//
//	// OUTPUT (decompiled):
//	@Trace int size() {
//	    Object token = MethodHooks.enterMethod("app/Cart", "size()I", new Object[0]);
//	    try {
//	        int r = items.length;
//	        MethodHooks.exitMethod(token);
//	        return r;
//	    } catch (Throwable t) {
//	        MethodHooks.exitMethod(token);
//	        throw t;
//	    }
//	}
//
// Any failure is contained to the class being processed: the caller gets
// the original bytes back together with a Result describing what happened.
//
// Thread Safety: Transformer is safe for concurrent use. Each Transform
// call owns its Context and class model.
package instrument

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/kolkov/classweave/cmd/classweave/runtime"
	"github.com/kolkov/classweave/internal/buildid"
	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/config"
	"github.com/kolkov/classweave/internal/frames"
	"github.com/kolkov/classweave/internal/hierarchy"
	"github.com/kolkov/classweave/internal/match"
)

// Status is the outcome of one Transform call.
type Status int

const (
	// StatusUnchanged: no rule applied; the original bytes are returned.
	StatusUnchanged Status = iota
	// StatusRewritten: the class was rewritten.
	StatusRewritten
	// StatusMalformed: the input could not be parsed.
	StatusMalformed
	// StatusFailed: a rewrite was attempted and abandoned.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnchanged:
		return "unchanged"
	case StatusRewritten:
		return "rewritten"
	case StatusMalformed:
		return "malformed"
	}
	return "failed"
}

// Result describes one Transform call.
type Result struct {
	Class       string
	Status      Status
	Err         error
	Diagnostics []Diagnostic
	Stats       Stats
}

// Options configures a Transformer.
type Options struct {
	// Rules is the immutable rule set. Required.
	Rules *match.RuleSet

	// Hooks names the hook runtime. Zero value means runtime.Default().
	Hooks runtime.Hooks

	// Hierarchy resolves common superclasses during frame repair. It
	// should be frozen before transforms start. Nil means JDK types only,
	// so other joins rely on the StackMapTable each class already has.
	Hierarchy *hierarchy.Hierarchy

	// BuildIDs and BuildID enable stamping the build id into the
	// configured class. Both are optional.
	BuildIDs *buildid.Registry
	BuildID  config.BuildID

	// Logger receives per-class outcomes. Nil means the
	// "classweave.instrument" logger.
	Logger commonlog.Logger
}

// Transformer is the transform dispatcher.
type Transformer struct {
	rules   *match.RuleSet
	hooks   runtime.Hooks
	hier    *hierarchy.Hierarchy
	ids     *buildid.Registry
	stampAt config.BuildID
	log     commonlog.Logger
}

// New returns a Transformer for opts.
func New(opts Options) (*Transformer, error) {
	if opts.Rules == nil {
		return nil, errors.New("instrument: a rule set is required")
	}
	t := &Transformer{
		rules:   opts.Rules,
		hooks:   opts.Hooks,
		hier:    opts.Hierarchy,
		ids:     opts.BuildIDs,
		stampAt: opts.BuildID,
		log:     opts.Logger,
	}
	if t.hooks == (runtime.Hooks{}) {
		t.hooks = runtime.Default()
	}
	if t.hier == nil {
		t.hier = hierarchy.New()
		t.hier.Freeze()
	}
	if t.log == nil {
		t.log = commonlog.GetLogger("classweave.instrument")
	}
	if t.ids != nil && !t.ids.Frozen() {
		return nil, errors.New("instrument: build id registry must be frozen before transforms start")
	}
	return t, nil
}

// stampFor returns the build id to stamp into cf, if any.
func (t *Transformer) stampFor(cf *classfile.ClassFile) (id, field string, ok bool) {
	if t.ids == nil || t.stampAt.Class == "" || t.stampAt.Field == "" {
		return "", "", false
	}
	if match.InternalName(t.stampAt.Class) != cf.ThisClass || cf.FindField(t.stampAt.Field) != nil {
		return "", "", false
	}
	id, ok = t.ids.Lookup(t.stampAt.Variant)
	return id, t.stampAt.Field, ok
}

// ClassName converts a declared class name (dotted, internal, or a
// ".class" path) into internal form.
func ClassName(name string) string {
	name = strings.TrimSuffix(name, ".class")
	name = strings.ReplaceAll(name, "\\", "/")
	return match.InternalName(name)
}

// Transform rewrites one class.
//
// Parameters:
//   - className: Declared name of the class (dotted, internal or path form)
//   - original: The class file bytes
//
// Returns:
//   - The rewritten bytes, or original itself when the class is
//     unchanged, malformed or failed
//   - A Result describing the outcome; never nil
//
// Transform never panics: a panic in any stage is recovered and reported
// as StatusFailed.
func (t *Transformer) Transform(className string, original []byte) (out []byte, res *Result) {
	res = &Result{Class: ClassName(className)}
	defer func() {
		if p := recover(); p != nil {
			out = original
			res.Status = StatusFailed
			res.Err = fmt.Errorf("internal error: %v", p)
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Severity: SeverityError,
				Kind:     KindInternal,
				Class:    res.Class,
				Message:  res.Err.Error(),
			})
		}
		t.logResult(res)
	}()

	cf, err := classfile.Parse(original)
	if err != nil {
		res.Status = StatusMalformed
		res.Err = err
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Severity: SeverityError,
			Kind:     KindMalformedInput,
			Class:    res.Class,
			Message:  err.Error(),
		})
		return original, res
	}

	ctx := NewContext(t.hooks)
	ctx.BeginClass(cf)
	if res.Class != "" && res.Class != cf.ThisClass {
		ctx.Report(SeverityWarning, KindMalformedInput, nil, "declared as %s", res.Class)
	}
	res.Class = cf.ThisClass

	err = t.newPass(ctx, cf).run()
	res.Diagnostics = ctx.Diagnostics()
	res.Stats = ctx.Stats()
	switch {
	case errors.Is(err, ErrNoOpSkip):
		res.Status = StatusUnchanged
		return original, res
	case err != nil:
		return original, t.failed(res, err)
	case !ctx.IsModified():
		res.Status = StatusUnchanged
		return original, res
	}

	b, err := cf.Bytes()
	if err != nil {
		return original, t.failed(res, err)
	}
	res.Status = StatusRewritten
	return b, res
}

func (t *Transformer) failed(res *Result, err error) *Result {
	kind := KindInternal
	switch {
	case errors.Is(err, frames.ErrVerification), errors.Is(err, frames.ErrUnsupported), errors.Is(err, classfile.ErrCodeTooLarge):
		kind = KindVerificationFailure
	case errors.Is(err, classfile.ErrMalformed):
		kind = KindMalformedInput
	}
	res.Status = StatusFailed
	res.Err = err
	res.Stats = Stats{Skipped: res.Stats.Skipped, Conflicts: res.Stats.Conflicts}
	res.Diagnostics = append(res.Diagnostics, Diagnostic{
		Severity: SeverityError,
		Kind:     kind,
		Class:    res.Class,
		Message:  err.Error(),
	})
	return res
}

func (t *Transformer) logResult(res *Result) {
	for _, d := range res.Diagnostics {
		switch d.Severity {
		case SeverityDebug:
			t.log.Debug(d.Message, "class", d.Class, "method", d.Method, "kind", d.Kind.String())
		case SeverityInfo:
			t.log.Info(d.Message, "class", d.Class, "method", d.Method, "kind", d.Kind.String())
		case SeverityWarning:
			t.log.Warning(d.Message, "class", d.Class, "method", d.Method, "kind", d.Kind.String())
		default:
			t.log.Error(d.Message, "class", d.Class, "method", d.Method, "kind", d.Kind.String())
		}
	}
	switch res.Status {
	case StatusRewritten:
		t.log.Infof("%s: rewritten (%d edits)", res.Class, res.Stats.Total())
	case StatusUnchanged:
		t.log.Debugf("%s: unchanged", res.Class)
	default:
		t.log.Errorf("%s: %s, original bytes kept: %v", res.Class, res.Status, res.Err)
	}
}
