// Package weave instruments compiled JVM class files at build time.
//
// Given the bytes of a class, the engine statically rewrites selected
// methods and call sites to call a monitoring hook runtime, then repairs
// the verifier metadata (max stack, max locals, StackMapTable) so that the
// result loads on a stock JVM or Android runtime. No source is needed.
//
// # Quick Start
//
// The classweave tool instruments a whole build:
//
//	$ classweave instrument -o build/woven build/classes
//
// Library use for a single class:
//
//	out, changed, err := weave.Transform("app.MainActivity", classBytes)
//	if err != nil {
//		// out is classBytes; the class is kept as compiled
//	}
//
// # Rules
//
// Three kinds of rules select what to rewrite:
//   - annotated-method: wrap every method carrying a marker annotation (or
//     declared in a class carrying it) with entry and exit hooks, unless
//     it carries the opt-out marker
//   - exact-call-site: at every call of one owner.name(descriptor), either
//     replace the call with a static intermediary or observe its result
//   - decorate-class: add the sentinel field and interface to classes of
//     a given name or direct superclass
//
// The built-in rules trace @Trace methods, decorate activities and
// fragments, redirect URL.openConnection and observe HTTP status codes.
// A TOML or YAML rule file replaces them; see [TransformConfig].
//
// # Guarantees
//
// The engine is bytes in, bytes out:
//   - A class no rule applies to comes back as the same slice
//   - A class that cannot be rewritten safely comes back unchanged, with
//     the reason in the returned error
//   - Running the engine over its own output changes nothing
//   - Every path out of a traced method, normal or exceptional, calls the
//     exit hook exactly once
//
// # Hook Runtime
//
// Instrumented classes call public static methods of the hook class:
//
//	Object enterMethod(String className, String method, Object[] args)
//	void   exitMethod(Object token)
//	void   observeReturn(Object value, String owner, String name, String desc)
//
// The hook class is not part of this module; it must be on the
// application's class path at run time.
package weave
