package weave_test

import (
	"fmt"

	"github.com/kolkov/classweave/weave"
)

// Example shows that bytes which are not a class file are reported and
// handed back untouched.
func Example() {
	in := []byte("not a class")
	out, changed, err := weave.Transform("app.Main", in)

	fmt.Println(changed, err != nil, string(out))

	// Output:
	// false true not a class
}

// ExampleGetInfo prints the hook class the built-in rules call.
func ExampleGetInfo() {
	fmt.Println(weave.GetInfo().Hooks)

	// Output:
	// com/newrelic/agent/android/instrumentation/MethodHooks
}
