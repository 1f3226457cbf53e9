// Package main implements the classweave CLI tool.
//
// The classweave tool instruments compiled JVM class files at build time.
// It works by:
//
//  1. Collecting the .class files of a build (directories or single files)
//  2. Matching them against a rule file (or the built-in rules)
//  3. Rewriting matched methods, call sites and classes to call the hook
//     runtime
//  4. Writing the rewritten classes to an output directory
//
// Usage:
//
//	classweave instrument -o out/ build/classes    # Instrument a build
//	classweave inspect Main.class                  # Show matches and code
//	classweave cfg -m run Main.class > run.dot     # Control flow graph
//	classweave buildid build/classes               # Print the build id
//
// The engine is bytes in, bytes out: a class that no rule applies to, or
// that cannot be rewritten safely, is written back byte-for-byte.
package main

import (
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/kolkov/classweave/weave"
)

var log = commonlog.GetLogger("classweave.cli")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "instrument":
		instrumentCommand(os.Args[2:])
	case "inspect":
		inspectCommand(os.Args[2:])
	case "cfg":
		cfgCommand(os.Args[2:])
	case "buildid":
		buildIDCommand(os.Args[2:])
	case "version", "--version":
		info := weave.GetInfo()
		fmt.Printf("classweave version %s (hooks %s)\n", info.Version, info.Hooks)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// configureLogging maps the number of -v flags onto commonlog verbosity:
// none prints warnings and errors, -v adds per-class info, -v -v debug.
func configureLogging(verbose int) {
	if verbose == 0 {
		verbose = -1
	}
	commonlog.Configure(verbose, nil)
}

func printUsage() {
	fmt.Print(`classweave - build-time JVM bytecode instrumentation

USAGE:
    classweave <command> [arguments]

COMMANDS:
    instrument   Rewrite the class files of a build
    inspect      Show rule matches and code of class files
    cfg          Print the control flow graph of methods as Graphviz DOT
    buildid      Print the build id of a classes directory
    version      Show version information
    help         Show this help message

EXAMPLES:
    # Instrument a build with the built-in rules
    classweave instrument -o build/woven build/classes

    # Use a rule file and check the hook runtime first
    classweave instrument -config weave.toml -runtime libs/MethodHooks.class -o out classes

    # See which rules match a class
    classweave inspect -config weave.yaml build/classes/app/Main.class

    # Render one method
    classweave cfg -m onCreate app/MainActivity.class | dot -Tsvg > cfg.svg

INSTRUMENT FLAGS:
    -o DIR           Output directory (default: rewrite in place)
    -config FILE     Rule file (.toml, .yaml or .yml); default built-in rules
    -runtime FILE    Hook or intermediary class to validate (repeatable)
    -variant NAME    Build variant for the build id (default "main")
    -j N             Parallel workers (default: number of CPUs)
    -strict          Exit with status 1 if any class failed
    -v               Verbose output (repeat for debug)

ABOUT:
    classweave injects entry/exit tracing around annotated methods,
    redirects exact call sites to static intermediaries, observes return
    values and decorates classes with a sentinel so that a second run is
    a no-op. Every rewritten method gets fresh max stack, max locals and
    StackMapTable entries so the result passes the JVM verifier.

`)
}
