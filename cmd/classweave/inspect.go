// inspect.go implements the 'classweave inspect' and 'classweave cfg'
// commands.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/flow"
	"github.com/kolkov/classweave/internal/match"
)

// inspectCommand prints the rule matches and the code of class files.
//
// Example:
//
//	classweave inspect app/Main.class
//	classweave inspect -config weave.toml -code app/Main.class
func inspectCommand(args []string) {
	opts, files, err := parseViewArgs(args, "config", "m")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	rules, err := loadRules(opts["config"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	rs, err := rules.RuleSet()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	failed := false
	for _, path := range files {
		cf, err := readClass(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			failed = true
			continue
		}
		res, err := rs.Match(cf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			failed = true
			continue
		}
		describe(os.Stdout, cf, res, opts["m"], opts["code"] != "")
	}
	if failed {
		os.Exit(1)
	}
}

// cfgCommand prints the control flow graphs of a class's methods as DOT.
//
// Example:
//
//	classweave cfg app/Main.class
//	classweave cfg -m run app/Main.class | dot -Tsvg > run.svg
func cfgCommand(args []string) {
	opts, files, err := parseViewArgs(args, "m")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(files) != 1 {
		fmt.Fprintln(os.Stderr, "Error: cfg expects exactly one class file")
		os.Exit(1)
	}
	cf, err := readClass(files[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	graphs := methodGraphs(cf, opts["m"])
	if len(graphs) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no method with code matches %q\n", opts["m"])
		os.Exit(1)
	}
	fmt.Print(flow.DOT(cf.ThisClass, cf.Pool, graphs...))
}

// parseViewArgs parses "-name value" flags for the read-only commands.
// "-code" is a boolean flag; every other allowed flag takes a value.
func parseViewArgs(args []string, allowed ...string) (map[string]string, []string, error) {
	opts := make(map[string]string)
	var files []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			files = append(files, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "code" {
			opts[name] = "true"
			continue
		}
		ok := false
		for _, a := range allowed {
			ok = ok || a == name
		}
		if !ok {
			return nil, nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("-%s flag requires an argument", name)
			}
			i++
			value = args[i]
		}
		opts[name] = value
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no class files given")
	}
	return opts, files, nil
}

func readClass(path string) (*classfile.ClassFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cf, err := classfile.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cf, nil
}

// methodGraphs builds the graphs of the methods named method, or of every
// method with code when method is empty.
func methodGraphs(cf *classfile.ClassFile, method string) []flow.Graph {
	var graphs []flow.Graph
	for _, m := range cf.Methods {
		if m.Code == nil || (method != "" && m.Name != method) {
			continue
		}
		graphs = append(graphs, flow.Build(m.Key(), m.Code))
	}
	return graphs
}

// describe writes a javap-style summary of cf annotated with res.
func describe(w io.Writer, cf *classfile.ClassFile, res *match.Results, method string, code bool) {
	fmt.Fprintf(w, "class %s extends %s (version %d.%d)\n", cf.ThisClass, cf.SuperClass, cf.MajorVersion, cf.MinorVersion)
	if len(cf.Interfaces) > 0 {
		fmt.Fprintf(w, "  implements %s\n", strings.Join(cf.Interfaces, ", "))
	}
	switch {
	case res.Excluded:
		fmt.Fprintln(w, "  excluded")
	case res.Sentinel:
		fmt.Fprintln(w, "  already instrumented (sentinel present)")
	}
	if res.Decorate != nil {
		fmt.Fprintf(w, "  decorate: %s\n", res.Decorate)
	}
	for _, f := range cf.Fields {
		fmt.Fprintf(w, "  field %s %s\n", f.Name, f.Descriptor)
	}

	traced := make(map[*classfile.Method]*match.Rule)
	for _, mm := range res.Traced {
		traced[mm.Method] = mm.Rule
	}
	sites := make(map[*classfile.Instr]*match.Rule)
	for _, cs := range res.CallSites {
		sites[cs.Insn] = cs.Rule
	}

	for _, m := range cf.Methods {
		if method != "" && m.Name != method {
			continue
		}
		fmt.Fprintf(w, "  method %s", m.Key())
		if m.Code != nil {
			fmt.Fprintf(w, " stack=%d locals=%d insns=%d", m.Code.MaxStack, m.Code.MaxLocals, len(m.Code.Insns))
		}
		if r := traced[m]; r != nil {
			fmt.Fprintf(w, "  <- %s", r)
		}
		fmt.Fprintln(w)
		if m.Code == nil {
			continue
		}
		for i, in := range m.Code.Insns {
			r := sites[in]
			if !code && r == nil {
				continue
			}
			fmt.Fprintf(w, "    %4d: %s", i, in)
			if in.Op.IsInvoke() && in.Op != classfile.INVOKEDYNAMIC {
				if ref, err := cf.Pool.MemberRef(in.Index); err == nil {
					fmt.Fprintf(w, " %s", ref)
				}
			}
			if r != nil {
				fmt.Fprintf(w, "  <- %s", r)
			}
			fmt.Fprintln(w)
		}
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "  skipped: %s\n", s)
	}
}
