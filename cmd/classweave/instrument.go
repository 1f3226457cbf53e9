// instrument.go implements the 'classweave instrument' command.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/classweave/cmd/classweave/instrument"
	"github.com/kolkov/classweave/cmd/classweave/runtime"
	"github.com/kolkov/classweave/internal/buildid"
	"github.com/kolkov/classweave/internal/config"
	"github.com/kolkov/classweave/internal/hierarchy"
	"github.com/kolkov/classweave/weave"
)

// instrumentCommand implements the 'classweave instrument' command.
//
// Flow:
//  1. Parse arguments (sources + flags)
//  2. Load the rule file and check the engine version it requires
//  3. Validate the hook class and shims if runtime classes are given
//  4. Read every class, build the class hierarchy and the build id
//  5. Transform all classes in parallel
//  6. Write the results, preserving relative paths
//
// Example:
//
//	classweave instrument build/classes
//	classweave instrument -o out -config weave.toml build/classes extra/Foo.class
func instrumentCommand(args []string) {
	cfg, err := parseInstrumentArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	configureLogging(cfg.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	summary, err := runInstrument(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Instrumented %d classes: %d rewritten, %d unchanged, %d malformed, %d failed\n",
		summary.Classes, summary.Rewritten, summary.Unchanged, summary.Malformed, summary.Failed)
	if cfg.verbose > 0 {
		s := summary.Stats
		fmt.Printf("  - %d methods wrapped\n", s.MethodsWrapped)
		fmt.Printf("  - %d calls replaced\n", s.CallsReplaced)
		fmt.Printf("  - %d returns observed\n", s.ReturnsObserved)
		fmt.Printf("  - %d fields and %d interfaces added\n", s.FieldsAdded, s.InterfacesAdded)
		if s.Skipped+s.Conflicts > 0 {
			fmt.Printf("  - %d edits skipped, %d dropped as conflicting\n", s.Skipped, s.Conflicts)
		}
		fmt.Printf("  Total: %d edits\n", s.Total())
	}
	if cfg.strict && summary.Failed+summary.Malformed > 0 {
		os.Exit(1)
	}
}

// instrumentConfig holds configuration for the instrument command.
type instrumentConfig struct {
	// Class files or directories to instrument
	sources []string

	// Output directory (-o); empty rewrites in place
	outputDir string

	// Rule file (-config); empty uses config.Default()
	configFile string

	// Hook and intermediary classes to validate (-runtime, repeatable)
	runtimeClasses []string

	// Build variant for the build id (-variant)
	variant string

	// Parallel workers (-j); 0 means GOMAXPROCS
	workers int

	// Exit non-zero when a class fails (-strict)
	strict bool

	// Number of -v flags
	verbose int
}

// parseInstrumentArgs parses command-line arguments for 'classweave
// instrument'. Flags take their value either as the next argument or
// after '='.
func parseInstrumentArgs(args []string) (*instrumentConfig, error) {
	cfg := &instrumentConfig{variant: buildid.DefaultVariant}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "-v" || arg == "--verbose" {
			cfg.verbose++
			continue
		}
		if arg == "-vv" {
			cfg.verbose += 2
			continue
		}
		if arg == "-strict" || arg == "--strict" {
			cfg.strict = true
			continue
		}

		if !strings.HasPrefix(arg, "-") {
			cfg.sources = append(cfg.sources, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-%s flag requires an argument", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "o":
			cfg.outputDir = value
		case "config":
			cfg.configFile = value
		case "runtime":
			cfg.runtimeClasses = append(cfg.runtimeClasses, value)
		case "variant":
			cfg.variant = value
		case "j":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("-j expects a non-negative number, got %q", value)
			}
			cfg.workers = n
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if len(cfg.sources) == 0 {
		cfg.sources = []string{"."}
	}
	if cfg.variant == "" {
		return nil, errors.New("-variant must not be empty")
	}
	return cfg, nil
}

// loadRules reads the rule file, or returns the built-in rules.
func loadRules(path string) (*config.File, error) {
	if path == "" {
		return config.Default(), nil
	}
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := f.CheckEngine(weave.Version); err != nil {
		return nil, err
	}
	return f, nil
}

// classEntry is one class file found under a source.
type classEntry struct {
	path string // on disk
	rel  string // relative to its source root, slash separated
}

// collectClasses finds all .class files under sources. A source may be a
// directory (walked recursively) or a single class file.
func collectClasses(sources []string) ([]classEntry, error) {
	var entries []classEntry
	seen := make(map[string]bool)

	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", src, err)
		}

		if !info.IsDir() {
			if !strings.HasSuffix(src, ".class") {
				return nil, fmt.Errorf("%s is not a class file", src)
			}
			entries = append(entries, classEntry{path: src, rel: filepath.Base(src)})
			continue
		}

		err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".class") {
				return nil
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if seen[rel] {
				return fmt.Errorf("class %s found in more than one source", rel)
			}
			seen[rel] = true
			entries = append(entries, classEntry{path: path, rel: rel})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("cannot read directory %s: %w", src, err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

// runInstrument performs the instrument command once sources are known.
func runInstrument(ctx context.Context, cfg *instrumentConfig) (instrument.Summary, error) {
	var none instrument.Summary

	rules, err := loadRules(cfg.configFile)
	if err != nil {
		return none, err
	}
	hooks := runtime.FromConfig(rules.Hooks)
	rs, err := rules.RuleSet()
	if err != nil {
		return none, err
	}
	if len(cfg.runtimeClasses) > 0 {
		if err := runtime.ValidateFiles(cfg.runtimeClasses, hooks, rs.Rules()); err != nil {
			return none, err
		}
	}

	entries, err := collectClasses(cfg.sources)
	if err != nil {
		return none, err
	}
	if len(entries) == 0 {
		return none, errors.New("no class files found")
	}

	inputs, err := readClasses(ctx, entries, cfg.workers)
	if err != nil {
		return none, err
	}

	classes := make(map[string][]byte, len(inputs))
	all := make([][]byte, 0, len(inputs))
	for _, in := range inputs {
		classes[in.Name] = in.Bytes
		all = append(all, in.Bytes)
	}
	h := hierarchy.FromClasses(all...)
	log.Debugf("class hierarchy of %d types", h.Len())

	id, err := buildid.FromClasses(classes)
	if err != nil {
		return none, err
	}
	ids := buildid.NewRegistry()
	if err := ids.Set(cfg.variant, id); err != nil {
		return none, err
	}
	ids.Freeze()
	log.Infof("build id %s for variant %s", id, cfg.variant)

	rb := rules.BuildID
	rb.Variant = cfg.variant
	tr, err := instrument.New(instrument.Options{
		Rules:     rs,
		Hooks:     hooks,
		Hierarchy: h,
		BuildIDs:  ids,
		BuildID:   rb,
		Logger:    commonlog.GetLogger("classweave.instrument"),
	})
	if err != nil {
		return none, err
	}

	outs, err := tr.TransformAll(ctx, inputs, cfg.workers)
	if err != nil {
		return none, err
	}
	if err := writeClasses(ctx, cfg.outputDir, entries, outs, cfg.workers); err != nil {
		return none, err
	}
	return instrument.Summarize(outs), nil
}

// readClasses loads entries in parallel. Input names are the relative
// paths, so they line up with the class names of a classes directory.
func readClasses(ctx context.Context, entries []classEntry, workers int) ([]instrument.Input, error) {
	inputs := make([]instrument.Input, len(entries))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, e := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := os.ReadFile(e.path)
			if err != nil {
				return err
			}
			inputs[i] = instrument.Input{Name: e.rel, Bytes: b}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

// writeClasses writes every output under dir at its relative path. In place
// mode (dir empty) only rewritten classes are written back.
func writeClasses(ctx context.Context, dir string, entries []classEntry, outs []instrument.Output, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, o := range outs {
		rewritten := o.Result != nil && o.Result.Status == instrument.StatusRewritten
		if dir == "" && !rewritten {
			continue
		}
		dst := entries[i].path
		if dir != "" {
			dst = filepath.Join(dir, filepath.FromSlash(entries[i].rel))
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", dst, err)
			}
			if err := os.WriteFile(dst, o.Bytes, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", dst, err)
			}
			return nil
		})
	}
	return g.Wait()
}
