// Package config loads rule files for the instrumentation engine.
//
// A rule file is TOML or YAML, chosen by extension:
//
//	engine = "v0.3.0"
//	exclude = ["com/example/generated/"]
//
//	[hooks]
//	class = "com/newrelic/agent/android/instrumentation/MethodHooks"
//
//	[[rules]]
//	kind = "annotated-method"
//	marker = "com.newrelic.agent.android.instrumentation.Trace"
//	exclude_marker = "com.newrelic.agent.android.instrumentation.SkipTrace"
//
//	[[rules]]
//	kind = "exact-call-site"
//	owner = "java/net/URL"
//	method = "openConnection"
//	descriptor = "()Ljava/net/URLConnection;"
//	intermediary = "com/newrelic/agent/android/instrumentation/URLConnectionInstrumentation.openConnection"
//
// Unknown keys are rejected in both formats. Missing hooks and sentinel
// names take their defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/classweave/internal/match"
)

var (
	// ErrFormat reports an unsupported rule file extension.
	ErrFormat = errors.New("unsupported rule file format")

	// ErrEngine reports a rule file that requires a newer engine.
	ErrEngine = errors.New("rule file requires a newer engine")
)

// Format is a rule file syntax.
type Format int

const (
	TOML Format = iota
	YAML
)

func (f Format) String() string {
	if f == YAML {
		return "yaml"
	}
	return "toml"
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrFormat, filepath.Ext(path))
}

// File is a decoded rule file.
type File struct {
	// Engine is the minimum engine version the rules need, as semver.
	Engine   string   `toml:"engine" yaml:"engine"`
	Hooks    Hooks    `toml:"hooks" yaml:"hooks"`
	Sentinel Sentinel `toml:"sentinel" yaml:"sentinel"`
	BuildID  BuildID  `toml:"build_id" yaml:"build_id"`
	Exclude  []string `toml:"exclude" yaml:"exclude"`
	Rules    []Rule   `toml:"rules" yaml:"rules"`

	// Path is the file the rules were read from (set at load time).
	Path string `toml:"-" yaml:"-"`
}

// Hooks names the hook runtime class and its static methods.
type Hooks struct {
	Class   string `toml:"class" yaml:"class"`
	Enter   string `toml:"enter" yaml:"enter"`
	Exit    string `toml:"exit" yaml:"exit"`
	Observe string `toml:"observe" yaml:"observe"`
}

// Sentinel names the idempotence markers written into decorated classes.
type Sentinel struct {
	Field     string `toml:"field" yaml:"field"`
	Type      string `toml:"type" yaml:"type"`
	Interface string `toml:"interface" yaml:"interface"`
}

// BuildID names the generated static field that carries the build id and
// the class that declares it. An empty Class disables stamping.
type BuildID struct {
	Class   string `toml:"class" yaml:"class"`
	Field   string `toml:"field" yaml:"field"`
	Variant string `toml:"variant" yaml:"variant"`
}

// Rule is one entry of the rules list. Fields apply per kind as for
// match.Rule.
type Rule struct {
	Name          string `toml:"name" yaml:"name"`
	Kind          string `toml:"kind" yaml:"kind"`
	Marker        string `toml:"marker" yaml:"marker"`
	ExcludeMarker string `toml:"exclude_marker" yaml:"exclude_marker"`
	Owner         string `toml:"owner" yaml:"owner"`
	Method        string `toml:"method" yaml:"method"`
	Descriptor    string `toml:"descriptor" yaml:"descriptor"`
	Mode          string `toml:"mode" yaml:"mode"`
	Intermediary  string `toml:"intermediary" yaml:"intermediary"` // owner.method
	Class         string `toml:"class" yaml:"class"`
	SuperClass    string `toml:"superclass" yaml:"superclass"`
}

// Load reads and decodes the rule file at path.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse decodes a rule file from data.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case TOML:
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrFormat, format)
	}
	f.applyDefaults()
	return &f, nil
}

func (f *File) applyDefaults() {
	d := Default()
	setDefault(&f.Hooks.Class, d.Hooks.Class)
	setDefault(&f.Hooks.Enter, d.Hooks.Enter)
	setDefault(&f.Hooks.Exit, d.Hooks.Exit)
	setDefault(&f.Hooks.Observe, d.Hooks.Observe)
	setDefault(&f.Sentinel.Field, d.Sentinel.Field)
	setDefault(&f.Sentinel.Type, d.Sentinel.Type)
	setDefault(&f.Sentinel.Interface, d.Sentinel.Interface)
	setDefault(&f.BuildID.Field, d.BuildID.Field)
	setDefault(&f.BuildID.Variant, d.BuildID.Variant)
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// CheckEngine verifies that current satisfies the file's engine
// requirement. A file without a requirement accepts any engine.
func (f *File) CheckEngine(current string) error {
	if f.Engine == "" {
		return nil
	}
	want, have := canonicalVersion(f.Engine), canonicalVersion(current)
	if !semver.IsValid(want) {
		return fmt.Errorf("invalid engine version %q", f.Engine)
	}
	if !semver.IsValid(have) {
		return fmt.Errorf("invalid current engine version %q", current)
	}
	if semver.Compare(have, want) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrEngine, have, want)
	}
	return nil
}

func canonicalVersion(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// MatchRules converts the rules for the matcher.
func (f *File) MatchRules() ([]match.Rule, error) {
	out := make([]match.Rule, 0, len(f.Rules))
	for i, r := range f.Rules {
		kind, err := match.ParseKind(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		mode, err := match.ParseMode(r.Mode)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		mr := match.Rule{
			Kind:          kind,
			Name:          r.Name,
			Marker:        r.Marker,
			ExcludeMarker: r.ExcludeMarker,
			Target:        match.MethodRef{Owner: r.Owner, Name: r.Method, Descriptor: r.Descriptor},
			Mode:          mode,
			Class:         r.Class,
			SuperClass:    r.SuperClass,
		}
		if r.Intermediary != "" {
			dot := strings.LastIndexByte(r.Intermediary, '.')
			if dot <= 0 || dot == len(r.Intermediary)-1 {
				return nil, fmt.Errorf("rule %d: %w: intermediary %q is not owner.method", i, match.ErrInvalidRule, r.Intermediary)
			}
			mr.Intermediary = match.MethodRef{Owner: r.Intermediary[:dot], Name: r.Intermediary[dot+1:]}
		}
		out = append(out, mr)
	}
	return out, nil
}

// Options returns the matcher options for the file's hooks, sentinel and
// exclusions. The hook class is always excluded.
func (f *File) Options() match.Options {
	hooks := match.InternalName(f.Hooks.Class)
	return match.Options{
		Sentinel: match.Sentinel{
			Field:     f.Sentinel.Field,
			FieldType: f.Sentinel.Type,
			Interface: match.InternalName(f.Sentinel.Interface),
		},
		Exclude:   append(append([]string(nil), f.Exclude...), hooks),
		Observer:  match.MethodRef{Owner: hooks, Name: f.Hooks.Observe},
		EnterHook: match.MethodRef{Owner: hooks, Name: f.Hooks.Enter},
	}
}

// RuleSet builds the immutable rule set described by the file.
func (f *File) RuleSet() (*match.RuleSet, error) {
	rules, err := f.MatchRules()
	if err != nil {
		return nil, err
	}
	return match.NewRuleSet(rules, f.Options())
}
