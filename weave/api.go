// Package weave provides the public API of the classweave engine.
//
// See doc.go for detailed documentation and examples.
package weave

import (
	"context"
	"fmt"
	"sync"

	"github.com/kolkov/classweave/cmd/classweave/instrument"
	"github.com/kolkov/classweave/cmd/classweave/runtime"
	"github.com/kolkov/classweave/internal/config"
	"github.com/kolkov/classweave/internal/hierarchy"
)

var (
	defaultOnce sync.Once
	defaultT    *instrument.Transformer
	defaultErr  error
)

func defaultTransformer() (*instrument.Transformer, error) {
	defaultOnce.Do(func() {
		rs, err := config.Default().RuleSet()
		if err != nil {
			defaultErr = err
			return
		}
		defaultT, defaultErr = instrument.New(instrument.Options{Rules: rs})
	})
	return defaultT, defaultErr
}

// Transform rewrites one class with the built-in rules.
//
// Parameters:
//   - className: Name of the class in dotted, internal or path form
//   - class: The class file bytes
//
// Returns:
//   - The rewritten bytes, or class itself when no rule applies
//   - changed: whether the bytes were rewritten
//   - An error when the class is malformed or could not be rewritten
//     safely; the returned bytes are then class itself
//
// Example:
//
//	out, changed, err := weave.Transform("app.MainActivity", b)
//	if err != nil {
//		log.Printf("kept original: %v", err)
//	}
func Transform(className string, class []byte) (out []byte, changed bool, err error) {
	t, err := defaultTransformer()
	if err != nil {
		return class, false, err
	}
	out, res := t.Transform(className, class)
	switch res.Status {
	case instrument.StatusRewritten:
		return out, true, nil
	case instrument.StatusUnchanged:
		return out, false, nil
	}
	return out, false, fmt.Errorf("%s: %s: %w", res.Class, res.Status, res.Err)
}

// TransformConfig rewrites classes with the rule file at path.
//
// Classes are keyed by name; the result holds every class, rewritten or
// not. The classes together form the hierarchy used to merge reference
// types, so a build's classes belong in one call. A per-class failure
// keeps that class's original bytes and is reported through the
// "classweave.instrument" logger; the returned error only covers the rule
// file and cancellation.
func TransformConfig(ctx context.Context, path string, classes map[string][]byte) (map[string][]byte, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := f.CheckEngine(Version); err != nil {
		return nil, err
	}
	rs, err := f.RuleSet()
	if err != nil {
		return nil, err
	}

	inputs := make([]instrument.Input, 0, len(classes))
	all := make([][]byte, 0, len(classes))
	for name, b := range classes {
		inputs = append(inputs, instrument.Input{Name: name, Bytes: b})
		all = append(all, b)
	}
	t, err := instrument.New(instrument.Options{
		Rules:     rs,
		Hooks:     runtime.FromConfig(f.Hooks),
		Hierarchy: hierarchy.FromClasses(all...),
	})
	if err != nil {
		return nil, err
	}
	outs, err := t.TransformAll(ctx, inputs, 0)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(outs))
	for _, o := range outs {
		result[o.Name] = o.Bytes
	}
	return result, nil
}
