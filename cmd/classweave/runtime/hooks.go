// Package runtime describes the hook runtime that instrumented classes call.
//
// The engine never loads the runtime. It only emits invokestatic
// instructions against the contract defined here, so the hook class must
// be on the application's class path at run time. Validate checks a
// compiled hook class against the contract before a build relies on it.
package runtime

import (
	"errors"
	"fmt"
	"os"

	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/config"
	"github.com/kolkov/classweave/internal/match"
)

// Hook descriptors. The enter hook receives the declaring class, the
// method name plus descriptor, and the boxed arguments; it returns an
// opaque token that the exit hook receives back.
const (
	EnterDescriptor   = "(Ljava/lang/String;Ljava/lang/String;[Ljava/lang/Object;)Ljava/lang/Object;"
	ExitDescriptor    = "(Ljava/lang/Object;)V"
	ObserveDescriptor = "(Ljava/lang/Object;Ljava/lang/String;Ljava/lang/String;Ljava/lang/String;)V"
)

// ErrContract reports a hook or intermediary class that does not declare
// the methods instrumented code calls.
var ErrContract = errors.New("hook contract violated")

// Hooks names the hook class and its three static methods.
type Hooks struct {
	Class   string // internal name
	Enter   string
	Exit    string
	Observe string
}

// FromConfig converts the hooks section of a rule file.
func FromConfig(h config.Hooks) Hooks {
	return Hooks{
		Class:   match.InternalName(h.Class),
		Enter:   h.Enter,
		Exit:    h.Exit,
		Observe: h.Observe,
	}
}

// Default returns the hooks of the built-in configuration.
func Default() Hooks {
	return FromConfig(config.Default().Hooks)
}

// EnterRef returns the entry hook method.
func (h Hooks) EnterRef() match.MethodRef {
	return match.MethodRef{Owner: h.Class, Name: h.Enter, Descriptor: EnterDescriptor}
}

// ExitRef returns the exit hook method.
func (h Hooks) ExitRef() match.MethodRef {
	return match.MethodRef{Owner: h.Class, Name: h.Exit, Descriptor: ExitDescriptor}
}

// ObserveRef returns the return observer method.
func (h Hooks) ObserveRef() match.MethodRef {
	return match.MethodRef{Owner: h.Class, Name: h.Observe, Descriptor: ObserveDescriptor}
}

// IsEnter reports whether ref calls the entry hook.
func (h Hooks) IsEnter(ref classfile.MemberRef) bool {
	return ref.Owner == h.Class && ref.Name == h.Enter && ref.Descriptor == EnterDescriptor
}

// Validate checks that cf is the hook class and declares every hook as a
// public static method with the contract descriptor.
//
// Returns:
//   - nil if the class satisfies the contract
//   - ErrContract naming the first missing or mismatched method
func Validate(cf *classfile.ClassFile, h Hooks) error {
	if cf.ThisClass != h.Class {
		return fmt.Errorf("%w: class is %s, want %s", ErrContract, cf.ThisClass, h.Class)
	}
	for _, ref := range []match.MethodRef{h.EnterRef(), h.ExitRef(), h.ObserveRef()} {
		if err := requireStatic(cf, ref); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFiles reads compiled runtime classes from paths and checks them
// against rules: the hook class must be among them and satisfy Validate,
// and every replace rule whose intermediary class is among them must find
// its static replacement there. Intermediary classes not given are not
// checked.
func ValidateFiles(paths []string, h Hooks, rules []match.Rule) error {
	found := false
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read runtime class: %w", err)
		}
		cf, err := classfile.Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if cf.ThisClass == h.Class {
			if err := Validate(cf, h); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			found = true
		}
		for i := range rules {
			r := &rules[i]
			if r.Kind != match.ExactCallSite || r.Mode != match.ModeReplace || r.Intermediary.Owner != cf.ThisClass {
				continue
			}
			if err := validateShim(cf, r); err != nil {
				return fmt.Errorf("%s: %s: %w", path, r, err)
			}
		}
	}
	if !found {
		return fmt.Errorf("%w: hook class %s not among the runtime classes", ErrContract, h.Class)
	}
	return nil
}

// validateShim accepts the replacement of either an instance or a static
// target, since a rule does not say which one it redirects.
func validateShim(cf *classfile.ClassFile, r *match.Rule) error {
	err := ValidateIntermediary(cf, r, classfile.INVOKEVIRTUAL)
	if err != nil && ValidateIntermediary(cf, r, classfile.INVOKESTATIC) == nil {
		return nil
	}
	return err
}

// IntermediaryDescriptor returns the descriptor of the static method that
// replaces a call to target made with op. Virtual and interface calls
// pass the receiver as a leading argument.
func IntermediaryDescriptor(target match.MethodRef, op classfile.Opcode) (string, error) {
	mt, err := classfile.ParseMethodDescriptor(target.Descriptor)
	if err != nil {
		return "", err
	}
	switch op {
	case classfile.INVOKESTATIC:
	case classfile.INVOKEVIRTUAL, classfile.INVOKEINTERFACE:
		mt.Params = append([]string{classfile.ClassDescriptor(target.Owner)}, mt.Params...)
	default:
		return "", fmt.Errorf("%s calls cannot be redirected", op)
	}
	return mt.Descriptor(), nil
}

// ValidateIntermediary checks that cf declares the static replacement of
// rule for a call made with op.
func ValidateIntermediary(cf *classfile.ClassFile, rule *match.Rule, op classfile.Opcode) error {
	desc, err := IntermediaryDescriptor(rule.Target, op)
	if err != nil {
		return err
	}
	if cf.ThisClass != rule.Intermediary.Owner {
		return fmt.Errorf("%w: class is %s, want %s", ErrContract, cf.ThisClass, rule.Intermediary.Owner)
	}
	return requireStatic(cf, match.MethodRef{Owner: cf.ThisClass, Name: rule.Intermediary.Name, Descriptor: desc})
}

func requireStatic(cf *classfile.ClassFile, ref match.MethodRef) error {
	m := cf.FindMethod(ref.Name, ref.Descriptor)
	if m == nil {
		return fmt.Errorf("%w: missing %s", ErrContract, ref)
	}
	if !m.IsStatic() || m.AccessFlags&classfile.AccPublic == 0 {
		return fmt.Errorf("%w: %s must be public static", ErrContract, ref)
	}
	return nil
}
