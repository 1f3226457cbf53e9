// Package hierarchy records superclass and interface facts about the classes
// of a build, for merging reference types during frame computation.
//
// A Hierarchy is populated during a pre-pass over every class, then frozen
// and shared read-only by all concurrent transforms.
package hierarchy

import (
	"errors"
	"sync"

	"github.com/hashicorp/golang-lru/v2"

	"github.com/kolkov/classweave/internal/classfile"
)

// Object is the root of every class hierarchy.
const Object = "java/lang/Object"

// ErrFrozen is returned when adding to a frozen hierarchy.
var ErrFrozen = errors.New("hierarchy is frozen")

type entry struct {
	super string
	iface bool
}

// well-known JDK types that appear as catch types and merge points
var builtins = map[string]entry{
	Object:                       {},
	"java/lang/Throwable":        {super: Object},
	"java/lang/Exception":        {super: "java/lang/Throwable"},
	"java/lang/Error":            {super: "java/lang/Throwable"},
	"java/lang/RuntimeException": {super: "java/lang/Exception"},
	"java/lang/String":           {super: Object},
	"java/lang/Number":           {super: Object},
	"java/lang/Integer":          {super: "java/lang/Number"},
	"java/lang/Long":             {super: "java/lang/Number"},
	"java/lang/Float":            {super: "java/lang/Number"},
	"java/lang/Double":           {super: "java/lang/Number"},
	"java/lang/Short":            {super: "java/lang/Number"},
	"java/lang/Byte":             {super: "java/lang/Number"},
	"java/lang/Boolean":          {super: Object},
	"java/lang/Character":        {super: Object},
	"java/io/IOException":        {super: "java/lang/Exception"},
	"java/lang/Runnable":         {super: Object, iface: true},
	"java/lang/Comparable":       {super: Object, iface: true},
	"java/lang/CharSequence":     {super: Object, iface: true},
	"java/io/Serializable":       {super: Object, iface: true},
	"java/lang/Cloneable":        {super: Object, iface: true},
}

// Hierarchy maps class names to their direct supertypes.
//
// Thread Safety: Add and Freeze may race with readers; readers are safe for
// concurrent use. The ancestor memo is an internally synchronised LRU.
type Hierarchy struct {
	mu      sync.RWMutex
	classes map[string]entry
	frozen  bool

	chains *lru.Cache[string, []string]
}

// New returns a hierarchy preloaded with the common JDK types.
func New() *Hierarchy {
	chains, err := lru.New[string, []string](4096)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	h := &Hierarchy{classes: make(map[string]entry, len(builtins)), chains: chains}
	for name, e := range builtins {
		h.classes[name] = e
	}
	return h
}

// Add records name with its superclass. Re-adding a class replaces its
// entry.
func (h *Hierarchy) Add(name, super string, iface bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frozen {
		return ErrFrozen
	}
	if super == "" && name != Object {
		super = Object
	}
	h.classes[name] = entry{super: super, iface: iface}
	h.chains.Purge()
	return nil
}

// AddClass records a parsed class.
func (h *Hierarchy) AddClass(cf *classfile.ClassFile) error {
	return h.Add(cf.ThisClass, cf.SuperClass, cf.IsInterface())
}

// FromClasses returns a frozen hierarchy of the given class files. Bytes
// that do not parse are skipped.
func FromClasses(classes ...[]byte) *Hierarchy {
	h := New()
	for _, b := range classes {
		cf, err := classfile.Parse(b)
		if err != nil {
			continue
		}
		_ = h.AddClass(cf) // not frozen yet
	}
	h.Freeze()
	return h
}

// Freeze makes the hierarchy read-only.
func (h *Hierarchy) Freeze() {
	h.mu.Lock()
	h.frozen = true
	h.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (h *Hierarchy) Frozen() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frozen
}

// Len returns the number of known classes.
func (h *Hierarchy) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.classes)
}

// SuperClass returns the direct superclass of name.
func (h *Hierarchy) SuperClass(name string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.classes[name]
	return e.super, ok
}

// IsInterface reports whether name is a known interface.
func (h *Hierarchy) IsInterface(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.classes[name].iface
}

// ancestors returns name followed by its superclasses up to
// java/lang/Object. ok is false when the chain passes through a class the
// hierarchy does not know.
func (h *Hierarchy) ancestors(name string) ([]string, bool) {
	if chain, ok := h.chains.Get(name); ok {
		return chain, chain[len(chain)-1] == Object
	}
	h.mu.RLock()
	var chain []string
	seen := make(map[string]bool)
	for cur := name; cur != "" && !seen[cur]; {
		seen[cur] = true
		chain = append(chain, cur)
		e, ok := h.classes[cur]
		if !ok {
			break
		}
		cur = e.super
	}
	h.mu.RUnlock()
	h.chains.Add(name, chain)
	return chain, chain[len(chain)-1] == Object
}

// CommonSuperClass returns the most specific class that is a superclass of
// both a and b. Interfaces merge to java/lang/Object. ok is false when the
// ancestry of a or b is not fully known, since any answer would be a guess.
func (h *Hierarchy) CommonSuperClass(a, b string) (string, bool) {
	if a == b {
		return a, true
	}
	if a == Object || b == Object || h.IsInterface(a) || h.IsInterface(b) {
		return Object, true
	}
	ca, okA := h.ancestors(a)
	cb, okB := h.ancestors(b)
	if !okA || !okB {
		return "", false
	}
	inA := make(map[string]bool, len(ca))
	for _, n := range ca {
		inA[n] = true
	}
	for _, n := range cb {
		if inA[n] {
			return n, true
		}
	}
	return Object, true
}
