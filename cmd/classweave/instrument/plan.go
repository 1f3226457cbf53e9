// Package instrument - Edit plans.
//
// Edits are recorded first and applied second, so a method is never
// mutated while its instructions are being scanned. A plan groups every
// edit for one method (or for the class itself), rejects edits that
// conflict with one already recorded, and orders the rest by a fixed
// priority: call-site replacement, then return observation, then the
// trace wrap.
package instrument

import (
	"fmt"
	"sort"

	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/match"
)

// EditKind identifies an edit operation. Method edits are numbered in
// application priority order.
type EditKind int

const (
	EditAddField EditKind = iota
	EditAddInterface
	EditStampBuildID
	EditReplaceCall
	EditObserveReturn
	EditWrapTrace
)

func (k EditKind) String() string {
	switch k {
	case EditAddField:
		return "add-field"
	case EditAddInterface:
		return "add-interface"
	case EditStampBuildID:
		return "stamp-build-id"
	case EditReplaceCall:
		return "replace-call"
	case EditObserveReturn:
		return "observe-return"
	case EditWrapTrace:
		return "wrap-trace"
	}
	return fmt.Sprintf("edit(%d)", int(k))
}

// EditOp is one edit.
type EditOp struct {
	Kind EditKind

	// Insn is the call instruction for call-site edits.
	Insn *classfile.Instr

	// Ref is the call target as matched, before any replacement.
	Ref classfile.MemberRef

	// Rule is the rule that requested the edit, nil for build id stamping.
	Rule *match.Rule

	// Name, Descriptor and Value describe class-level additions.
	Name       string
	Descriptor string
	Value      string

	order int // position in the instruction stream when planned
}

// target returns a key identifying what the edit modifies.
func (op EditOp) target() any {
	if op.Insn != nil {
		return op.Insn
	}
	return op.Name
}

// EditPlan is the ordered list of edits for one method, or for the class
// when Method is nil.
type EditPlan struct {
	Method *classfile.Method
	Ops    []EditOp
}

// Empty reports whether the plan has no operations.
func (p *EditPlan) Empty() bool {
	return p == nil || len(p.Ops) == 0
}

// Has reports whether the plan contains an edit of kind k.
func (p *EditPlan) Has(k EditKind) bool {
	for _, op := range p.Ops {
		if op.Kind == k {
			return true
		}
	}
	return false
}

// Add records op. It returns ErrConflictingEdit when an edit of the same
// kind already targets the same instruction, method or member: two
// replacements of one call, two observations of one result, two wraps of
// one method or two additions of one field. Replacement and observation
// of the same call compose and are both kept.
func (p *EditPlan) Add(op EditOp) error {
	if op.Insn != nil && p.Method != nil && p.Method.Code != nil {
		op.order = p.Method.Code.IndexOf(op.Insn)
	}
	for _, have := range p.Ops {
		if have.Kind == op.Kind && have.target() == op.target() {
			return fmt.Errorf("%w: %s already planned by %s", ErrConflictingEdit, op.Kind, ruleName(have.Rule))
		}
	}
	p.Ops = append(p.Ops, op)
	return nil
}

// Sort orders the operations by priority, then by instruction position.
func (p *EditPlan) Sort() {
	sort.SliceStable(p.Ops, func(i, j int) bool {
		a, b := p.Ops[i], p.Ops[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.order < b.order
	})
}

func ruleName(r *match.Rule) string {
	if r == nil {
		return "build id"
	}
	return r.String()
}
