// Package flow partitions a decoded method body into basic blocks and
// exports them as a lattice control flow graph for rendering.
package flow

import (
	"fmt"
	"sort"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"github.com/kolkov/classweave/internal/classfile"
)

// Block is a run of instructions with a single entry point.
type Block struct {
	ID      int
	Start   int // index into Graph.Insns (inclusive)
	End     int // index into Graph.Insns (exclusive)
	Succs   []Succ
	IsEntry bool
	IsTerm  bool // ends with a return or athrow
}

// Succ is a control flow edge. Cond is "" for fallthrough and goto, "T" and
// "F" for the taken and not-taken arms of a conditional, "case N" and
// "default" for switch arms and "catch T" for exception edges.
type Succ struct {
	BlockID int
	Cond    string
}

// Graph is the control flow graph of one method.
type Graph struct {
	Name   string
	Blocks []Block
	Insns  []*classfile.Instr
}

// Build computes the basic blocks of code:
//  1. Leaders are index 0, branch and switch targets, handler entries,
//     exception range boundaries and the instruction after any block end.
//  2. Instructions are partitioned at leaders.
//  3. Successors come from each block's last instruction plus one catch
//     edge per handler covering the block.
func Build(name string, code *classfile.Code) Graph {
	insns := code.Insns
	if len(insns) == 0 {
		return Graph{Name: name}
	}
	index := make(map[*classfile.Instr]int, len(insns))
	for i, in := range insns {
		index[in] = i
	}
	leaders := map[int]bool{0: true}
	mark := func(in *classfile.Instr) {
		if i, ok := index[in]; ok {
			leaders[i] = true
		}
	}
	for i, in := range insns {
		switch {
		case in.Op.IsBranch():
			mark(in.Target)
		case in.Op.IsSwitch() && in.Switch != nil:
			mark(in.Switch.Default)
			for _, t := range in.Switch.Targets {
				mark(t)
			}
		}
		if (in.Op.EndsBlock() || in.Op.IsConditional()) && i+1 < len(insns) {
			leaders[i+1] = true
		}
	}
	for _, h := range code.Handlers {
		mark(h.Start)
		mark(h.End)
		mark(h.Handler)
	}

	sorted := make([]int, 0, len(leaders))
	for i := range leaders {
		sorted = append(sorted, i)
	}
	sort.Ints(sorted)

	blocks := make([]Block, len(sorted))
	blockOf := make(map[int]int, len(sorted))
	for i, start := range sorted {
		end := len(insns)
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		blocks[i] = Block{ID: i, Start: start, End: end, IsEntry: start == 0}
		blockOf[start] = i
	}
	target := func(in *classfile.Instr) (int, bool) {
		i, ok := index[in]
		if !ok {
			return 0, false
		}
		b, ok := blockOf[i]
		return b, ok
	}

	for bi := range blocks {
		b := &blocks[bi]
		last := insns[b.End-1]
		switch {
		case last.Op.IsReturn() || last.Op == classfile.ATHROW:
			b.IsTerm = true
		case last.Op.IsConditional():
			if t, ok := target(last.Target); ok {
				b.Succs = append(b.Succs, Succ{BlockID: t, Cond: "T"})
			}
			if next, ok := blockOf[b.End]; ok {
				b.Succs = append(b.Succs, Succ{BlockID: next, Cond: "F"})
			}
		case last.Op.IsBranch():
			if t, ok := target(last.Target); ok {
				b.Succs = append(b.Succs, Succ{BlockID: t})
			}
		case last.Op.IsSwitch() && last.Switch != nil:
			for k, arm := range last.Switch.Targets {
				key := last.Switch.Low + int32(k)
				if last.Op == classfile.LOOKUPSWITCH {
					key = last.Switch.Keys[k]
				}
				if t, ok := target(arm); ok {
					b.Succs = append(b.Succs, Succ{BlockID: t, Cond: fmt.Sprintf("case %d", key)})
				}
			}
			if t, ok := target(last.Switch.Default); ok {
				b.Succs = append(b.Succs, Succ{BlockID: t, Cond: "default"})
			}
		default:
			if next, ok := blockOf[b.End]; ok {
				b.Succs = append(b.Succs, Succ{BlockID: next})
			}
		}

		for _, h := range code.Handlers {
			s, ok := index[h.Start]
			if !ok {
				continue
			}
			e := len(insns)
			if h.End != nil {
				if e, ok = index[h.End]; !ok {
					continue
				}
			}
			if b.Start < s || b.Start >= e {
				continue
			}
			if t, ok := target(h.Handler); ok {
				catch := h.CatchType
				if catch == "" {
					catch = "any"
				}
				b.Succs = append(b.Succs, Succ{BlockID: t, Cond: "catch " + catch})
			}
		}
	}
	return Graph{Name: name, Blocks: blocks, Insns: insns}
}

// Lattice converts the graph for lattice rendering. Invoke instructions
// become call sites named owner.name descriptor.
func (g Graph) Lattice(pool *classfile.ConstantPool) *lattice.FuncCFG {
	out := &lattice.FuncCFG{Name: g.Name}
	for _, b := range g.Blocks {
		lb := &lattice.BasicBlock{
			ID:    b.ID,
			Start: b.Start,
			End:   b.End,
			Term:  b.IsTerm,
		}
		for _, s := range b.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: s.BlockID, Cond: s.Cond})
		}
		for i := b.Start; i < b.End; i++ {
			in := g.Insns[i]
			if !in.Op.IsInvoke() {
				continue
			}
			callee := in.Op.String()
			if in.Op == classfile.INVOKEDYNAMIC {
				if desc, err := pool.DynamicDescriptor(in.Index); err == nil {
					callee = "indy" + desc
				}
			} else if ref, err := pool.MemberRef(in.Index); err == nil {
				callee = ref.String()
			}
			lb.Calls = append(lb.Calls, lattice.CallSite{Offset: i, Callee: callee})
		}
		out.Blocks = append(out.Blocks, lb)
	}
	return out
}

// DOT renders the graphs of several methods as one Graphviz document.
func DOT(title string, pool *classfile.ConstantPool, graphs ...Graph) string {
	g := &lattice.CFGGraph{}
	for _, fg := range graphs {
		g.Funcs = append(g.Funcs, fg.Lattice(pool))
	}
	return render.DOTCFG(g, title)
}
