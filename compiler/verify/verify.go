package verify

import (
	"context"
	"sort"

	"tlog.app/go/tlog"

	"github.com/Dufgui/graal/compiler/diag"
	"github.com/Dufgui/graal/compiler/frame"
	"github.com/Dufgui/graal/compiler/graph"
	"github.com/Dufgui/graal/compiler/set"
)

type (
	// Phase checks that frame slot tags match at all control flow merges
	// and redirects offending incoming edges to deoptimizing exits.
	//
	// For indexed slots a merge predecessor may still carry the initial,
	// unmodified tag of the slot. That case is resolved by widening the
	// frame's declared tag so the merge succeeds.
	Phase struct {
		Method string
		Warn   *diag.Handler
		Spec   frame.SpeculationLog

		g *graph.Graph

		// tag locations that already reported a performance warning
		reported set.Bitmap

		// frame node -> merge end node -> conflicting slot index
		deoptEnds map[graph.ID]map[graph.ID]int
	}

	// Conflict is one irreconcilable tag mismatch found at a merge:
	// the incoming edge End of Frame's state disagrees at Slot.
	Conflict struct {
		Frame graph.ID
		End   graph.ID
		Slot  int
	}
)

func New(method string, warn *diag.Handler, spec frame.SpeculationLog) *Phase {
	return &Phase{
		Method: method,
		Warn:   warn,
		Spec:   spec,
	}
}

// Run walks the graph, records tag conflicts at merges and patches
// deoptimizations in. Inconsistencies never fail the pass, they degrade
// to runtime guards.
func (p *Phase) Run(ctx context.Context, g *graph.Graph) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "verify frame access", "method", p.Method, "nodes", len(g.Nodes), "frames", g.Frames())
	defer func() { tr.Finish("conflicts", len(p.deoptEnds)) }()

	p.g = g
	p.reported = set.MakeBitmap(len(g.Nodes))
	p.deoptEnds = map[graph.ID]map[graph.ID]int{}

	if g.Frames() == 0 {
		return
	}

	w := walker{p: p, g: g}
	w.walk(ctx)

	p.insertDeopts(ctx)
}

func (p *Phase) deoptAt(m *graph.Node, f graph.ID, state, index int) {
	ends := p.deoptEnds[f]
	if ends == nil {
		ends = map[graph.ID]int{}
		p.deoptEnds[f] = ends
	}

	ends[p.g.MergePredAt(m.ID, state)] = index
}

func (p *Phase) insertDeopts(ctx context.Context) {
	tr := tlog.SpanFromContext(ctx)
	g := p.g

	for _, f := range sorted(p.deoptEnds) {
		desc := g.Node(f).Desc

		for _, end := range sorted(p.deoptEnds[f]) {
			index := p.deoptEnds[f][end]

			if !g.Alive(end) {
				// shared dead code, already patched through another conflict
				continue
			}

			pred := g.Pred(end)

			p.warnIncompatibleMerge(g.Node(pred), index)

			g.Link(pred, graph.Nil)
			g.KillCFG(end)

			if !g.Alive(pred) {
				continue
			}

			sp := frame.NoSpeculation
			if p.Spec != nil {
				sp = p.Spec.Speculate(desc.IntrinsifySpeculation())
			}

			d := g.Add(&graph.Node{
				Op:          graph.Deopt,
				Action:      graph.InvalidateReprofile,
				Reason:      graph.RuntimeConstraint,
				Speculation: sp,
			})

			g.Link(pred, d)

			tr.V("deopt").Printw("deopt inserted", "frame", f, "end", end, "slot", index, "pred", pred, "deopt", d)
		}
	}
}

func (p *Phase) warnIncompatibleMerge(n *graph.Node, index int) {
	if !p.Warn.Enabled(diag.FrameIncompatibleMerge) {
		return
	}

	if p.reported.IsSet(int(n.ID)) {
		return
	}

	p.Warn.Warn(diag.FrameIncompatibleMerge, n.From(), diag.Props{
		"location": int(n.ID),
		"method":   p.Method,
		"index":    index,
	}, "Incompatible frame slot types at merge: this disables the frame intrinsics optimization and potentially causes frames to be materialized. "+
		"Ensure that frame slots are cleared before a control flow merge if they don't contain the same type of value.")

	p.reported.Set(int(n.ID))
}

// Conflicts lists the recorded conflicts in deterministic order.
func (p *Phase) Conflicts() []Conflict {
	var r []Conflict

	for _, f := range sorted(p.deoptEnds) {
		for _, end := range sorted(p.deoptEnds[f]) {
			r = append(r, Conflict{Frame: f, End: end, Slot: p.deoptEnds[f][end]})
		}
	}

	return r
}

func sorted[V any](m map[graph.ID]V) []graph.ID {
	r := make([]graph.ID, 0, len(m))

	for id := range m {
		r = append(r, id)
	}

	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })

	return r
}
