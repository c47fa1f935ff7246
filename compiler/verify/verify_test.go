package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"tlog.app/go/tlog"

	"github.com/Dufgui/graal/compiler/diag"
	"github.com/Dufgui/graal/compiler/frame"
	"github.com/Dufgui/graal/compiler/graph"
	"github.com/Dufgui/graal/compiler/set"
)

// countingWriter counts emitted log events, one write per event.
type countingWriter struct {
	n int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n++

	return len(p), nil
}

type diamond struct {
	g *graph.Graph

	nf graph.ID
	e1 graph.ID
	e2 graph.ID
	m  graph.ID
}

// buildDiamond wires start -> newframe -> if -> (a -> end) / (b -> end) -> merge -> return.
// a and b are the per-branch accessor nodes, their Frame edge is filled in here.
func buildDiamond(d *frame.Descriptor, a, b *graph.Node) diamond {
	g := graph.New()

	start := g.Add(&graph.Node{Op: graph.Start})
	nf := g.Add(&graph.Node{Op: graph.NewFrame, Desc: d})
	br := g.Add(&graph.Node{Op: graph.If})
	an := g.Add(a)
	e1 := g.Add(&graph.Node{Op: graph.End})
	bn := g.Add(b)
	e2 := g.Add(&graph.Node{Op: graph.End})
	m := g.Add(&graph.Node{Op: graph.Merge})
	ret := g.Add(&graph.Node{Op: graph.Return})

	a.Frame = nf
	b.Frame = nf

	g.Link(start, nf)
	g.Link(nf, br)
	g.Link(br, an)
	g.LinkAlt(br, bn)
	g.Link(an, e1)
	g.Link(bn, e2)
	g.LinkEnd(e1, m)
	g.LinkEnd(e2, m)
	g.Link(m, ret)

	return diamond{g: g, nf: nf, e1: e1, e2: e2, m: m}
}

func run(t *testing.T, g *graph.Graph) *Phase {
	t.Helper()

	p := New("test", nil, frame.NewLog())
	p.Run(context.Background(), g)

	return p
}

func deopts(g *graph.Graph) []graph.ID {
	var r []graph.ID

	for _, n := range g.Nodes {
		if n.Op == graph.Deopt && g.Alive(n.ID) {
			r = append(r, n.ID)
		}
	}

	return r
}

func TestMergeEqualTags(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal, frame.Illegal}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int},
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int},
	)

	p := run(t, x.g)

	require.Empty(t, p.Conflicts())
	require.Empty(t, deopts(x.g))
	require.Equal(t, frame.Illegal, d.Indexed[1])
}

func TestMergeConflict(t *testing.T) {
	// scenario: one path writes int, the other long into the same slot
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int},
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Long},
	)

	p := run(t, x.g)

	require.Equal(t, []Conflict{{Frame: x.nf, End: x.e2, Slot: 0}}, p.Conflicts())

	require.False(t, x.g.Alive(x.e2))
	require.True(t, x.g.Alive(x.e1))
	require.True(t, x.g.Alive(x.m))

	ds := deopts(x.g)
	require.Len(t, ds, 1)

	// the offending branch now exits through the deopt
	b := x.g.Node(x.g.Pred(ds[0]))
	require.Equal(t, graph.Set, b.Op)
	require.Equal(t, frame.Long, b.Tag)

	require.NotEqual(t, frame.NoSpeculation, x.g.Node(ds[0]).Speculation)
}

func TestMergeWidensUninitialized(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int},
		&graph.Node{Op: graph.Nop},
	)

	p := run(t, x.g)

	require.Empty(t, p.Conflicts())
	require.Empty(t, deopts(x.g))
	require.Equal(t, frame.Int, d.Indexed[0])
}

func TestMergeWidensPrimarySide(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Nop},
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Double},
	)

	p := run(t, x.g)

	require.Empty(t, p.Conflicts())
	require.Equal(t, frame.Double, d.Indexed[0])
}

func TestMergeDeclaredMismatch(t *testing.T) {
	// two concrete kinds, nothing to reconcile through the declared tag
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Long},
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int},
	)

	p := run(t, x.g)

	require.Len(t, p.Conflicts(), 1)
}

func TestMergeClearAgainstDefault(t *testing.T) {
	// cleared slot becomes long, matching the declared default long
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Long}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Clear, Slot: 0},
		&graph.Node{Op: graph.Nop},
	)

	p := run(t, x.g)

	require.Empty(t, p.Conflicts())
	require.Empty(t, deopts(x.g))
}

func TestMergeFirstMismatchWins(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal, frame.Illegal, frame.Illegal}}

	g := graph.New()

	start := g.Add(&graph.Node{Op: graph.Start})
	nf := g.Add(&graph.Node{Op: graph.NewFrame, Desc: d})
	br := g.Add(&graph.Node{Op: graph.If})

	a1 := &graph.Node{Op: graph.Set, Slot: 1, Tag: frame.Int}
	a2 := &graph.Node{Op: graph.Set, Slot: 2, Tag: frame.Double}
	b1 := &graph.Node{Op: graph.Set, Slot: 1, Tag: frame.Long}
	b2 := &graph.Node{Op: graph.Set, Slot: 2, Tag: frame.Boolean}

	an1 := g.Add(a1)
	an2 := g.Add(a2)
	e1 := g.Add(&graph.Node{Op: graph.End})
	bn1 := g.Add(b1)
	bn2 := g.Add(b2)
	e2 := g.Add(&graph.Node{Op: graph.End})
	m := g.Add(&graph.Node{Op: graph.Merge})
	ret := g.Add(&graph.Node{Op: graph.Return})

	for _, n := range []*graph.Node{a1, a2, b1, b2} {
		n.Frame = nf
	}

	g.Link(start, nf)
	g.Link(nf, br)
	g.Link(br, an1)
	g.LinkAlt(br, bn1)
	g.Link(an1, an2)
	g.Link(an2, e1)
	g.Link(bn1, bn2)
	g.Link(bn2, e2)
	g.LinkEnd(e1, m)
	g.LinkEnd(e2, m)
	g.Link(m, ret)

	p := run(t, g)

	// slot 1 condemns the edge, slot 2 is not compared anymore
	require.Equal(t, []Conflict{{Frame: nf, End: e2, Slot: 1}}, p.Conflicts())
	require.Len(t, deopts(g), 1)
}

func TestMergeDropsPartiallyLiveFrames(t *testing.T) {
	// frame allocated on one branch only is not tracked below the merge,
	// conflicting writes to it afterwards are ignored
	d1 := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}
	d2 := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}

	g := graph.New()

	start := g.Add(&graph.Node{Op: graph.Start})
	nf1 := g.Add(&graph.Node{Op: graph.NewFrame, Desc: d1})
	br := g.Add(&graph.Node{Op: graph.If})
	nf2 := g.Add(&graph.Node{Op: graph.NewFrame, Desc: d2})
	e1 := g.Add(&graph.Node{Op: graph.End})
	nop := g.Add(&graph.Node{Op: graph.Nop})
	e2 := g.Add(&graph.Node{Op: graph.End})
	m := g.Add(&graph.Node{Op: graph.Merge})

	br2 := g.Add(&graph.Node{Op: graph.If})
	w1 := &graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int}
	w2 := &graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Long}
	wn1 := g.Add(w1)
	e3 := g.Add(&graph.Node{Op: graph.End})
	wn2 := g.Add(w2)
	e4 := g.Add(&graph.Node{Op: graph.End})
	m2 := g.Add(&graph.Node{Op: graph.Merge})
	ret := g.Add(&graph.Node{Op: graph.Return})

	w1.Frame = nf2
	w2.Frame = nf2

	g.Link(start, nf1)
	g.Link(nf1, br)
	g.Link(br, nf2)
	g.LinkAlt(br, nop)
	g.Link(nf2, e1)
	g.Link(nop, e2)
	g.LinkEnd(e1, m)
	g.LinkEnd(e2, m)
	g.Link(m, br2)
	g.Link(br2, wn1)
	g.LinkAlt(br2, wn2)
	g.Link(wn1, e3)
	g.Link(wn2, e4)
	g.LinkEnd(e3, m2)
	g.LinkEnd(e4, m2)
	g.Link(m2, ret)

	p := run(t, g)

	require.Empty(t, p.Conflicts())
	require.Empty(t, deopts(g))
}

func TestSwapSameSlot(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal, frame.Illegal}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Swap, Slot: 1, Target: 1},
		&graph.Node{Op: graph.Nop},
	)

	p := run(t, x.g)

	require.Empty(t, p.Conflicts())
	require.Empty(t, deopts(x.g))
}

func TestCopyPropagatesTag(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Int, frame.Int}}

	// one path copies slot 0 over slot 1, the other writes boolean there
	x := buildDiamond(d,
		&graph.Node{Op: graph.Copy, Slot: 0, Target: 1},
		&graph.Node{Op: graph.Set, Slot: 1, Tag: frame.Boolean},
	)

	p := run(t, x.g)

	require.Equal(t, []Conflict{{Frame: x.nf, End: x.e2, Slot: 1}}, p.Conflicts())
}

func TestObjectWriteIgnored(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Int}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Object},
		&graph.Node{Op: graph.Nop},
	)

	p := run(t, x.g)

	require.Empty(t, p.Conflicts())
}

func TestOutOfRangeIgnored(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Int}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 5, Tag: frame.Long},
		&graph.Node{Op: graph.Clear, Slot: -1},
	)

	p := run(t, x.g)

	require.Empty(t, p.Conflicts())
}

func TestAuxiliaryIgnored(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Int}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Long, Access: graph.Auxiliary},
		&graph.Node{Op: graph.Nop},
	)

	p := run(t, x.g)

	require.Empty(t, p.Conflicts())
}

func TestLegacySlots(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Legacy: []frame.SlotKind{frame.Illegal}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int, Access: graph.Legacy},
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Float, Access: graph.Legacy},
	)

	p := run(t, x.g)

	require.Equal(t, []Conflict{{Frame: x.nf, End: x.e2, Slot: 0}}, p.Conflicts())
}

func TestNoFramesNoWork(t *testing.T) {
	g := graph.New()

	start := g.Add(&graph.Node{Op: graph.Start})
	ret := g.Add(&graph.Node{Op: graph.Return})
	g.Link(start, ret)

	p := run(t, g)

	require.Empty(t, p.Conflicts())
}

// start -> newframe -> end -> loopbegin -> body -> if -> loopend (back)
//                                               \-> return
func buildLoop(d *frame.Descriptor, body *graph.Node) (*graph.Graph, graph.ID) {
	g := graph.New()

	start := g.Add(&graph.Node{Op: graph.Start})
	nf := g.Add(&graph.Node{Op: graph.NewFrame, Desc: d})
	fe := g.Add(&graph.Node{Op: graph.End})
	lb := g.Add(&graph.Node{Op: graph.LoopBegin})
	bn := g.Add(body)
	br := g.Add(&graph.Node{Op: graph.If})
	le := g.Add(&graph.Node{Op: graph.LoopEnd})
	ret := g.Add(&graph.Node{Op: graph.Return})

	body.Frame = nf

	g.Link(start, nf)
	g.Link(nf, fe)
	g.LinkEnd(fe, lb)
	g.Link(lb, bn)
	g.Link(bn, br)
	g.Link(br, le)
	g.LinkAlt(br, ret)
	g.LinkEnd(le, lb)

	return g, nf
}

func TestLoopWidensUninitialized(t *testing.T) {
	// pre-loop state is uninitialized, the body settles the slot on int
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}

	g, _ := buildLoop(d, &graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int})

	p := run(t, g)

	require.Empty(t, p.Conflicts())
	require.Empty(t, deopts(g))
	require.Equal(t, frame.Int, d.Indexed[0])
}

func TestLoopConflict(t *testing.T) {
	// slot enters the loop as declared int, body retypes it to double
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Int}}

	g, nf := buildLoop(d, &graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Double})

	p := run(t, g)

	cs := p.Conflicts()
	require.Len(t, cs, 1)
	require.Equal(t, nf, cs[0].Frame)
	require.Equal(t, 0, cs[0].Slot)

	// the back edge is gone, the loop body exits through a deopt
	require.False(t, g.Alive(cs[0].End))
	require.Len(t, deopts(g), 1)
}

func TestWarnOncePerEdge(t *testing.T) {
	// two frames conflict on the same incoming edge: the first patch
	// warns and kills the end, the second finds it dead and stays silent
	d1 := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}
	d2 := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}

	g := graph.New()

	start := g.Add(&graph.Node{Op: graph.Start})
	nf1 := g.Add(&graph.Node{Op: graph.NewFrame, Desc: d1})
	nf2 := g.Add(&graph.Node{Op: graph.NewFrame, Desc: d2})
	br := g.Add(&graph.Node{Op: graph.If})

	a1 := &graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int}
	a2 := &graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int}
	b1 := &graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Long}
	b2 := &graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Double}

	an1 := g.Add(a1)
	an2 := g.Add(a2)
	e1 := g.Add(&graph.Node{Op: graph.End})
	bn1 := g.Add(b1)
	bn2 := g.Add(b2)
	e2 := g.Add(&graph.Node{Op: graph.End})
	m := g.Add(&graph.Node{Op: graph.Merge})
	ret := g.Add(&graph.Node{Op: graph.Return})

	a1.Frame = nf1
	b1.Frame = nf1
	a2.Frame = nf2
	b2.Frame = nf2

	g.Link(start, nf1)
	g.Link(nf1, nf2)
	g.Link(nf2, br)
	g.Link(br, an1)
	g.LinkAlt(br, bn1)
	g.Link(an1, an2)
	g.Link(an2, e1)
	g.Link(bn1, bn2)
	g.Link(bn2, e2)
	g.LinkEnd(e1, m)
	g.LinkEnd(e2, m)
	g.Link(m, ret)

	w := &countingWriter{}
	h := diag.New(tlog.New(w), diag.FrameIncompatibleMerge)

	p := New("test", h, frame.NewLog())
	p.Run(context.Background(), g)

	require.Equal(t, []Conflict{
		{Frame: nf1, End: e2, Slot: 0},
		{Frame: nf2, End: e2, Slot: 0},
	}, p.Conflicts())

	require.Equal(t, 1, w.n)
	require.Len(t, deopts(g), 1)
}

func TestWarnReportedOnce(t *testing.T) {
	g := graph.New()
	n := g.Node(g.Add(&graph.Node{Op: graph.Nop}))

	w := &countingWriter{}
	h := diag.New(tlog.New(w), diag.FrameIncompatibleMerge)

	p := New("test", h, frame.NewLog())
	p.reported = set.MakeBitmap(4)

	p.warnIncompatibleMerge(n, 0)
	p.warnIncompatibleMerge(n, 1)

	require.Equal(t, 1, w.n)
}

func TestPatchIdempotent(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int},
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Long},
	)

	p := run(t, x.g)

	require.Len(t, deopts(x.g), 1)

	// patching again must not double-insert: the edge is already dead
	p.insertDeopts(context.Background())

	require.Len(t, deopts(x.g), 1)
}

func TestRerunAfterPatch(t *testing.T) {
	d := &frame.Descriptor{Method: "test", Indexed: []frame.SlotKind{frame.Illegal}}

	x := buildDiamond(d,
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Int},
		&graph.Node{Op: graph.Set, Slot: 0, Tag: frame.Long},
	)

	run(t, x.g)

	require.Len(t, deopts(x.g), 1)

	// a fresh pass over the patched graph finds nothing new
	p2 := run(t, x.g)

	require.Empty(t, p2.Conflicts())
	require.Len(t, deopts(x.g), 1)
}
