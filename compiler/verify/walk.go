package verify

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/Dufgui/graal/compiler/frame"
	"github.com/Dufgui/graal/compiler/graph"
)

type (
	// walker visits every reachable fixed node once per path, cloning the
	// state at branches and holding paths at merges until all incoming
	// ends arrived.
	walker struct {
		p *Phase
		g *graph.Graph

		jobs heap.Heap[job]

		// merge -> states per incoming end, in end order
		pending map[graph.ID][]*pathState
		got     map[graph.ID]int
	}

	job struct {
		at graph.ID
		st *pathState
	}
)

func (w *walker) walk(ctx context.Context) {
	w.jobs = heap.Heap[job]{Less: jobsLess}
	w.pending = map[graph.ID][]*pathState{}
	w.got = map[graph.ID]int{}

	w.jobs.Push(job{at: w.g.Start, st: newPathState(w.g.Frames())})

	for w.jobs.Len() != 0 {
		j := w.jobs.Pop()

		w.run(ctx, j.at, j.st)
	}
}

func (w *walker) run(ctx context.Context, at graph.ID, st *pathState) {
	tr := tlog.SpanFromContext(ctx)
	g := w.g

	for at != graph.Nil {
		n := g.Node(at)

		tr.V("walk").Printw("visit", "id", at, "op", n.Op.String())

		switch n.Op {
		case graph.Start, graph.Nop, graph.Merge, graph.LoopBegin:
			// no state effect
		case graph.NewFrame:
			st.add(n)
		case graph.Set:
			// operations with invalid indexes and object writes are
			// left to partial escape analysis
			if n.Access != graph.Auxiliary {
				entries := st.tags(g, n)
				if inRange(entries, n.Slot) && n.Tag != frame.Object {
					entries[n.Slot] = n.Tag
				}
			}
		case graph.Clear:
			if n.Access != graph.Auxiliary {
				entries := st.tags(g, n)
				if inRange(entries, n.Slot) {
					entries[n.Slot] = frame.Long
				}
			}
		case graph.Copy:
			if n.Access != graph.Auxiliary {
				entries := st.tags(g, n)
				if inRange(entries, n.Target) && inRange(entries, n.Slot) {
					entries[n.Target] = entries[n.Slot]
				}
			}
		case graph.Swap:
			if n.Access != graph.Auxiliary {
				entries := st.tags(g, n)
				if inRange(entries, n.Target) && inRange(entries, n.Slot) {
					entries[n.Target], entries[n.Slot] = entries[n.Slot], entries[n.Target]
				}
			}
		case graph.If:
			w.jobs.Push(job{at: n.Alt, st: st.clone()})

			at = n.Next

			continue
		case graph.End, graph.LoopEnd:
			w.incoming(ctx, n, st)

			return
		case graph.Return, graph.Deopt:
			return
		default:
			panic(n.Op)
		}

		at = n.Next
	}
}

// incoming records the path state arriving at a merge end. The path
// holds until every incoming end arrived, then the states are merged and
// traversal continues below the merge. A loop begin starts walking the
// loop body as soon as the forward end arrives; a snapshot of the
// pre-loop state is kept as the primary state for the loop-end merge.
func (w *walker) incoming(ctx context.Context, n *graph.Node, st *pathState) {
	tr := tlog.SpanFromContext(ctx)

	m := w.g.Node(n.Merge)

	states := w.pending[m.ID]
	if states == nil {
		states = make([]*pathState, len(m.Ends))
		w.pending[m.ID] = states
	}

	k := endIndex(m, n.ID)
	states[k] = st
	w.got[m.ID]++

	if m.Op == graph.LoopBegin && n.Op == graph.End {
		states[k] = st.clone()

		w.jobs.Push(job{at: m.ID, st: st})
	}

	tr.V("merge").Printw("merge incoming", "merge", m.ID, "end", n.ID, "k", k, "got", w.got[m.ID], "of", len(m.Ends))

	if w.got[m.ID] < len(m.Ends) {
		return
	}

	primary := states[0]
	primary.merge(w.p, m, states[1:])

	delete(w.pending, m.ID)

	if m.Op == graph.LoopBegin {
		// loop body was walked from the forward end already
		return
	}

	w.jobs.Push(job{at: m.ID, st: primary})
}

func endIndex(m *graph.Node, end graph.ID) int {
	for i, e := range m.Ends {
		if e == end {
			return i
		}
	}

	panic(end)
}

func inRange(entries []frame.SlotKind, index int) bool {
	return index >= 0 && index < len(entries)
}

func jobsLess(d []job, i, j int) bool {
	return d[i].at < d[j].at
}

func (j job) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 1)
	b = e.AppendKeyInt(b, "at", int(j.at))

	return b
}
