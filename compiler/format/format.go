package format

import (
	"context"
	"fmt"

	"github.com/Dufgui/graal/compiler/frame"
	"github.com/Dufgui/graal/compiler/graph"
)

// Format appends a textual dump of the graph: frames with their declared
// slot tags, then live nodes with their edges.
func Format(ctx context.Context, b []byte, g *graph.Graph) []byte {
	for i := 0; i < g.Frames(); i++ {
		id := g.FrameNode(i)
		d := g.Node(id).Desc

		b = fmt.Appendf(b, "frame %d  node %d", i, id)
		b = appendTags(b, "  legacy", d.Legacy)
		b = appendTags(b, "  indexed", d.Indexed)
		b = append(b, '\n')
	}

	for _, n := range g.Nodes {
		if !g.Alive(n.ID) {
			continue
		}

		b = fmt.Appendf(b, "%4d  %-9v", int(n.ID), n.Op)

		switch n.Op {
		case graph.NewFrame:
			b = fmt.Appendf(b, "  frame %d", n.Index)
		case graph.Set:
			b = fmt.Appendf(b, "  frame %d  slot %d  tag %v", g.Node(n.Frame).Index, n.Slot, n.Tag)
		case graph.Clear:
			b = fmt.Appendf(b, "  frame %d  slot %d", g.Node(n.Frame).Index, n.Slot)
		case graph.Copy, graph.Swap:
			b = fmt.Appendf(b, "  frame %d  slot %d  target %d", g.Node(n.Frame).Index, n.Slot, n.Target)
		case graph.If:
			b = fmt.Appendf(b, "  then %d  else %d", int(n.Next), int(n.Alt))
		case graph.End, graph.LoopEnd:
			b = fmt.Appendf(b, "  merge %d", int(n.Merge))
		case graph.Merge, graph.LoopBegin:
			b = fmt.Appendf(b, "  ends %v", ints(n.Ends))
		case graph.Deopt:
			b = fmt.Appendf(b, "  speculation %d", int(n.Speculation))
		}

		if n.Next != graph.Nil && n.Op != graph.If && n.Op != graph.End && n.Op != graph.LoopEnd {
			b = fmt.Appendf(b, "  -> %d", int(n.Next))
		}

		b = append(b, '\n')
	}

	return b
}

func appendTags(b []byte, name string, tags []frame.SlotKind) []byte {
	if len(tags) == 0 {
		return b
	}

	b = fmt.Appendf(b, "%s [", name)

	for i, t := range tags {
		if i != 0 {
			b = append(b, ' ')
		}

		b = fmt.Appendf(b, "%v", t)
	}

	b = append(b, ']')

	return b
}

func ints(ids []graph.ID) []int {
	r := make([]int, len(ids))

	for i, id := range ids {
		r[i] = int(id)
	}

	return r
}
