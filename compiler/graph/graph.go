package graph

import (
	"tlog.app/go/loc"
	"tlog.app/go/tlog/tlwire"

	"github.com/Dufgui/graal/compiler/frame"
)

type (
	ID int

	Op int

	Access int

	Action int
	Reason int

	Graph struct {
		Nodes []*Node
		Start ID

		frames []ID // frame arena index -> NewFrame node
	}

	Node struct {
		ID ID
		Op Op

		Next ID // fixed successor
		Alt  ID // If: alternate successor

		Merge ID   // End, LoopEnd: target merge
		Ends  []ID // Merge, LoopBegin: incoming ends in order; loop forward end is Ends[0]

		// frame accessors
		Frame  ID
		Access Access
		Slot   int
		Target int
		Tag    frame.SlotKind

		// NewFrame
		Desc  *frame.Descriptor
		Index int // frame arena index

		// Deopt
		Action      Action
		Reason      Reason
		Speculation frame.Speculation

		preds []ID
		dead  bool

		from loc.PC
	}
)

const (
	Nop Op = iota
	Start
	NewFrame
	Set
	Clear
	Copy
	Swap
	If
	End
	LoopEnd
	Merge
	LoopBegin
	Return
	Deopt
)

const (
	Indexed Access = iota
	Legacy
	Auxiliary
)

const (
	InvalidateReprofile Action = iota
)

const (
	RuntimeConstraint Reason = iota
)

const Nil ID = -1

var opNames = []string{"nop", "start", "newframe", "set", "clear", "copy", "swap", "if", "end", "loopend", "merge", "loopbegin", "return", "deopt"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}

	return "unknown"
}

func New() *Graph {
	g := &Graph{Start: Nil}

	return g
}

func (g *Graph) Add(n *Node) ID {
	id := ID(len(g.Nodes))

	n.ID = id
	n.Next = Nil
	n.Alt = Nil
	n.Merge = Nil
	n.from = loc.Caller(1)

	g.Nodes = append(g.Nodes, n)

	if n.Op == Start {
		g.Start = id
	}

	if n.Op == NewFrame {
		n.Index = len(g.frames)
		g.frames = append(g.frames, id)
	}

	return id
}

func (g *Graph) Node(id ID) *Node {
	return g.Nodes[id]
}

func (g *Graph) Frames() int {
	return len(g.frames)
}

func (g *Graph) FrameNode(index int) ID {
	return g.frames[index]
}

func (g *Graph) Alive(id ID) bool {
	return id != Nil && !g.Nodes[id].dead
}

// Link sets the fixed successor of from and maintains predecessor lists.
func (g *Graph) Link(from, to ID) {
	g.unlink(from, g.Nodes[from].Next)
	g.Nodes[from].Next = to

	if to != Nil {
		g.Nodes[to].preds = append(g.Nodes[to].preds, from)
	}
}

// LinkAlt sets the alternate successor of an If node.
func (g *Graph) LinkAlt(from, to ID) {
	g.unlink(from, g.Nodes[from].Alt)
	g.Nodes[from].Alt = to

	if to != Nil {
		g.Nodes[to].preds = append(g.Nodes[to].preds, from)
	}
}

// LinkEnd attaches an end node to its merge or loop begin,
// in incoming-path order.
func (g *Graph) LinkEnd(end, merge ID) {
	e := g.Nodes[end]
	m := g.Nodes[merge]

	e.Merge = merge
	m.Ends = append(m.Ends, end)

	g.Link(end, merge)
}

func (g *Graph) unlink(from, to ID) {
	if to == Nil {
		return
	}

	p := g.Nodes[to].preds

	for i, x := range p {
		if x == from {
			g.Nodes[to].preds = append(p[:i], p[i+1:]...)
			break
		}
	}
}

// MergePredAt is the k-th incoming end of a merge or loop begin.
// For loop begins index 0 is the forward end, the rest are loop ends.
func (g *Graph) MergePredAt(merge ID, k int) ID {
	return g.Nodes[merge].Ends[k]
}

// Preds are the control predecessors of a node.
func (g *Graph) Preds(id ID) []ID {
	return g.Nodes[id].preds
}

// Pred is the single control predecessor of a node.
func (g *Graph) Pred(id ID) ID {
	p := g.Nodes[id].preds
	if len(p) == 0 {
		return Nil
	}

	return p[0]
}

func (g *Graph) Succs(id ID) []ID {
	n := g.Nodes[id]

	var s []ID

	if n.Next != Nil {
		s = append(s, n.Next)
	}

	if n.Op == If && n.Alt != Nil {
		s = append(s, n.Alt)
	}

	return s
}

// KillCFG removes the node and the subgraph reachable only through it.
// Killing the last end of a merge kills the merge as well.
func (g *Graph) KillCFG(id ID) {
	if !g.Alive(id) {
		return
	}

	n := g.Nodes[id]
	n.dead = true

	if (n.Op == End || n.Op == LoopEnd) && n.Merge != Nil {
		m := g.Nodes[n.Merge]

		for i, e := range m.Ends {
			if e == id {
				m.Ends = append(m.Ends[:i], m.Ends[i+1:]...)
				break
			}
		}

		g.unlink(id, n.Merge)
		n.Next = Nil

		if len(m.Ends) == 0 {
			g.KillCFG(m.ID)
		}

		return
	}

	for _, s := range g.Succs(id) {
		g.unlink(id, s)

		if !g.Alive(s) {
			continue
		}

		alive := false

		for _, p := range g.Nodes[s].preds {
			if g.Alive(p) {
				alive = true
				break
			}
		}

		if !alive {
			g.KillCFG(s)
		}
	}

	n.Next = Nil
	n.Alt = Nil
}

func (n *Node) From() loc.PC {
	return n.from
}

func (n *Node) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 3)

	b = e.AppendKeyInt(b, "id", int(n.ID))
	b = e.AppendKeyString(b, "op", n.Op.String())
	b = e.AppendKeyInt(b, "next", int(n.Next))

	return b
}
