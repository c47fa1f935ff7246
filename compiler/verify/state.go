package verify

import (
	"github.com/Dufgui/graal/compiler/frame"
	"github.com/Dufgui/graal/compiler/graph"
)

type (
	// pathState tracks the observed slot tags of every live frame along
	// one traversal path. Slices are indexed by frame arena index,
	// nil means the frame is not allocated on this path.
	pathState struct {
		legacy  [][]frame.SlotKind
		indexed [][]frame.SlotKind
	}
)

var emptyTags = []frame.SlotKind{}

func newPathState(frames int) *pathState {
	return &pathState{
		legacy:  make([][]frame.SlotKind, frames),
		indexed: make([][]frame.SlotKind, frames),
	}
}

func (s *pathState) clone() *pathState {
	c := newPathState(len(s.legacy))

	for i := range s.legacy {
		c.legacy[i] = duptags(s.legacy[i])
		c.indexed[i] = duptags(s.indexed[i])
	}

	return c
}

func (s *pathState) add(n *graph.Node) {
	d := n.Desc

	entries := emptyTags
	if len(d.Legacy) != 0 {
		entries = duptags(d.Legacy)
	}

	indexed := emptyTags
	if len(d.Indexed) != 0 {
		indexed = duptags(d.Indexed)
	}

	s.legacy[n.Index] = entries
	s.indexed[n.Index] = indexed
}

// tags is the tracked tag array the accessor operates on.
func (s *pathState) tags(g *graph.Graph, n *graph.Node) []frame.SlotKind {
	f := g.Node(n.Frame).Index

	if n.Access == graph.Legacy {
		return s.legacy[f]
	}

	return s.indexed[f]
}

// merge folds the states of all other incoming paths into s, which is
// the first (primary) incoming path of the merge. Frames not live on
// every path are dropped. Tag mismatches are recorded on the phase and
// the merge always succeeds; inserting deopts is deferred to the patcher.
func (s *pathState) merge(p *Phase, m *graph.Node, others []*pathState) bool {
	g := p.g

	for f := range s.legacy {
		if s.legacy[f] == nil {
			continue
		}

		live := true

		for _, o := range others {
			if o.legacy[f] == nil {
				live = false
				break
			}
		}

		if !live {
			s.legacy[f] = nil
			s.indexed[f] = nil

			continue
		}

		fid := g.FrameNode(f)
		d := g.Node(fid).Desc

		for k, o := range others {
			s.mergeEntries(p, m, fid, s.legacy[f], o.legacy[f], d.Legacy, k+1)
			s.mergeEntries(p, m, fid, s.indexed[f], o.indexed[f], d.Indexed, k+1)
		}
	}

	return true
}

// mergeEntries compares entries against otherEntries slot by slot,
// taking into account that either side may still be uninitialized,
// in which case the tag is reconciled through the frame's declared tags.
// The first genuine mismatch condemns the incoming edge and further
// slots are not compared.
func (s *pathState) mergeEntries(p *Phase, m *graph.Node, fid graph.ID, entries, otherEntries, frameEntries []frame.SlotKind, state int) {
	for i := range entries {
		if entries[i] == otherEntries[i] {
			continue
		}

		if entries[i] == frame.Illegal {
			if frameEntries[i] == frame.Illegal {
				frameEntries[i] = otherEntries[i]
				continue
			} else if frameEntries[i] == otherEntries[i] {
				continue
			}
		} else if otherEntries[i] == frame.Illegal {
			if frameEntries[i] == frame.Illegal {
				frameEntries[i] = entries[i]
				continue
			} else if frameEntries[i] == entries[i] {
				continue
			}
		}

		p.deoptAt(m, fid, state, i)

		break
	}
}

func duptags(s []frame.SlotKind) []frame.SlotKind {
	if s == nil {
		return nil
	}

	return append([]frame.SlotKind{}, s...)
}
