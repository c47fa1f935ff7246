package graphio

import (
	"context"

	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/Dufgui/graal/compiler/frame"
	"github.com/Dufgui/graal/compiler/graph"
)

type (
	// File is the YAML description of a graph to verify.
	//
	// Node order in the file defines the incoming order of merge ends.
	// A loop begin takes its forward end first, then its loop ends.
	File struct {
		Method string     `yaml:"method"`
		Frames []FrameDef `yaml:"frames"`
		Nodes  []NodeDef  `yaml:"nodes"`
	}

	FrameDef struct {
		Name    string   `yaml:"name"`
		Legacy  []string `yaml:"legacy"`
		Indexed []string `yaml:"indexed"`
	}

	NodeDef struct {
		Name string `yaml:"name"`
		Op   string `yaml:"op"`

		Next  string `yaml:"next"`
		Then  string `yaml:"then"`
		Else  string `yaml:"else"`
		Merge string `yaml:"merge"`

		Frame  string `yaml:"frame"`
		Access string `yaml:"access"`
		Slot   int    `yaml:"slot"`
		Target int    `yaml:"target"`
		Tag    string `yaml:"tag"`
	}

	loader struct {
		g *graph.Graph

		frames map[string]graph.ID
		nodes  map[string]graph.ID
	}
)

var ops = map[string]graph.Op{
	"nop":       graph.Nop,
	"start":     graph.Start,
	"newframe":  graph.NewFrame,
	"set":       graph.Set,
	"clear":     graph.Clear,
	"copy":      graph.Copy,
	"swap":      graph.Swap,
	"if":        graph.If,
	"end":       graph.End,
	"loopend":   graph.LoopEnd,
	"merge":     graph.Merge,
	"loopbegin": graph.LoopBegin,
	"return":    graph.Return,
}

// Load parses a YAML graph description and builds the graph.
// Malformed descriptions are caller contract violations and fail hard.
func Load(ctx context.Context, data []byte) (*graph.Graph, *File, error) {
	tr := tlog.SpanFromContext(ctx)

	var f File

	err := yaml.Unmarshal(data, &f)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse yaml")
	}

	l := &loader{
		g:      graph.New(),
		frames: map[string]graph.ID{},
		nodes:  map[string]graph.ID{},
	}

	err = l.load(&f)
	if err != nil {
		return nil, nil, err
	}

	tr.V("load").Printw("graph loaded", "method", f.Method, "nodes", len(l.g.Nodes), "frames", l.g.Frames())

	return l.g, &f, nil
}

func (l *loader) load(f *File) error {
	descs := map[string]*frame.Descriptor{}

	for _, fd := range f.Frames {
		if fd.Name == "" {
			return errors.New("frame without a name")
		}

		if _, ok := descs[fd.Name]; ok {
			return errors.New("frame redefined: %v", fd.Name)
		}

		legacy, err := kinds(fd.Legacy)
		if err != nil {
			return errors.Wrap(err, "frame %v: legacy", fd.Name)
		}

		indexed, err := kinds(fd.Indexed)
		if err != nil {
			return errors.Wrap(err, "frame %v: indexed", fd.Name)
		}

		descs[fd.Name] = &frame.Descriptor{
			Method:  f.Method,
			Legacy:  legacy,
			Indexed: indexed,
		}
	}

	// first pass: create nodes

	for _, nd := range f.Nodes {
		if nd.Name == "" {
			return errors.New("node without a name")
		}

		if _, ok := l.nodes[nd.Name]; ok {
			return errors.New("node redefined: %v", nd.Name)
		}

		op, ok := ops[nd.Op]
		if !ok {
			return errors.New("node %v: unknown op: %v", nd.Name, nd.Op)
		}

		n := &graph.Node{Op: op}

		switch op {
		case graph.NewFrame:
			d, ok := descs[nd.Frame]
			if !ok {
				return errors.New("node %v: unknown frame: %v", nd.Name, nd.Frame)
			}

			if _, ok := l.frames[nd.Frame]; ok {
				return errors.New("node %v: frame %v allocated twice", nd.Name, nd.Frame)
			}

			n.Desc = d
		case graph.Set, graph.Clear, graph.Copy, graph.Swap:
			n.Slot = nd.Slot
			n.Target = nd.Target

			n.Access, ok = access(nd.Access)
			if !ok {
				return errors.New("node %v: unknown access type: %v", nd.Name, nd.Access)
			}

			if op == graph.Set {
				tag, ok := frame.KindOf(nd.Tag)
				if !ok {
					return errors.New("node %v: unknown tag: %v", nd.Name, nd.Tag)
				}

				n.Tag = tag
			}
		}

		id := l.g.Add(n)
		l.nodes[nd.Name] = id

		if op == graph.NewFrame {
			l.frames[nd.Frame] = id
		}
	}

	if l.g.Start == graph.Nil {
		return errors.New("no start node")
	}

	// second pass: link edges

	for _, nd := range f.Nodes {
		err := l.link(&nd)
		if err != nil {
			return errors.Wrap(err, "node %v", nd.Name)
		}
	}

	return l.check(f)
}

func (l *loader) link(nd *NodeDef) error {
	id := l.nodes[nd.Name]
	n := l.g.Node(id)

	switch n.Op {
	case graph.If:
		then, ok := l.nodes[nd.Then]
		if !ok {
			return errors.New("unknown then: %v", nd.Then)
		}

		alt, ok := l.nodes[nd.Else]
		if !ok {
			return errors.New("unknown else: %v", nd.Else)
		}

		l.g.Link(id, then)
		l.g.LinkAlt(id, alt)

		return nil
	case graph.End, graph.LoopEnd:
		m, ok := l.nodes[nd.Merge]
		if !ok {
			return errors.New("unknown merge: %v", nd.Merge)
		}

		mop := l.g.Node(m).Op

		if n.Op == graph.End && mop != graph.Merge && mop != graph.LoopBegin {
			return errors.New("end targets %v node %v", mop, nd.Merge)
		}

		if n.Op == graph.LoopEnd && mop != graph.LoopBegin {
			return errors.New("loopend targets %v node %v", mop, nd.Merge)
		}

		l.g.LinkEnd(id, m)

		return nil
	case graph.Return:
		return nil
	}

	next, ok := l.nodes[nd.Next]
	if !ok {
		return errors.New("unknown next: %v", nd.Next)
	}

	l.g.Link(id, next)

	switch n.Op {
	case graph.Set, graph.Clear, graph.Copy, graph.Swap:
		f, ok := l.frames[nd.Frame]
		if !ok {
			return errors.New("unknown frame: %v", nd.Frame)
		}

		n.Frame = f
	}

	return nil
}

func (l *loader) check(f *File) error {
	for _, nd := range f.Nodes {
		id := l.nodes[nd.Name]
		n := l.g.Node(id)
		preds := l.g.Preds(id)

		switch n.Op {
		case graph.Merge, graph.LoopBegin:
			// paths join through ends only
			if len(preds) != len(n.Ends) {
				return errors.New("%v %v entered bypassing its ends", n.Op, nd.Name)
			}
		case graph.Start:
			if len(preds) != 0 {
				return errors.New("start node %v has a predecessor", nd.Name)
			}
		default:
			if len(preds) > 1 {
				return errors.New("node %v has %v control predecessors", nd.Name, len(preds))
			}
		}

		switch n.Op {
		case graph.End, graph.LoopEnd:
			if len(preds) == 0 {
				return errors.New("merge end %v is unreachable", nd.Name)
			}
		case graph.Merge:
			if len(n.Ends) < 2 {
				return errors.New("merge %v has %v incoming ends, want 2+", nd.Name, len(n.Ends))
			}
		case graph.LoopBegin:
			if len(n.Ends) < 2 {
				return errors.New("loop %v has %v incoming ends, want a forward end and loop ends", nd.Name, len(n.Ends))
			}

			if l.g.Node(n.Ends[0]).Op != graph.End {
				return errors.New("loop %v: first incoming end must be the forward end", nd.Name)
			}

			for _, e := range n.Ends[1:] {
				if l.g.Node(e).Op != graph.LoopEnd {
					return errors.New("loop %v: multiple forward ends", nd.Name)
				}
			}
		}
	}

	return nil
}

func kinds(names []string) ([]frame.SlotKind, error) {
	r := make([]frame.SlotKind, len(names))

	for i, name := range names {
		k, ok := frame.KindOf(name)
		if !ok {
			return nil, errors.New("slot %v: unknown kind: %v", i, name)
		}

		r[i] = k
	}

	return r, nil
}

func access(name string) (graph.Access, bool) {
	switch name {
	case "", "indexed":
		return graph.Indexed, true
	case "legacy":
		return graph.Legacy, true
	case "auxiliary":
		return graph.Auxiliary, true
	}

	return 0, false
}
