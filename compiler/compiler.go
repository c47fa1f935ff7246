package compiler

import (
	"context"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/Dufgui/graal/compiler/diag"
	"github.com/Dufgui/graal/compiler/format"
	"github.com/Dufgui/graal/compiler/frame"
	"github.com/Dufgui/graal/compiler/graphio"
	"github.com/Dufgui/graal/compiler/verify"
)

func VerifyFile(ctx context.Context, name string) ([]byte, error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	tlog.SpanFromContext(ctx).Printw("read file", "size", len(text), "name", name)

	return Verify(ctx, name, text)
}

// Verify loads a graph description, runs frame access verification on it
// and renders the patched graph.
func Verify(ctx context.Context, name string, text []byte) ([]byte, error) {
	g, f, err := graphio.Load(ctx, text)
	if err != nil {
		return nil, errors.Wrap(err, "load graph")
	}

	warn := diag.New(tlog.SpanFromContext(ctx).Logger, diag.FrameIncompatibleMerge)

	p := verify.New(f.Method, warn, frame.NewLog())
	p.Run(ctx, g)

	for _, c := range p.Conflicts() {
		tlog.SpanFromContext(ctx).Printw("conflict", "frame", c.Frame, "end", c.End, "slot", c.Slot)
	}

	return format.Format(ctx, nil, g), nil
}
