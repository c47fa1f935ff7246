package diag

import (
	"tlog.app/go/loc"
	"tlog.app/go/tlog"
)

type (
	// Kind is a performance warning category.
	Kind int

	// Handler gates and emits performance warnings.
	// Emitting is fire-and-forget: a failing backend never aborts compilation.
	Handler struct {
		Logger *tlog.Logger

		enabled map[Kind]struct{}
	}

	Props map[string]any
)

const (
	FrameIncompatibleMerge Kind = iota
)

var kindNames = []string{"frame-incompatible-merge"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return "unknown"
}

func New(l *tlog.Logger, kinds ...Kind) *Handler {
	h := &Handler{
		Logger:  l,
		enabled: map[Kind]struct{}{},
	}

	for _, k := range kinds {
		h.enabled[k] = struct{}{}
	}

	return h
}

func (h *Handler) Enabled(k Kind) bool {
	if h == nil {
		return false
	}

	_, ok := h.enabled[k]

	return ok
}

// Warn emits one warning event. Panics from the logging backend are
// swallowed here so that diagnostics never break the pass.
func (h *Handler) Warn(k Kind, location loc.PC, props Props, msg string) {
	if !h.Enabled(k) {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			tlog.Printw("diagnostics backend failure", "panic", p, "kind", k)
		}
	}()

	kvs := []any{"kind", k.String(), "location", location}

	for key, v := range props {
		kvs = append(kvs, key, v)
	}

	l := h.Logger
	if l == nil {
		l = tlog.DefaultLogger
	}

	l.Printw(msg, kvs...)
}
