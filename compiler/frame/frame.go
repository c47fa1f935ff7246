package frame

import "tlog.app/go/tlog/tlwire"

type (
	// SlotKind is a frame slot type tag.
	SlotKind byte

	// Descriptor is compile-time metadata of one frame allocation site.
	// Legacy and Indexed are the declared slot tags; they are widened in
	// place from Illegal to a concrete kind during verification and never
	// change once concrete.
	Descriptor struct {
		Method string

		Legacy  []SlotKind
		Indexed []SlotKind
	}

	Speculation int

	// SpeculationLog hands out deoptimization speculation tokens.
	// Tokens are stable per reason for the lifetime of the compiled artifact.
	SpeculationLog interface {
		Speculate(reason string) Speculation
	}

	Log struct {
		reasons []string
		tokens  map[string]Speculation
	}
)

const (
	Object SlotKind = iota
	Long
	Int
	Double
	Float
	Boolean
	Byte
	Illegal

	// Illegal marks a slot that has not been initialized yet.
	// Long is the default representation of a cleared slot.
)

const NoSpeculation Speculation = -1

var kindNames = []string{"object", "long", "int", "double", "float", "boolean", "byte", "illegal"}

func (k SlotKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return "unknown"
}

func KindOf(name string) (SlotKind, bool) {
	for i, n := range kindNames {
		if n == name {
			return SlotKind(i), true
		}
	}

	return 0, false
}

func (k SlotKind) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, k.String())
}

func (d *Descriptor) IntrinsifySpeculation() string {
	return "frame accessor intrinsification: " + d.Method
}

func NewLog() *Log {
	return &Log{
		tokens: map[string]Speculation{},
	}
}

func (l *Log) Speculate(reason string) Speculation {
	if t, ok := l.tokens[reason]; ok {
		return t
	}

	t := Speculation(len(l.reasons))
	l.reasons = append(l.reasons, reason)
	l.tokens[reason] = t

	return t
}

func (l *Log) Reason(t Speculation) string {
	if t < 0 || int(t) >= len(l.reasons) {
		return ""
	}

	return l.reasons[t]
}
