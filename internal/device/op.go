package device

import "sort"

// Op selects the control operation Dispatch performs.
type Op string

const (
	OpReset    Op = "reset"
	OpSet      Op = "set"
	OpTell     Op = "tell"
	OpGet      Op = "get"
	OpQuery    Op = "query"
	OpExchange Op = "exchange"
	OpShift    Op = "shift"
	OpObserve  Op = "observe"
)

type opSpec struct {
	token    string
	needsArg bool
	mutates  bool
}

var opTable = map[Op]opSpec{
	OpReset:    {token: "R", mutates: true},
	OpSet:      {token: "S", needsArg: true, mutates: true},
	OpTell:     {token: "T", needsArg: true, mutates: true},
	OpGet:      {token: "G"},
	OpQuery:    {token: "Q"},
	OpExchange: {token: "X", needsArg: true, mutates: true},
	OpShift:    {token: "H", needsArg: true, mutates: true},
	OpObserve:  {token: "i"},
}

// Valid reports whether o is a member of the fixed operation set.
func (o Op) Valid() bool {
	_, ok := opTable[o]
	return ok
}

// NeedsArg reports whether o takes an integer argument.
func (o Op) NeedsArg() bool {
	return opTable[o].needsArg
}

// Mutates reports whether o writes the quantum.
func (o Op) Mutates() bool {
	return opTable[o].mutates
}

// Token returns the single-letter CLI token for o.
func (o Op) Token() string {
	return opTable[o].token
}

// OpFromToken maps a CLI token to its operation. "I" is accepted as an alias
// for observe.
func OpFromToken(tok string) (Op, bool) {
	if tok == "I" {
		return OpObserve, true
	}
	for op, spec := range opTable {
		if spec.token == tok {
			return op, true
		}
	}
	return "", false
}

// Ops returns the operation set sorted by name.
func Ops() []Op {
	out := make([]Op, 0, len(opTable))
	for op := range opTable {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
