// Package tools implements Frank's dynamic tool registry. A tool is not
// compiled source code — it is a declarative instruction sequence (an AST)
// interpreted against a fixed capability set, so untrusted tool definitions
// can never reach outside the sandbox the interpreter provides.
package tools

import "encoding/json"

// Op is one instruction kind in a tool's instruction sequence.
type Op string

const (
	OpFetch      Op = "fetch"
	OpSleep      Op = "sleep"
	OpExec       Op = "exec"
	OpScreenshot Op = "screenshot"
	OpLog        Op = "log"
	OpSet        Op = "set"
	OpReturn     Op = "return"
)

// Instruction is one step of a tool's interpreted program. Exactly the
// fields relevant to Op are populated; the rest are left zero.
type Instruction struct {
	Op      Op     `json:"op"`
	Assign  string `json:"assign,omitempty"`  // variable name to store the result under
	URL     string `json:"url,omitempty"`     // fetch
	Ms      int    `json:"ms,omitempty"`      // sleep
	Command string `json:"command,omitempty"` // exec
	Args    []string `json:"args,omitempty"`  // exec
	Message string `json:"message,omitempty"` // log
	Value   string `json:"value,omitempty"`   // set / return: a literal, or "$name"/"$params.field" lookup
}

// Spec is a tool's compiled-in-the-declarative-sense program: an ordered
// instruction sequence with no control-flow operators beyond sequencing —
// deliberately not Turing-complete, so a hostile tool definition can't loop
// forever inside the interpreter (the wall-clock timeout is the backstop,
// not the primary defense).
type Spec struct {
	Instructions []Instruction `json:"instructions"`
}

// ParseSpec decodes a tool's source field (itself a JSON document) into a
// Spec, rejecting anything that isn't a well-formed instruction sequence —
// the closest equivalent to "reject non-function compilations" available
// to a declarative interpreter.
func ParseSpec(source json.RawMessage) (Spec, error) {
	var spec Spec
	if err := json.Unmarshal(source, &spec); err != nil {
		return Spec{}, err
	}
	if len(spec.Instructions) == 0 {
		return Spec{}, errEmptySpec
	}
	for _, instr := range spec.Instructions {
		if !validOps[instr.Op] {
			return Spec{}, errUnknownOp(instr.Op)
		}
	}
	return spec, nil
}

var validOps = map[Op]bool{
	OpFetch: true, OpSleep: true, OpExec: true, OpScreenshot: true,
	OpLog: true, OpSet: true, OpReturn: true,
}
