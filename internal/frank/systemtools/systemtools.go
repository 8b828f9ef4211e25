// Package systemtools probes the host for desktop-automation binaries at
// startup and auto-registers a dynamic tool per available capability group.
// Absence of every candidate binary for a group only omits that group's
// tool; it never prevents Frankenstein from starting.
package systemtools

import (
	"context"
	"encoding/json"
	"os/exec"

	"github.com/barrhawk/e2e-core/internal/frank/tools"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// Capability is one auto-detectable desktop-automation group.
type Capability string

const (
	CapabilityScreenshot       Capability = "screenshot"
	CapabilityMouse            Capability = "mouse"
	CapabilityKeyboard         Capability = "keyboard"
	CapabilityWindowManagement Capability = "window_management"
)

// candidate is one binary this capability group may be satisfied by,
// checked in the table's declared order — the first one found on PATH
// wins.
type candidate struct {
	binary string
	// argsTemplate is the binary's argv after the binary itself; each
	// "$params.x" entry is replaced by the interpreter at exec time.
	argsTemplate []string
}

type capabilityEntry struct {
	capability  Capability
	toolName    string
	description string
	candidates  []candidate
	inputSchema json.RawMessage
}

// table is the fixed, priority-ordered system-tool catalogue. Each
// capability lists its candidate binaries from most to least preferred;
// LookPath decides which (if any) is actually present.
var table = []capabilityEntry{
	{
		capability:  CapabilityScreenshot,
		toolName:    "system_screenshot",
		description: "Captures the full host screen via a detected system binary.",
		candidates: []candidate{
			{binary: "gnome-screenshot", argsTemplate: []string{"-f", "$params.outputPath"}},
			{binary: "scrot", argsTemplate: []string{"$params.outputPath"}},
			{binary: "import", argsTemplate: []string{"-window", "root", "$params.outputPath"}},
			{binary: "screencapture", argsTemplate: []string{"$params.outputPath"}},
		},
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"outputPath": {"type": "string"}},
			"required": ["outputPath"]
		}`),
	},
	{
		capability:  CapabilityMouse,
		toolName:    "system_mouse_click",
		description: "Moves the mouse to (x, y) and clicks via a detected system binary.",
		candidates: []candidate{
			{binary: "xdotool", argsTemplate: []string{"mousemove", "$params.x", "$params.y", "click", "1"}},
			{binary: "cliclick", argsTemplate: []string{"c:$params.x,$params.y"}},
		},
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"x": {"type": "number"}, "y": {"type": "number"}},
			"required": ["x", "y"]
		}`),
	},
	{
		capability:  CapabilityKeyboard,
		toolName:    "system_keyboard_type",
		description: "Types literal text via a detected system binary.",
		candidates: []candidate{
			{binary: "xdotool", argsTemplate: []string{"type", "$params.text"}},
			{binary: "cliclick", argsTemplate: []string{"t:$params.text"}},
		},
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
	},
	{
		capability:  CapabilityWindowManagement,
		toolName:    "system_focus_window",
		description: "Brings a window matching a title substring to the foreground.",
		candidates: []candidate{
			{binary: "wmctrl", argsTemplate: []string{"-a", "$params.title"}},
			{binary: "xdotool", argsTemplate: []string{"search", "--name", "$params.title", "windowactivate"}},
		},
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"title": {"type": "string"}},
			"required": ["title"]
		}`),
	},
}

// LookupFunc resolves a binary name to a path exactly as exec.LookPath
// would; tests substitute a fake so probing doesn't depend on the actual
// host's PATH.
type LookupFunc func(binary string) (string, error)

// Detected is one capability group's probe result.
type Detected struct {
	Capability Capability
	ToolName   string
	Binary     string
}

// Probe walks table in order, picking the first available candidate binary
// per capability group via lookup, and returns every capability that
// resolved to a binary.
func Probe(lookup LookupFunc, logger telemetry.Logger) []Detected {
	if lookup == nil {
		lookup = exec.LookPath
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	var detected []Detected
	for _, entry := range table {
		found := false
		for _, c := range entry.candidates {
			if _, err := lookup(c.binary); err == nil {
				detected = append(detected, Detected{Capability: entry.capability, ToolName: entry.toolName, Binary: c.binary})
				found = true
				break
			}
		}
		if !found {
			logger.Warn(context.Background(), "system tool capability unavailable: no candidate binary found", "capability", string(entry.capability))
		}
	}
	return detected
}

// RegisterDetected auto-registers one dynamic tool per detected capability
// into registry, using the matched candidate's exec instruction. Startup
// never fails because of a missing binary: a capability simply has no
// entry in detected, and no tool is registered for it.
func RegisterDetected(registry *tools.Registry, lookup LookupFunc, logger telemetry.Logger) []Detected {
	detected := Probe(lookup, logger)
	for _, d := range detected {
		entry := entryFor(d.Capability)
		if entry == nil {
			continue
		}
		cand := candidateFor(entry, d.Binary)
		if cand == nil {
			continue
		}
		spec := tools.Spec{Instructions: []tools.Instruction{
			{Op: tools.OpExec, Command: cand.binary, Assign: "execResult"},
			{Op: tools.OpReturn, Value: "$execResult"},
		}}
		// Args reference params via the declarative AST's own resolution at
		// exec time, not at registration; ast.go's Instruction carries a
		// static Args slice, so each "$params.x" placeholder is substituted
		// by the interpreter when it runs the exec op, not here.
		spec.Instructions[0].Args = cand.argsTemplate
		source, err := json.Marshal(spec)
		if err != nil {
			logger.Error(context.Background(), "marshal system tool spec", "tool", entry.toolName, "error", err)
			continue
		}
		if _, err := registry.Create(entry.toolName, entry.description, source, entry.inputSchema); err != nil {
			logger.Error(context.Background(), "register system tool", "tool", entry.toolName, "error", err)
		}
	}
	return detected
}

func entryFor(cap Capability) *capabilityEntry {
	for i := range table {
		if table[i].capability == cap {
			return &table[i]
		}
	}
	return nil
}

func candidateFor(entry *capabilityEntry, binary string) *candidate {
	for i := range entry.candidates {
		if entry.candidates[i].binary == binary {
			return &entry.candidates[i]
		}
	}
	return nil
}
