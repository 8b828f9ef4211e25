package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/barrhawk/e2e-core/internal/errs"
	"github.com/barrhawk/e2e-core/internal/ring"
)

// Status is a tool's lifecycle stage.
type Status string

const (
	StatusExperimental Status = "experimental"
	StatusIgorified    Status = "igorified"
)

// Tool is one registered dynamic tool.
type Tool struct {
	ID          string
	Name        string
	Description string
	Source      json.RawMessage
	Spec        Spec
	InputSchema json.RawMessage
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time

	mu          sync.Mutex
	invocations int
	successes   int
	durations   *ring.Buffer

	schema *jsonschema.Schema
}

// Stats is a read-only snapshot of a tool's invocation counters.
type Stats struct {
	Invocations int     `json:"invocations"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"successRate"`
	MeanDurationMs float64 `json:"meanDurationMs"`
}

func (t *Tool) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	rate := 0.0
	if t.invocations > 0 {
		rate = float64(t.successes) / float64(t.invocations)
	}
	return Stats{
		Invocations:    t.invocations,
		Successes:      t.successes,
		SuccessRate:    rate,
		MeanDurationMs: t.durations.Mean() * 1000,
	}
}

func (t *Tool) recordInvocation(success bool, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invocations++
	if success {
		t.successes++
	}
	t.durations.Add(d.Seconds())
}

// Registry owns every dynamic tool, keyed by id and by declared name.
type Registry struct {
	mu      sync.Mutex
	byID    map[string]*Tool
	byName  map[string]string // name -> id
	caps    Capabilities
}

// NewRegistry constructs an empty Registry backed by caps for invocation.
func NewRegistry(caps Capabilities) *Registry {
	return &Registry{byID: make(map[string]*Tool), byName: make(map[string]string), caps: caps}
}

// Create compiles source into a Spec, compiles inputSchema, and stores the
// tool under a newly generated id and its declared name. A non-function
// (here: non-instruction-sequence) source is rejected.
func (r *Registry) Create(name, description string, source, inputSchema json.RawMessage) (*Tool, error) {
	spec, err := ParseSpec(source)
	if err != nil {
		return nil, errs.Wrap(errs.ToolCompileFailed, err, "parse tool spec")
	}
	schema, err := compileSchema(name, inputSchema)
	if err != nil {
		return nil, errs.Wrap(errs.ToolCompileFailed, err, "compile input schema")
	}
	now := time.Now().UTC()
	t := &Tool{
		ID: uuid.NewString(), Name: name, Description: description,
		Source: source, Spec: spec, InputSchema: inputSchema,
		Status: StatusExperimental, CreatedAt: now, UpdatedAt: now,
		durations: ring.New(100), schema: schema,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.ID] = t
	r.byName[name] = t.ID
	return t, nil
}

// Update recompiles source (and inputSchema, if non-empty) and replaces the
// tool's program atomically; a failed recompile leaves the previous version
// active and is returned as an error.
func (r *Registry) Update(id string, source, inputSchema json.RawMessage) error {
	r.mu.Lock()
	t, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return errs.New(errs.ToolNotFound, "tool not found")
	}
	spec, err := ParseSpec(source)
	if err != nil {
		return errs.Wrap(errs.ToolCompileFailed, err, "parse tool spec")
	}
	schema := t.schema
	if len(inputSchema) > 0 {
		schema, err = compileSchema(t.Name, inputSchema)
		if err != nil {
			return errs.Wrap(errs.ToolCompileFailed, err, "compile input schema")
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Source = source
	t.Spec = spec
	if len(inputSchema) > 0 {
		t.InputSchema = inputSchema
	}
	t.schema = schema
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes a tool by id.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byID[id]; ok {
		delete(r.byName, t.Name)
		delete(r.byID, id)
	}
}

// Get returns a tool by id.
func (r *Registry) Get(id string) (*Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

// GetByName returns a tool by its declared name.
func (r *Registry) GetByName(name string) (*Tool, bool) {
	r.mu.Lock()
	id, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// Names returns every currently registered tool's declared name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

// Snapshot returns a copy of every tool's metadata and stats, for the /frank
// endpoint.
func (r *Registry) Snapshot() []map[string]any {
	r.mu.Lock()
	tools := make([]*Tool, 0, len(r.byID))
	for _, t := range r.byID {
		tools = append(tools, t)
	}
	r.mu.Unlock()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"id": t.ID, "name": t.Name, "status": t.Status, "stats": t.stats(),
		})
	}
	return out
}

// Invoke validates params against the tool's input schema, then interprets
// its Spec under the hard wall-clock timeout, recording the outcome in the
// tool's counters and rolling duration buffer.
func (r *Registry) Invoke(ctx context.Context, id string, params map[string]any) (any, error) {
	t, ok := r.Get(id)
	if !ok {
		return nil, errs.New(errs.ToolNotFound, "tool not found: "+id)
	}
	if t.schema != nil {
		if err := t.schema.Validate(toAnyMap(params)); err != nil {
			return nil, errs.Wrap(errs.ValidationFailed, err, "tool params failed schema validation")
		}
	}
	start := time.Now()
	result, err := Interpret(ctx, t.Spec, params, r.caps, DefaultTimeout)
	t.recordInvocation(err == nil, time.Since(start))
	if err != nil {
		return nil, errs.Wrap(errs.ToolInvokeFailed, err, "tool invocation failed")
	}
	return result, nil
}

// PromoteEligible returns every experimental tool meeting the promotion bar
// (invocations >= 10, success rate >= 0.9) without mutating their status;
// callers decide whether to actually export+promote via Promote.
func (r *Registry) PromoteEligible() []*Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Tool
	for _, t := range r.byID {
		if t.Status != StatusExperimental {
			continue
		}
		s := t.stats()
		if s.Invocations >= 10 && s.SuccessRate >= 0.9 {
			out = append(out, t)
		}
	}
	return out
}

// ExportArtifact is the language-neutral promotion payload emitted by
// tool.export.
type ExportArtifact struct {
	Name         string         `json:"name"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	Stats        Stats          `json:"stats"`
	CodeSkeleton Spec           `json:"codeSkeleton"`
}

// Promote transitions a tool to igorified and returns its export artifact.
func (r *Registry) Promote(id string) (ExportArtifact, error) {
	t, ok := r.Get(id)
	if !ok {
		return ExportArtifact{}, errs.New(errs.ToolNotFound, "tool not found")
	}
	stats := t.stats() // takes t.mu itself, so read before locking
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = StatusIgorified
	return ExportArtifact{
		Name: t.Name, InputSchema: t.InputSchema,
		Stats: stats, CodeSkeleton: t.Spec,
	}, nil
}

func compileSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resourceID := "tool:" + id
	if err := c.AddResource(resourceID, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceID)
}

func toAnyMap(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	return params
}
