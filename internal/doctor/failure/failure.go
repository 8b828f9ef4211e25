// Package failure tracks recurring step failures and drives the
// tool-creation loop: when the same normalized error recurs often enough,
// it requests a new Frank tool to repair it.
package failure

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/barrhawk/e2e-core/internal/ring"
)

// Pattern is one normalized recurring failure.
type Pattern struct {
	Key           string
	Action        string
	Occurrences   int
	FirstSeen     time.Time
	LastSeen      time.Time
	PlanIDs       map[string]bool
	ToolRequested bool
	ToolCreated   string
	durations     *ring.Buffer
}

// Tracker accumulates failure patterns and issues tool-creation requests
// once a pattern crosses the configured threshold.
type Tracker struct {
	mu       sync.Mutex
	patterns map[string]*Pattern
	pending  map[string]*PendingRequest // keyed by request id
	threshold int
}

// PendingRequest is one outstanding tool.create awaiting acknowledgement.
type PendingRequest struct {
	RequestID      string
	OriginPlanID   string
	StepIndex      int
	PatternKey     string
	CandidateName  string
	CreatedAt      time.Time
}

// NewTracker constructs an empty Tracker. threshold is the occurrence count
// (FAILURE_THRESHOLD_FOR_TOOL) at which a pattern becomes eligible for
// tool creation.
func NewTracker(threshold int) *Tracker {
	if threshold < 1 {
		threshold = 2
	}
	return &Tracker{
		patterns: make(map[string]*Pattern),
		pending:  make(map[string]*PendingRequest),
		threshold: threshold,
	}
}

var (
	quotedRe = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	digitsRe = regexp.MustCompile(`\d+`)
	spacesRe = regexp.MustCompile(`\s+`)
)

// NormalizeKey computes the failure-pattern key: strip quoted substrings,
// replace digit runs with N, collapse whitespace, truncate to 100 chars.
func NormalizeKey(action, errMsg string) string {
	s := quotedRe.ReplaceAllString(errMsg, "")
	s = digitsRe.ReplaceAllString(s, "N")
	s = spacesRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > 100 {
		s = s[:100]
	}
	return action + "|" + s
}

// SerializeError serializes an arbitrary error payload to a stable string,
// preferring message/code/details fields before falling back to the error's
// own string form.
func SerializeError(fields map[string]any, fallback string) string {
	for _, key := range []string{"message", "code", "details"} {
		if v, ok := fields[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return fallback
}

// UpsertResult describes what happened to a pattern after a failure was
// recorded.
type UpsertResult struct {
	Key              string
	Occurrences      int
	CrossedThreshold bool
	ToolType         string
}

// Upsert records one step.failed occurrence, returning whether the pattern
// just crossed the threshold for tool creation and is eligible (no prior
// tool requested, a known tool type).
func (t *Tracker) Upsert(action, errMsg, planID string) UpsertResult {
	key := NormalizeKey(action, errMsg)
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.patterns[key]
	if !ok {
		p = &Pattern{Key: key, Action: action, FirstSeen: time.Now().UTC(), PlanIDs: map[string]bool{}, durations: ring.New(100)}
		t.patterns[key] = p
	}
	p.Occurrences++
	p.LastSeen = time.Now().UTC()
	p.PlanIDs[planID] = true

	// Classify the normalized text so a quoted selector cannot split a rule's
	// phrase (`element "#x" not found` reads as "element not found").
	toolType, known := classify(strings.TrimPrefix(key, action+"|"))
	eligible := known && !p.ToolRequested && p.Occurrences >= t.threshold
	return UpsertResult{Key: key, Occurrences: p.Occurrences, CrossedThreshold: eligible, ToolType: toolType}
}

// toolTypeRules classifies an error message against the fixed tool-type
// table. Order matters: the first matching rule wins.
var toolTypeRules = []struct {
	pattern  *regexp.Regexp
	toolType string
}{
	{regexp.MustCompile(`(?i)element not found|no such element|selector .* not found`), "smart_selector"},
	{regexp.MustCompile(`(?i)timed? ?out waiting|wait.*timeout`), "wait_helper"},
	{regexp.MustCompile(`(?i)net::|network error|fetch failed|connection refused`), "network_helper"},
	{regexp.MustCompile(`(?i)not visible|hidden element|display:\s*none`), "visibility_helper"},
	{regexp.MustCompile(`(?i)frame not found|cross-origin frame|iframe`), "frame_handler"},
	{regexp.MustCompile(`(?i)popup|new window|window.open`), "popup_handler"},
	{regexp.MustCompile(`(?i)captcha|recaptcha|are you human`), "captcha_handler"},
	{regexp.MustCompile(`(?i)date ?picker|calendar widget`), "date_picker"},
	{regexp.MustCompile(`(?i)dropdown|select option|combobox`), "dropdown_handler"},
	{regexp.MustCompile(`(?i)file upload|input\[type=file\]`), "file_upload"},
}

func classify(errMsg string) (toolType string, ok bool) {
	for _, r := range toolTypeRules {
		if r.pattern.MatchString(errMsg) {
			return r.toolType, true
		}
	}
	return "", false
}

// RequestTool records a PendingToolRequest for a pattern crossing threshold
// and marks the pattern as having a tool requested, returning the generated
// tool name.
func (t *Tracker) RequestTool(key, originPlanID string, stepIndex int, toolType string) PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.patterns[key]
	if !ok {
		p = &Pattern{Key: key, PlanIDs: map[string]bool{}, durations: ring.New(100)}
		t.patterns[key] = p
	}
	p.ToolRequested = true
	name := "auto_" + toolType + "_" + shortID()
	req := PendingRequest{
		RequestID:     uuid.NewString(),
		OriginPlanID:  originPlanID,
		StepIndex:     stepIndex,
		PatternKey:    key,
		CandidateName: name,
		CreatedAt:     time.Now().UTC(),
	}
	t.pending[req.RequestID] = &req
	return req
}

func shortID() string {
	id := uuid.NewString()
	return strings.ReplaceAll(id[:8], "-", "")
}

// ToolCreated handles a tool.created ack: records latency, associates the
// tool with its pattern, clears the pending request, and reports the
// pattern key and origin plan so the caller can decide whether to retry it.
func (t *Tracker) ToolCreated(requestID, toolName string) (pattern *Pattern, origin PendingRequest, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[requestID]
	if !ok {
		return nil, PendingRequest{}, false
	}
	delete(t.pending, requestID)
	p, ok := t.patterns[req.PatternKey]
	if ok {
		p.ToolCreated = toolName
		p.durations.Add(time.Since(req.CreatedAt).Seconds())
	}
	return p, *req, true
}

// ToolError handles a tool.error ack: clears toolRequested so the pattern
// may be re-requested later, and discards the pending request.
func (t *Tracker) ToolError(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[requestID]
	if !ok {
		return
	}
	delete(t.pending, requestID)
	if p, ok := t.patterns[req.PatternKey]; ok {
		p.ToolRequested = false
	}
}

// Snapshot returns a copy of every tracked pattern, for the /frank endpoint.
func (t *Tracker) Snapshot() []Pattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Pattern, 0, len(t.patterns))
	for _, p := range t.patterns {
		out = append(out, *p)
	}
	return out
}

// PendingSnapshot returns a copy of every outstanding tool-creation request.
func (t *Tracker) PendingSnapshot() []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingRequest, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, *p)
	}
	return out
}
