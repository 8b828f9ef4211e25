package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/errs"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// BusClient is the subset of *bus.Client the Service needs: fire-and-forget
// sends, correlated replies, and handler registration.
type BusClient interface {
	Send(target, msgType string, payload any) (bus.Message, error)
	Reply(req bus.Message, msgType string, payload any) error
	On(msgType string, h bus.Handler)
}

// Service wires the Registry to the bus: tool.create/tool.update build and
// replace tools, tool.invoke executes them, and a background loop promotes
// experimental tools that clear the invocation and success-rate bar.
type Service struct {
	registry *Registry
	client   BusClient
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

// NewService constructs a Service over registry.
func NewService(registry *Registry, client BusClient, logger telemetry.Logger, metrics telemetry.Metrics) *Service {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Service{registry: registry, client: client, logger: logger, metrics: metrics}
}

// RegisterHandlers subscribes the Service to every tool lifecycle message.
func (s *Service) RegisterHandlers() {
	s.client.On("tool.create", s.handleToolCreate)
	s.client.On("tool.update", s.handleToolUpdate)
	s.client.On("tool.invoke", s.handleToolInvoke)
}

type toolCreatePayload struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Source      json.RawMessage `json:"source"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (s *Service) handleToolCreate(ctx context.Context, msg bus.Message) {
	var p toolCreatePayload
	if err := msg.Decode(&p); err != nil {
		s.replyToolError(msg, errs.Wrap(errs.ValidationFailed, err, "malformed tool.create payload"))
		return
	}
	tool, err := s.registry.Create(p.Name, p.Description, p.Source, p.InputSchema)
	if err != nil {
		s.replyToolError(msg, errs.As(err))
		return
	}
	s.logger.Info(ctx, "tool created", "id", tool.ID, "name", tool.Name)
	s.metrics.IncCounter("frank.tool.created", 1, "name", tool.Name)
	if err := s.client.Reply(msg, "tool.created", map[string]string{"id": tool.ID, "name": tool.Name}); err != nil {
		s.logger.Error(ctx, "reply tool.created", "error", err)
	}
}

type toolUpdatePayload struct {
	ID          string          `json:"id"`
	Source      json.RawMessage `json:"source"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (s *Service) handleToolUpdate(ctx context.Context, msg bus.Message) {
	var p toolUpdatePayload
	if err := msg.Decode(&p); err != nil {
		s.replyToolError(msg, errs.Wrap(errs.ValidationFailed, err, "malformed tool.update payload"))
		return
	}
	if err := s.registry.Update(p.ID, p.Source, p.InputSchema); err != nil {
		s.replyToolError(msg, errs.As(err))
		return
	}
	s.logger.Info(ctx, "tool updated", "id", p.ID)
	if err := s.client.Reply(msg, "tool.updated", map[string]string{"id": p.ID}); err != nil {
		s.logger.Error(ctx, "reply tool.updated", "error", err)
	}
}

type toolInvokePayload struct {
	ToolID string         `json:"toolId"`
	Params map[string]any `json:"params"`
}

func (s *Service) handleToolInvoke(ctx context.Context, msg bus.Message) {
	var p toolInvokePayload
	if err := msg.Decode(&p); err != nil {
		s.replyToolError(msg, errs.Wrap(errs.ValidationFailed, err, "malformed tool.invoke payload"))
		return
	}
	start := time.Now()
	result, err := s.registry.Invoke(ctx, p.ToolID, p.Params)
	s.metrics.RecordTimer("frank.tool.invoke.duration", time.Since(start), "toolId", p.ToolID)
	if err != nil {
		s.replyToolError(msg, errs.As(err))
		return
	}
	if err := s.client.Reply(msg, "tool.result", map[string]any{"toolId": p.ToolID, "result": result}); err != nil {
		s.logger.Error(ctx, "reply tool.result", "error", err)
	}
}

func (s *Service) replyToolError(req bus.Message, e *errs.Error) {
	payload := map[string]any{"kind": string(e.Kind), "detail": e.Message}
	if err := s.client.Reply(req, "tool.error", payload); err != nil {
		s.logger.Error(context.Background(), "reply tool.error", "error", err)
	}
}

// RunPromotionLoop periodically checks the registry for tools that have
// crossed the promotion bar, emitting tool.export and transitioning each to
// igorified until ctx is done.
func (s *Service) RunPromotionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.promoteEligibleTools(ctx)
		}
	}
}

func (s *Service) promoteEligibleTools(ctx context.Context) {
	for _, t := range s.registry.PromoteEligible() {
		artifact, err := s.registry.Promote(t.ID)
		if err != nil {
			s.logger.Error(ctx, "promote tool", "id", t.ID, "error", err)
			continue
		}
		s.logger.Info(ctx, "tool promoted", "id", t.ID, "name", artifact.Name)
		if _, err := s.client.Send(bus.Broadcast, "tool.export", artifact); err != nil {
			s.logger.Error(ctx, "broadcast tool.export", "error", err)
		}
	}
}

// Registry exposes the underlying Registry for HTTP/snapshot callers.
func (s *Service) Registry() *Registry {
	return s.registry
}
