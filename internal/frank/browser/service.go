package browser

import (
	"context"
	"time"

	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/errs"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// BusClient is the subset of *bus.Client the Service needs.
type BusClient interface {
	Send(target, msgType string, payload any) (bus.Message, error)
	Reply(req bus.Message, msgType string, payload any) error
	On(msgType string, h bus.Handler)
}

// wireError and wireReply mirror Igor's browserError/browserReply wire
// shapes exactly; the two packages agree on the contract without importing
// each other.
type wireError struct {
	Kind    string `json:"kind"`
	Command string `json:"command"`
	Detail  string `json:"detail"`
	Cause   string `json:"cause,omitempty"`
}

type wireReply struct {
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *wireError `json:"error,omitempty"`
}

// Service wires the Pool to the bus.
type Service struct {
	pool           *Pool
	client         BusClient
	logger         telemetry.Logger
	allowLocalhost bool
}

// NewService constructs a Service over pool.
func NewService(pool *Pool, client BusClient, logger telemetry.Logger, allowLocalhost bool) *Service {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{pool: pool, client: client, logger: logger, allowLocalhost: allowLocalhost}
}

// Pool exposes the underlying session pool, e.g. so cmd/frank can run its
// idle sweeper alongside the Service's message handlers.
func (s *Service) Pool() *Pool {
	return s.pool
}

// RegisterHandlers subscribes to every browser.* message type.
func (s *Service) RegisterHandlers() {
	s.client.On("browser.launch", s.handleLaunch)
	s.client.On("browser.navigate", s.handleNavigate)
	s.client.On("browser.click", s.handleClick)
	s.client.On("browser.type", s.handleType)
	s.client.On("browser.screenshot", s.handleScreenshot)
	s.client.On("browser.close", s.handleClose)
}

func (s *Service) handleLaunch(ctx context.Context, msg bus.Message) {
	if err := s.pool.Launch(ctx, msg.Source); err != nil {
		s.replyError(msg, "browser.launch", err)
		return
	}
	s.reply(msg, map[string]string{"browserId": msg.Source})
}

type navigatePayload map[string]any

func (s *Service) handleNavigate(ctx context.Context, msg bus.Message) {
	sess, err := s.pool.Get(msg.Source)
	if err != nil {
		s.replyError(msg, "browser.navigate", err)
		return
	}
	var params navigatePayload
	if err := msg.Decode(&params); err != nil {
		s.replyError(msg, "browser.navigate", errs.Wrap(errs.ValidationFailed, err, "malformed navigate payload"))
		return
	}
	target, err := resolveTarget(params, sess.Origin(), s.allowLocalhost)
	if err != nil {
		s.replyError(msg, "browser.navigate", err)
		return
	}
	if err := sess.Navigate(ctx, target); err != nil {
		s.replyError(msg, "browser.navigate", errs.Wrap(errs.NavigationFailed, err, "navigate failed"))
		return
	}
	s.reply(msg, map[string]string{"url": target})
}

func (s *Service) handleClick(ctx context.Context, msg bus.Message) {
	s.withLocatorAction(ctx, msg, "browser.click", func(sess Session, loc Locator, params map[string]any) (any, error) {
		waitForNav, _ := params["waitForNavigation"].(bool)
		if err := sess.Click(ctx, loc, waitForNav); err != nil {
			return nil, errs.Wrap(errs.ElementNotFound, err, "click failed")
		}
		return nil, nil
	})
}

func (s *Service) handleType(ctx context.Context, msg bus.Message) {
	s.withLocatorAction(ctx, msg, "browser.type", func(sess Session, loc Locator, params map[string]any) (any, error) {
		text, _ := params["text"].(string)
		if err := validateText(text); err != nil {
			return nil, err
		}
		if err := sess.Type(ctx, loc, text); err != nil {
			return nil, errs.Wrap(errs.ElementNotFound, err, "type failed")
		}
		return nil, nil
	})
}

func (s *Service) withLocatorAction(ctx context.Context, msg bus.Message, command string, fn func(sess Session, loc Locator, params map[string]any) (any, error)) {
	sess, err := s.pool.Get(msg.Source)
	if err != nil {
		s.replyError(msg, command, err)
		return
	}
	var params map[string]any
	if err := msg.Decode(&params); err != nil {
		s.replyError(msg, command, errs.Wrap(errs.ValidationFailed, err, "malformed payload"))
		return
	}
	loc, err := resolveLocator(params)
	if err != nil {
		s.replyError(msg, command, err)
		return
	}
	result, err := fn(sess, loc, params)
	if err != nil {
		s.replyError(msg, command, err)
		return
	}
	s.reply(msg, result)
}

func (s *Service) handleScreenshot(ctx context.Context, msg bus.Message) {
	sess, err := s.pool.Get(msg.Source)
	if err != nil {
		s.replyError(msg, "browser.screenshot", err)
		return
	}
	shot, err := sess.Screenshot(ctx)
	if err != nil {
		s.replyError(msg, "browser.screenshot", errs.Wrap(errs.Unexpected, err, "screenshot failed"))
		return
	}
	s.reply(msg, map[string]string{"image": shot})
}

func (s *Service) handleClose(ctx context.Context, msg bus.Message) {
	if err := s.pool.Close(ctx, msg.Source); err != nil {
		s.replyError(msg, "browser.close", err)
		return
	}
	s.reply(msg, nil)
}

func (s *Service) reply(req bus.Message, result any) {
	if err := s.client.Reply(req, req.Type+".reply", wireReply{OK: true, Result: result}); err != nil {
		s.logger.Error(context.Background(), "reply browser command", "type", req.Type, "error", err)
	}
}

func (s *Service) replyError(req bus.Message, command string, err error) {
	e := errs.As(err)
	wire := wireReply{OK: false, Error: &wireError{Kind: string(e.Kind), Command: command, Detail: e.Message}}
	if e.Cause != nil {
		wire.Error.Cause = e.Cause.Error()
	}
	if sendErr := s.client.Reply(req, req.Type+".reply", wire); sendErr != nil {
		s.logger.Error(context.Background(), "reply browser error", "type", req.Type, "error", sendErr)
	}
}

// onConsole and onError adapt Pool's per-session callbacks into event.console
// / event.error broadcasts.
func (s *Service) onConsole(browserID, message string) {
	if _, err := s.client.Send(bus.Broadcast, "event.console", ConsoleEvent{BrowserID: browserID, Message: message}); err != nil {
		s.logger.Error(context.Background(), "broadcast event.console", "error", err)
	}
}

func (s *Service) onError(browserID, message string) {
	if _, err := s.client.Send(bus.Broadcast, "event.error", ErrorEvent{BrowserID: browserID, Message: message}); err != nil {
		s.logger.Error(context.Background(), "broadcast event.error", "error", err)
	}
}

// NewServiceWithBroadcasts constructs a Service whose Pool forwards console
// and page errors straight to event.console/event.error broadcasts.
func NewServiceWithBroadcasts(launcher Launcher, maxBrowsers int, idleTimeout time.Duration, client BusClient, logger telemetry.Logger, allowLocalhost bool) *Service {
	s := &Service{client: client, logger: logger, allowLocalhost: allowLocalhost}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	s.pool = NewPool(launcher, maxBrowsers, idleTimeout, s.onConsole, s.onError)
	return s
}
