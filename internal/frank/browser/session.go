// Package browser implements Frankenstein's browser surface: the
// browser.{launch,navigate,click,type,screenshot,close} handlers, a
// MAX_BROWSERS-capped pool of live sessions with idle eviction, and the
// console/error event broadcasts those sessions produce.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Locator is the resolved target of a click/type action. Exactly one of the
// fields is meaningful, selected by Kind.
type Locator struct {
	Kind  LocatorKind
	Value string
}

// LocatorKind enumerates the ways a compiled step may address an element.
type LocatorKind string

const (
	LocatorSelector LocatorKind = "selector"
	LocatorText     LocatorKind = "text"
	LocatorName     LocatorKind = "name"
	LocatorType     LocatorKind = "type"
)

// ConsoleEvent and ErrorEvent are the payload shapes broadcast on
// event.console and event.error respectively.
type ConsoleEvent struct {
	BrowserID string `json:"browserId"`
	Message   string `json:"message"`
}

type ErrorEvent struct {
	BrowserID string `json:"browserId"`
	Message   string `json:"message"`
}

// Session is one live browser/page pairing. The production implementation
// wraps go-rod/rod; tests substitute a fake.
type Session interface {
	Navigate(ctx context.Context, target string) error
	Click(ctx context.Context, loc Locator, waitForNavigation bool) error
	Type(ctx context.Context, loc Locator, text string) error
	Screenshot(ctx context.Context) (string, error)
	Close(ctx context.Context) error
	Origin() string
}

// Launcher constructs a new Session. Production code launches a real
// browser process; tests substitute an in-memory fake. onConsole/onError
// are wired to the session's page before any navigation occurs so no
// console output or page error is missed.
type Launcher interface {
	Launch(ctx context.Context, onConsole, onError func(msg string)) (Session, error)
}

// RodLauncher launches a headless Chromium instance per session via
// go-rod/rod, the same driver the distillation corpus depends on for
// browser automation.
type RodLauncher struct {
	// Headless, when false, launches a visible browser (useful locally).
	Headless bool
}

func (l RodLauncher) Launch(ctx context.Context, onConsole, onError func(msg string)) (Session, error) {
	u, err := launcher.New().Headless(l.Headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	sess := &rodSession{browser: b, page: page, onConsoleMsg: onConsole, onErrorMsg: onError}
	wait := page.EachEvent(func(e *proto.RuntimeConsoleAPICalled) {
		sess.onConsole(e)
	}, func(e *proto.RuntimeExceptionThrown) {
		sess.onError(e)
	})
	go wait()
	return sess, nil
}

type rodSession struct {
	browser      *rod.Browser
	page         *rod.Page
	origin       string
	onConsoleMsg func(string)
	onErrorMsg   func(string)
}

func (s *rodSession) onConsole(e *proto.RuntimeConsoleAPICalled) {
	if s.onConsoleMsg == nil || len(e.Args) == 0 {
		return
	}
	s.onConsoleMsg(fmt.Sprintf("%v", e.Args[0].Value))
}

func (s *rodSession) onError(e *proto.RuntimeExceptionThrown) {
	if s.onErrorMsg == nil {
		return
	}
	s.onErrorMsg(e.ExceptionDetails.Error())
}

func (s *rodSession) Navigate(ctx context.Context, target string) error {
	if err := s.page.Context(ctx).Navigate(target); err != nil {
		return err
	}
	if err := s.page.Context(ctx).WaitLoad(); err != nil {
		return err
	}
	if u, err := url.Parse(target); err == nil {
		s.origin = u.Scheme + "://" + u.Host
	}
	return nil
}

func (s *rodSession) Click(ctx context.Context, loc Locator, waitForNavigation bool) error {
	el, err := s.findElement(ctx, loc)
	if err != nil {
		return err
	}
	if err := el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if waitForNavigation {
		return s.page.Context(ctx).WaitLoad()
	}
	return nil
}

func (s *rodSession) Type(ctx context.Context, loc Locator, text string) error {
	el, err := s.findElement(ctx, loc)
	if err != nil {
		return err
	}
	return el.Context(ctx).Input(text)
}

func (s *rodSession) findElement(ctx context.Context, loc Locator) (*rod.Element, error) {
	switch loc.Kind {
	case LocatorSelector:
		return s.page.Context(ctx).Element(loc.Value)
	case LocatorName:
		return s.page.Context(ctx).Element(fmt.Sprintf("[name=%q]", loc.Value))
	case LocatorType:
		return s.page.Context(ctx).Element(fmt.Sprintf("[type=%q]", loc.Value))
	case LocatorText:
		return s.page.Context(ctx).ElementR("*", strings.TrimSpace(loc.Value))
	default:
		return nil, fmt.Errorf("unsupported locator kind %q", loc.Kind)
	}
}

func (s *rodSession) Screenshot(ctx context.Context) (string, error) {
	b, err := s.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return "", err
	}
	return encodeBase64(b), nil
}

func (s *rodSession) Close(ctx context.Context) error {
	return s.browser.Context(ctx).Close()
}

func (s *rodSession) Origin() string {
	return s.origin
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
