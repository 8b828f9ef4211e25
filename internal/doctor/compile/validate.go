package compile

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/barrhawk/e2e-core/internal/errs"
)

const (
	maxSteps    = 50
	maxTextLen  = 10000
)

var closedActions = map[Action]bool{
	ActionLaunch: true, ActionNavigate: true, ActionClick: true, ActionType: true,
	ActionSelect: true, ActionScreenshot: true, ActionWait: true, ActionVerify: true,
	ActionClose: true,
}

// ValidateOptions configures url policy for Validate.
type ValidateOptions struct {
	AllowLocalhost bool
}

// Validate checks a Plan against the submission invariants: bounded step
// count, a closed action set, http(s)-only urls respecting localhost policy,
// non-empty control-character-free selectors, and bounded text length.
// Validation failure returns a *errs.Error tagged validation_failed.
func Validate(p *Plan, opts ValidateOptions) error {
	if len(p.Steps) > maxSteps {
		return errs.Newf(errs.ValidationFailed, "plan has %d steps, exceeding the maximum of %d", len(p.Steps), maxSteps)
	}
	for i, s := range p.Steps {
		if !closedActions[s.Action] {
			return errs.Newf(errs.ValidationFailed, "step %d has unknown action %q", i, s.Action)
		}
		if u, ok := s.Params["url"].(string); ok {
			if err := validateURL(u, opts); err != nil {
				return errs.Wrap(errs.ValidationFailed, err, fmt.Sprintf("step %d has invalid url", i)).With("step", i)
			}
		}
		if sel, ok := s.Params["selector"].(string); ok {
			if err := validateSelector(sel); err != nil {
				return errs.Wrap(errs.ValidationFailed, err, fmt.Sprintf("step %d has invalid selector", i)).With("step", i)
			}
		}
		if txt, ok := s.Params["text"].(string); ok && len(txt) > maxTextLen {
			return errs.Newf(errs.ValidationFailed, "step %d text exceeds %d characters", i, maxTextLen)
		}
	}
	return nil
}

func validateURL(raw string, opts ValidateOptions) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errs.Newf(errs.ValidationFailed, "url scheme %q is not http(s)", u.Scheme)
	}
	if !opts.AllowLocalhost && isLocalhost(u.Hostname()) {
		return errs.New(errs.ValidationFailed, "url targets localhost, which is disallowed")
	}
	return nil
}

func isLocalhost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func validateSelector(sel string) error {
	if sel == "" {
		return errs.New(errs.ValidationFailed, "selector must not be empty")
	}
	for _, r := range sel {
		if r < 0x20 || r == 0x7f {
			return errs.New(errs.ValidationFailed, "selector must not contain control characters")
		}
	}
	return nil
}
