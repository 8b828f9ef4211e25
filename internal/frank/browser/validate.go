package browser

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/barrhawk/e2e-core/internal/errs"
)

const maxTypeTextLength = 10000

// shellUnsafe matches characters that have no business in a CSS selector
// but do have special meaning to a shell; rejecting them here closes off
// the selector field as an injection vector for any code path that ever
// shells out with it.
var shellUnsafe = regexp.MustCompile("[;&|`$()<>\\\\\n]")

func validateSelector(selector string) error {
	if strings.TrimSpace(selector) == "" {
		return errs.New(errs.ValidationFailed, "selector must not be empty")
	}
	if shellUnsafe.MatchString(selector) {
		return errs.New(errs.ValidationFailed, "selector contains disallowed characters")
	}
	return nil
}

func validateText(text string) error {
	if len(text) > maxTypeTextLength {
		return errs.Newf(errs.ValidationFailed, "text exceeds maximum length of %d", maxTypeTextLength)
	}
	return nil
}

// resolveTarget turns a navigate step's params (an absolute "url" or a
// relative "path" resolved against the session's current origin) into an
// absolute URL, applying the localhost policy.
func resolveTarget(params map[string]any, origin string, allowLocalhost bool) (string, error) {
	if raw, ok := params["url"].(string); ok && raw != "" {
		return validateURL(raw, allowLocalhost)
	}
	if path, ok := params["path"].(string); ok && path != "" {
		if origin == "" {
			return "", errs.New(errs.ValidationFailed, "relative path requires a prior navigation to establish an origin")
		}
		u, err := url.Parse(origin)
		if err != nil {
			return "", errs.Wrap(errs.ValidationFailed, err, "invalid origin")
		}
		rel, err := url.Parse(path)
		if err != nil {
			return "", errs.Wrap(errs.ValidationFailed, err, "invalid path")
		}
		return validateURL(u.ResolveReference(rel).String(), allowLocalhost)
	}
	return "", errs.New(errs.ValidationFailed, "navigate requires a url or path param")
}

func validateURL(raw string, allowLocalhost bool) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.Wrap(errs.ValidationFailed, err, "invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errs.Newf(errs.ValidationFailed, "unsupported url scheme %q", u.Scheme)
	}
	if !allowLocalhost && isLocalhost(u.Hostname()) {
		return "", errs.New(errs.ValidationFailed, "navigation to localhost is disabled")
	}
	return u.String(), nil
}

func isLocalhost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

// resolveLocator turns a click/type step's params into a Locator, preferring
// an explicit selector, then a form field name, then a button type, then a
// visible-text match.
func resolveLocator(params map[string]any) (Locator, error) {
	if v, ok := params["selector"].(string); ok && v != "" {
		if err := validateSelector(v); err != nil {
			return Locator{}, err
		}
		return Locator{Kind: LocatorSelector, Value: v}, nil
	}
	if v, ok := params["name"].(string); ok && v != "" {
		return Locator{Kind: LocatorName, Value: v}, nil
	}
	if v, ok := params["type"].(string); ok && v != "" {
		return Locator{Kind: LocatorType, Value: v}, nil
	}
	if v, ok := params["text"].(string); ok && v != "" {
		return Locator{Kind: LocatorText, Value: v}, nil
	}
	return Locator{}, errs.New(errs.ValidationFailed, "no selector, name, type, or text param supplied")
}
