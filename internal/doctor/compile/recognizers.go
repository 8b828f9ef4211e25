package compile

import (
	"regexp"
	"strings"
)

var (
	navigateRe = regexp.MustCompile(`(?i)\b(?:navigate to|go to)\s+(\S+)`)

	// The password capture stops at a comma so a chained pattern like
	// "login as e with password p, then click 'X'" still parses the click.
	loginRe = regexp.MustCompile(`(?i)login as ([^\s]+) with password ([^,]+)`)

	postSubmissionRe = regexp.MustCompile(`(?i)(?:submit|create|post) titled (.+?) with content (.+?)(?: to (\S+))?$`)

	approvalRe = regexp.MustCompile(`(?i)approve(?: post titled)? (.+)`)

	clickQuotedRe = regexp.MustCompile(`(?i)click\s+'([^']+)'`)
	clickBareRe   = regexp.MustCompile(`(?i)click\s+(\S+)`)

	typeRe = regexp.MustCompile(`(?i)type\s+'([^']+)'\s+into\s+(\S+)`)
)

func recognizeNavigation(intent, explicitURL string) []Step {
	m := navigateRe.FindStringSubmatch(intent)
	if m == nil {
		if explicitURL != "" {
			return []Step{newStep(ActionNavigate, map[string]any{"url": explicitURL})}
		}
		return nil
	}
	url := m[1]
	if explicitURL != "" && !strings.Contains(strings.ToLower(intent), strings.ToLower(explicitURL)) {
		url = explicitURL
	}
	return []Step{newStep(ActionNavigate, map[string]any{"url": url})}
}

func recognizeLogin(intent, _ string) []Step {
	m := loginRe.FindStringSubmatch(intent)
	if m == nil {
		return nil
	}
	email := strings.TrimSpace(m[1])
	password := strings.TrimSpace(m[2])
	return []Step{
		newStep(ActionWait, map[string]any{"ms": 1000}),
		newStep(ActionType, map[string]any{"name": "email", "text": email}),
		newStep(ActionType, map[string]any{"name": "password", "text": password}),
		newStep(ActionScreenshot, nil),
		newStep(ActionClick, map[string]any{"type": "submit", "waitForNavigation": true}),
		newStep(ActionWait, map[string]any{"ms": 500}),
	}
}

func recognizePostSubmission(intent, _ string) []Step {
	m := postSubmissionRe.FindStringSubmatch(intent)
	if m == nil {
		return nil
	}
	title := strings.TrimSpace(m[1])
	content := strings.TrimSpace(m[2])
	subreddit := strings.TrimSpace(m[3])
	steps := []Step{
		newStep(ActionWait, map[string]any{"ms": 2000}),
		newStep(ActionScreenshot, nil),
		newStep(ActionClick, map[string]any{"text": "Submit Post", "waitForNavigation": true}),
		newStep(ActionType, map[string]any{"name": "title", "text": title}),
		newStep(ActionType, map[string]any{"name": "content", "text": content}),
	}
	if subreddit != "" {
		steps = append(steps, newStep(ActionSelect, map[string]any{"subreddit": subreddit}))
	}
	steps = append(steps,
		newStep(ActionClick, map[string]any{"type": "submit", "waitForNavigation": true}),
		newStep(ActionWait, map[string]any{"ms": 1000}),
	)
	return steps
}

func recognizeApproval(intent, _ string) []Step {
	m := approvalRe.FindStringSubmatch(intent)
	if m == nil {
		return nil
	}
	title := strings.TrimSpace(m[1])
	return []Step{
		newStep(ActionNavigate, map[string]any{"path": "/mod/queue", "title": title}),
		newStep(ActionClick, map[string]any{"text": "Approve"}),
		newStep(ActionWait, map[string]any{"ms": 500}),
	}
}

func recognizeClick(intent, _ string) []Step {
	if m := clickQuotedRe.FindStringSubmatch(intent); m != nil {
		return []Step{clickStepFor(m[1])}
	}
	m := clickBareRe.FindStringSubmatch(intent)
	if m == nil {
		return nil
	}
	return []Step{clickStepFor(m[1])}
}

func clickStepFor(target string) Step {
	if looksLikeSelector(target) {
		return newStep(ActionClick, map[string]any{"selector": target})
	}
	return newStep(ActionClick, map[string]any{"text": target})
}

func looksLikeSelector(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '#', '.', '[':
		return true
	default:
		return false
	}
}

func recognizeType(intent, _ string) []Step {
	m := typeRe.FindStringSubmatch(intent)
	if m == nil {
		return nil
	}
	return []Step{newStep(ActionType, map[string]any{"selector": m[2], "text": m[1]})}
}
