package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK used by Client, so
// tests can substitute a fake rather than hitting the real API.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements Verifier and FallbackPlanner against Anthropic's
// Messages API. It is the sole consumer of the closed action vocabulary the
// fallback planner is allowed to emit: ProposeSteps asks the model to pick
// only from that vocabulary, and the caller still revalidates the result
// through the same path a deterministically compiled plan goes through.
type Client struct {
	msg      MessagesClient
	model    string
	maxTokens int
}

const defaultMaxTokens = 1024

// closedVocabulary mirrors doctor/compile.Action without importing that
// package; kept in sync by hand since it changes rarely.
var closedVocabulary = []string{
	"launch", "navigate", "click", "type", "select", "screenshot", "wait", "verify", "close",
}

// New builds a Client from an Anthropic Messages client and a model
// identifier (e.g. string(sdk.ModelClaudeSonnet4_5_20250929)).
func New(msg MessagesClient, model string) (*Client, error) {
	if msg == nil {
		return nil, errors.New("ai: anthropic messages client is required")
	}
	if model == "" {
		return nil, errors.New("ai: model identifier is required")
	}
	return &Client{msg: msg, model: model, maxTokens: defaultMaxTokens}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// transport, reading proxy/retry defaults from the environment the way
// sdk.NewClient always does.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("ai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, model)
}

// Verify asks the model whether screenshotBase64PNG satisfies
// expectedOutcome, parsing a one-line SATISFIED / NOT_SATISFIED: <reason>
// response rather than requiring structured tool output.
func (c *Client) Verify(ctx context.Context, screenshotBase64PNG, expectedOutcome string) (VerifyResult, error) {
	msg, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		System: []sdk.TextBlockParam{{
			Text: "You verify browser-test screenshots. Reply with exactly one line: " +
				"\"SATISFIED\" if the screenshot shows the expected outcome, or " +
				"\"NOT_SATISFIED: <reason>\" otherwise. No other text.",
		}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				sdk.NewImageBlockBase64("image/png", screenshotBase64PNG),
				sdk.NewTextBlock("Expected outcome: "+expectedOutcome),
			),
		},
	})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("ai: verify request: %w", err)
	}
	text := firstText(msg)
	if strings.HasPrefix(text, "SATISFIED") {
		return VerifyResult{Satisfied: true, Explanation: text}, nil
	}
	return VerifyResult{Satisfied: false, Explanation: strings.TrimPrefix(text, "NOT_SATISFIED:")}, nil
}

// ProposeSteps asks the model to propose a step list for intent using only
// the closed action vocabulary, as JSON. The caller validates the result
// before acting on it; a malformed response is returned as an error rather
// than guessed at.
func (c *Client) ProposeSteps(ctx context.Context, intent, explicitURL string) ([]ProposedStep, error) {
	prompt := fmt.Sprintf(
		"Intent: %q\nExplicit URL: %q\n\n"+
			"Propose a JSON array of browser-test steps using only these actions: %s. "+
			"Each element is {\"action\": string, \"params\": object}. "+
			"Reply with the JSON array only, no prose, no markdown fences.",
		intent, explicitURL, strings.Join(closedVocabulary, ", "),
	)
	msg, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return nil, fmt.Errorf("ai: propose steps request: %w", err)
	}
	var steps []ProposedStep
	if err := json.Unmarshal([]byte(firstText(msg)), &steps); err != nil {
		return nil, fmt.Errorf("ai: decode proposed steps: %w", err)
	}
	return steps, nil
}

func firstText(msg *sdk.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return strings.TrimSpace(block.Text)
		}
	}
	return ""
}
