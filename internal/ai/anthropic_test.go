package ai

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessagesClient struct {
	response *sdk.Message
	err      error
	lastBody sdk.MessageNewParams
}

func (f *fakeMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.lastBody = body
	return f.response, f.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: text},
		},
	}
}

func TestVerifyParsesSatisfiedResponse(t *testing.T) {
	t.Parallel()

	fake := &fakeMessagesClient{response: textMessage("SATISFIED")}
	client, err := New(fake, "claude-sonnet-4-5-20250929")
	require.NoError(t, err)

	result, err := client.Verify(context.Background(), "base64data", "the post was approved")
	require.NoError(t, err)
	assert.True(t, result.Satisfied)
}

func TestVerifyParsesNotSatisfiedResponseWithReason(t *testing.T) {
	t.Parallel()

	fake := &fakeMessagesClient{response: textMessage("NOT_SATISFIED: the approve button is still visible")}
	client, err := New(fake, "claude-sonnet-4-5-20250929")
	require.NoError(t, err)

	result, err := client.Verify(context.Background(), "base64data", "the post was approved")
	require.NoError(t, err)
	assert.False(t, result.Satisfied)
	assert.Contains(t, result.Explanation, "approve button is still visible")
}

func TestVerifyPropagatesTransportError(t *testing.T) {
	t.Parallel()

	fake := &fakeMessagesClient{err: assertErr{"rate limited"}}
	client, err := New(fake, "claude-sonnet-4-5-20250929")
	require.NoError(t, err)

	_, err = client.Verify(context.Background(), "base64data", "anything")
	require.Error(t, err)
}

func TestProposeStepsDecodesJSONArray(t *testing.T) {
	t.Parallel()

	fake := &fakeMessagesClient{response: textMessage(`[{"action":"navigate","params":{"url":"https://example.com"}},{"action":"click","params":{"text":"Submit"}}]`)}
	client, err := New(fake, "claude-sonnet-4-5-20250929")
	require.NoError(t, err)

	steps, err := client.ProposeSteps(context.Background(), "go to example.com and click submit", "")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "navigate", steps[0].Action)
	assert.Equal(t, "click", steps[1].Action)
}

func TestProposeStepsRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	fake := &fakeMessagesClient{response: textMessage("not json")}
	client, err := New(fake, "claude-sonnet-4-5-20250929")
	require.NoError(t, err)

	_, err = client.ProposeSteps(context.Background(), "do something", "")
	require.Error(t, err)
}

func TestNewRejectsEmptyModel(t *testing.T) {
	t.Parallel()

	_, err := New(&fakeMessagesClient{}, "")
	require.Error(t, err)
}

func TestNewFromAPIKeyRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	_, err := NewFromAPIKey("", "claude-sonnet-4-5-20250929")
	require.Error(t, err)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
