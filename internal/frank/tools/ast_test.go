package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecRejectsEmptyInstructions(t *testing.T) {
	t.Parallel()

	_, err := ParseSpec(json.RawMessage(`{"instructions":[]}`))
	require.ErrorIs(t, err, errEmptySpec)
}

func TestParseSpecRejectsUnknownOp(t *testing.T) {
	t.Parallel()

	_, err := ParseSpec(json.RawMessage(`{"instructions":[{"op":"delete_everything"}]}`))
	require.Error(t, err)
}

func TestParseSpecAcceptsKnownSequence(t *testing.T) {
	t.Parallel()

	spec, err := ParseSpec(json.RawMessage(`{
		"instructions": [
			{"op": "fetch", "url": "https://example.com", "assign": "body"},
			{"op": "return", "value": "$body"}
		]
	}`))
	require.NoError(t, err)
	assert.Len(t, spec.Instructions, 2)
	assert.Equal(t, OpFetch, spec.Instructions[0].Op)
}
