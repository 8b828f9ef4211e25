package tools

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/bus"
)

type recordedReply struct {
	msgType string
	payload any
}

type fakeServiceClient struct {
	mu       sync.Mutex
	handlers map[string]bus.Handler
	replies  []recordedReply
	sent     []recordedReply
}

func newFakeServiceClient() *fakeServiceClient {
	return &fakeServiceClient{handlers: make(map[string]bus.Handler)}
}

func (f *fakeServiceClient) Send(target, msgType string, payload any) (bus.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedReply{msgType, payload})
	return bus.New("frank", target, msgType, payload)
}

func (f *fakeServiceClient) Reply(req bus.Message, msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, recordedReply{msgType, payload})
	return nil
}

func (f *fakeServiceClient) On(msgType string, h bus.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = h
}

func (f *fakeServiceClient) dispatch(msgType string, payload any) {
	f.mu.Lock()
	h := f.handlers[msgType]
	f.mu.Unlock()
	if h == nil {
		panic("no handler registered for " + msgType)
	}
	msg, err := bus.New("doctor", "frank", msgType, payload)
	if err != nil {
		panic(err)
	}
	h(context.Background(), msg)
}

func (f *fakeServiceClient) lastReply() recordedReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies[len(f.replies)-1]
}

func TestHandleToolCreateRepliesWithGeneratedID(t *testing.T) {
	t.Parallel()

	client := newFakeServiceClient()
	svc := NewService(NewRegistry(&fakeCaps{}), client, nil, nil)
	svc.RegisterHandlers()

	client.dispatch("tool.create", toolCreatePayload{
		Name:   "auto_smart_selector_click",
		Source: returnSpec("$params.selector"),
	})

	reply := client.lastReply()
	assert.Equal(t, "tool.created", reply.msgType)

	_, ok := svc.Registry().GetByName("auto_smart_selector_click")
	assert.True(t, ok)
}

func TestHandleToolCreateOnBadSpecRepliesWithToolError(t *testing.T) {
	t.Parallel()

	client := newFakeServiceClient()
	svc := NewService(NewRegistry(&fakeCaps{}), client, nil, nil)
	svc.RegisterHandlers()

	client.dispatch("tool.create", toolCreatePayload{
		Name:   "broken",
		Source: json.RawMessage(`{"instructions":[]}`),
	})

	reply := client.lastReply()
	assert.Equal(t, "tool.error", reply.msgType)
}

func TestHandleToolInvokeRepliesWithResult(t *testing.T) {
	t.Parallel()

	client := newFakeServiceClient()
	registry := NewRegistry(&fakeCaps{})
	tool, err := registry.Create("echo_tool", "", returnSpec("ok"), nil)
	require.NoError(t, err)

	svc := NewService(registry, client, nil, nil)
	svc.RegisterHandlers()

	client.dispatch("tool.invoke", toolInvokePayload{ToolID: tool.ID})

	reply := client.lastReply()
	assert.Equal(t, "tool.result", reply.msgType)
}

func TestPromoteEligibleToolsBroadcastsExport(t *testing.T) {
	t.Parallel()

	client := newFakeServiceClient()
	registry := NewRegistry(&fakeCaps{})
	tool, err := registry.Create("ready_tool", "", returnSpec("ok"), nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := registry.Invoke(context.Background(), tool.ID, nil)
		require.NoError(t, err)
	}

	svc := NewService(registry, client, nil, nil)
	svc.promoteEligibleTools(context.Background())

	require.Len(t, client.sent, 1)
	assert.Equal(t, "tool.export", client.sent[0].msgType)

	promoted, _ := registry.Get(tool.ID)
	assert.Equal(t, StatusIgorified, promoted.Status)
}
