package rtrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voicewire/rtrelay-go/events"
	"github.com/voicewire/rtrelay-go/tool"
)

// testSession builds a session with both socket writers replaced by capture
// funcs, so rewrite and routing rules can be exercised without connections.
func testSession(t *testing.T, relay *Relay) (*session, *[][]byte, *[][]byte) {
	t.Helper()

	s := newSession(relay, nil)

	upstream := &[][]byte{}
	client := &[][]byte{}
	s.sendUpstream = func(data []byte) {
		*upstream = append(*upstream, data)
	}
	s.sendClient = func(data []byte) error {
		*client = append(*client, data)
		return nil
	}
	return s, upstream, client
}

func sessionPayload(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var message struct {
		Session map[string]any `json:"session"`
	}
	require.NoError(t, json.Unmarshal(data, &message))
	return message.Session
}

func TestProcessClientMessage_SessionUpdateOverrides(t *testing.T) {
	relay := NewRelay(
		WithKey("sk-test"),
		WithInstructions("you are a grounded assistant"),
		WithVoice("alloy"),
		WithTemperature(0.6),
		WithMaxOutputTokens(1024),
		WithDisableAudio(false),
	)
	s, _, _ := testSession(t, relay)

	out, err := s.processClientMessage([]byte(`{
		"type": "session.update",
		"session": {
			"instructions": "client-sent prompt",
			"voice": "echo",
			"temperature": 1.2,
			"turn_detection": {"type": "server_vad"}
		}
	}`))
	require.NoError(t, err)

	session := sessionPayload(t, out)
	require.Equal(t, "you are a grounded assistant", session["instructions"])
	require.Equal(t, "alloy", session["voice"])
	require.Equal(t, 0.6, session["temperature"])
	require.Equal(t, float64(1024), session["max_response_output_tokens"])
	require.Equal(t, false, session["disable_audio"])
	// Fields without overrides pass through.
	require.Equal(t, map[string]any{"type": "server_vad"}, session["turn_detection"])
}

func TestProcessClientMessage_NoOverridesConfigured(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"))
	s, _, _ := testSession(t, relay)

	out, err := s.processClientMessage([]byte(`{
		"type": "session.update",
		"session": {"instructions": "client-sent prompt", "voice": "echo"}
	}`))
	require.NoError(t, err)

	session := sessionPayload(t, out)
	require.Equal(t, "client-sent prompt", session["instructions"])
	require.Equal(t, "echo", session["voice"])
}

func TestProcessClientMessage_OtherTypesPassThrough(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"), WithInstructions("override"))
	s, _, _ := testSession(t, relay)

	raw := []byte(`{"type":"input_audio_buffer.append","audio":"AAAA"}`)
	out, err := s.processClientMessage(raw)
	require.NoError(t, err)
	require.Equal(t, raw, out)
}

func TestHandleServerMessage_PassThrough(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"))
	s, upstream, client := testSession(t, relay)

	raw := []byte(`{"type":"response.audio.delta","item_id":"item_1","delta":"AAAA"}`)
	require.NoError(t, s.handleServerMessage(context.Background(), raw))
	require.Empty(t, *upstream)
	require.Equal(t, [][]byte{raw}, *client)
}

func TestHandleServerMessage_SuppressesFunctionCallScaffolding(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"))
	s, upstream, client := testSession(t, relay)

	for _, raw := range [][]byte{
		[]byte(`{"type":"response.output_item.added","response_id":"resp_1","item":{"id":"item_fc","type":"function_call"}}`),
		[]byte(`{"type":"conversation.item.created","previous_item_id":"item_0","item":{"id":"item_fc","type":"function_call","call_id":"call_1","name":"lookup"}}`),
		[]byte(`{"type":"response.function_call_arguments.delta","item_id":"item_fc","delta":"{"}`),
		[]byte(`{"type":"response.function_call_arguments.done","item_id":"item_fc","arguments":"{}"}`),
	} {
		require.NoError(t, s.handleServerMessage(context.Background(), raw))
	}

	require.Empty(t, *client)
	require.Empty(t, *upstream)

	// Message-type item.created still passes through.
	raw := []byte(`{"type":"conversation.item.created","item":{"id":"item_1","type":"message","role":"user"}}`)
	require.NoError(t, s.handleServerMessage(context.Background(), raw))
	require.Equal(t, [][]byte{raw}, *client)
}

func TestHandleServerMessage_PendingLifecycle(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"))
	s, _, _ := testSession(t, relay)

	created := []byte(`{"type":"conversation.item.created","previous_item_id":"item_0","item":{"id":"item_fc","type":"function_call","call_id":"call_1","name":"lookup"}}`)
	require.NoError(t, s.handleServerMessage(context.Background(), created))
	require.Equal(t, pendingToolCall{callID: "call_1", previousItemID: "item_0"}, s.pending["call_1"])

	done := []byte(`{"type":"response.done","response":{"id":"resp_1"}}`)
	require.NoError(t, s.handleServerMessage(context.Background(), done))
	require.Empty(t, s.pending)
}

func TestHandleToolCall_ToServer(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"))
	require.NoError(t, relay.RegisterTool(tool.Tool{Name: "lookup"}, func(context.Context, map[string]any) (tool.Result, error) {
		return tool.Text("ok", tool.ToServer), nil
	}))
	s, upstream, client := testSession(t, relay)

	raw := []byte(`{"type":"response.output_item.done","response_id":"resp_1","item":{"id":"item_fc","type":"function_call","call_id":"call_1","name":"lookup","arguments":"{}"}}`)
	require.NoError(t, s.handleServerMessage(context.Background(), raw))

	require.Empty(t, *client)
	require.Len(t, *upstream, 2)

	var itemCreate events.ConversationItemCreateEvent
	require.NoError(t, json.Unmarshal((*upstream)[0], &itemCreate))
	require.Equal(t, "conversation.item.create", itemCreate.Type)
	require.Equal(t, "function_call_output", itemCreate.Item.Type)
	require.Equal(t, "call_1", itemCreate.Item.CallID)
	require.Equal(t, "ok", itemCreate.Item.Output)

	next, err := events.TypeOf((*upstream)[1])
	require.NoError(t, err)
	require.Equal(t, "response.create", next)
}

func TestHandleToolCall_ToClient(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"))
	require.NoError(t, relay.RegisterTool(tool.Tool{Name: "search"}, func(context.Context, map[string]any) (tool.Result, error) {
		return tool.JSON(map[string]string{"hit": "doc_1"}, tool.ToClient), nil
	}))
	s, upstream, client := testSession(t, relay)

	created := []byte(`{"type":"conversation.item.created","previous_item_id":"item_0","item":{"id":"item_fc","type":"function_call","call_id":"call_1","name":"search"}}`)
	require.NoError(t, s.handleServerMessage(context.Background(), created))

	done := []byte(`{"type":"response.output_item.done","response_id":"resp_1","item":{"id":"item_fc","type":"function_call","call_id":"call_1","name":"search","arguments":"{}"}}`)
	require.NoError(t, s.handleServerMessage(context.Background(), done))

	// The model sees an empty output so it does not narrate the result.
	require.Len(t, *upstream, 2)
	var itemCreate events.ConversationItemCreateEvent
	require.NoError(t, json.Unmarshal((*upstream)[0], &itemCreate))
	require.Equal(t, "", itemCreate.Item.Output)

	// The client gets the real payload out of band.
	require.Len(t, *client, 1)
	var resp events.MiddleTierToolResponseEvent
	require.NoError(t, json.Unmarshal((*client)[0], &resp))
	require.Equal(t, events.TypeMiddleTierToolResponse, resp.Type)
	require.Equal(t, "item_0", resp.PreviousItemID)
	require.Equal(t, "search", resp.ToolName)
	require.JSONEq(t, `{"hit":"doc_1"}`, resp.ToolResult)
}

func TestHandleToolCall_UnregisteredTool(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"))
	s, upstream, client := testSession(t, relay)

	raw := []byte(`{"type":"response.output_item.done","response_id":"resp_1","item":{"id":"item_fc","type":"function_call","call_id":"call_1","name":"nobody","arguments":"{}"}}`)
	require.NoError(t, s.handleServerMessage(context.Background(), raw))
	require.Empty(t, *upstream)
	require.Empty(t, *client)
}

func TestHandleToolCall_HandlerErrorBecomesErrorPayload(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"))
	require.NoError(t, relay.RegisterTool(tool.Tool{Name: "flaky"}, func(context.Context, map[string]any) (tool.Result, error) {
		return tool.Result{}, fmt.Errorf("backend timeout")
	}))
	s, upstream, client := testSession(t, relay)

	raw := []byte(`{"type":"response.output_item.done","response_id":"resp_1","item":{"id":"item_fc","type":"function_call","call_id":"call_1","name":"flaky","arguments":"{}"}}`)
	require.NoError(t, s.handleServerMessage(context.Background(), raw))

	require.Empty(t, *client)
	require.Len(t, *upstream, 2)
	var itemCreate events.ConversationItemCreateEvent
	require.NoError(t, json.Unmarshal((*upstream)[0], &itemCreate))
	require.JSONEq(t, `{"error":"backend timeout"}`, itemCreate.Item.Output)
}

func TestSessionState(t *testing.T) {
	relay := NewRelay(WithKey("sk-test"))
	s := newSession(relay, nil)

	require.Equal(t, StateIdle, s.State())
	s.setState(StateRelaying)
	require.Equal(t, StateRelaying, s.State())
	require.Equal(t, "relaying", s.State().String())
}

func TestRun_InvalidConfig(t *testing.T) {
	// An empty key overrides any ambient environment credentials.
	relay := NewRelay(WithKey(""))
	s := newSession(relay, nil)

	err := s.run(context.Background())
	require.Error(t, err)
	require.Equal(t, StateClosed, s.State())
}
