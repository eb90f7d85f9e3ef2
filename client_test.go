package rtrelay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voicewire/rtrelay-go/conversation"
	"github.com/voicewire/rtrelay-go/events"
	"github.com/voicewire/rtrelay-go/tool"
)

// testClient builds a client whose upstream writer is replaced by a capture
// func, so protocol behavior can be exercised without a connection.
func testClient(t *testing.T, opts ...Option) (*Client, *[][]byte) {
	t.Helper()

	c := New(append([]Option{WithKey("sk-test")}, opts...)...)
	sent := &[][]byte{}
	c.sendText = func(data []byte) {
		*sent = append(*sent, data)
	}
	return c, sent
}

func sentTypes(t *testing.T, sent [][]byte) []string {
	t.Helper()
	types := make([]string, 0, len(sent))
	for _, data := range sent {
		eventType, err := events.TypeOf(data)
		require.NoError(t, err)
		types = append(types, eventType)
	}
	return types
}

func TestSend_NotConnected(t *testing.T) {
	c := New(WithKey("sk-test"))

	err := c.UserInput("hello", false)
	require.ErrorContains(t, err, "not connected")
}

func TestUserInput(t *testing.T) {
	c, sent := testClient(t)

	require.NoError(t, c.UserInput("hello", true))
	require.Equal(t, []string{"conversation.item.create", "response.create"}, sentTypes(t, *sent))

	var itemCreate events.ConversationItemCreateEvent
	require.NoError(t, json.Unmarshal((*sent)[0], &itemCreate))
	require.Equal(t, conversation.RoleUser, itemCreate.Item.Role)
	require.Equal(t, "hello", itemCreate.Item.Content[0].Text)
	require.NotEmpty(t, itemCreate.EventID)
}

func TestUserInput_NoResponse(t *testing.T) {
	c, sent := testClient(t)

	require.NoError(t, c.UserInput("hello", false))
	require.Equal(t, []string{"conversation.item.create"}, sentTypes(t, *sent))
}

func TestSendUserMessageContent_EmptyStillResponds(t *testing.T) {
	c, sent := testClient(t)

	require.NoError(t, c.SendUserMessageContent(nil))
	require.Equal(t, []string{"response.create"}, sentTypes(t, *sent))
}

func TestUpdateSession(t *testing.T) {
	declared := tool.Tool{Type: "function", Name: "remote_only"}
	c, sent := testClient(t, WithTools(declared))
	require.NoError(t, c.Tools().Register(tool.Tool{Name: "local"}, func(context.Context, map[string]any) (tool.Result, error) {
		return tool.Text("ok", tool.ToServer), nil
	}))

	require.NoError(t, c.UpdateSession())
	require.Len(t, *sent, 1)

	var update events.SessionUpdateEvent
	require.NoError(t, json.Unmarshal((*sent)[0], &update))
	require.Equal(t, "session.update", update.Type)
	require.Equal(t, events.AudioFormatPCM16, update.Session.InputAudioFormat)
	require.Equal(t, events.AudioFormatPCM16, update.Session.OutputAudioFormat)
	require.Equal(t, "shimmer", update.Session.Voice)
	require.Equal(t, 0.8, update.Session.Temperature)
	require.Equal(t, 4096, update.Session.MaxResponseOutputTokens)
	require.NotNil(t, update.Session.InputAudioTranscription)
	require.Equal(t, "whisper-1", update.Session.InputAudioTranscription.Model)

	// Declared and locally-registered tools are both announced.
	require.Len(t, update.Session.Tools, 2)
	require.Equal(t, "remote_only", update.Session.Tools[0].Name)
	require.Equal(t, "local", update.Session.Tools[1].Name)
	require.Equal(t, tool.ChoiceAuto, update.Session.ToolChoice)
}

func TestUpdateSession_NoTools(t *testing.T) {
	c, sent := testClient(t)

	require.NoError(t, c.UpdateSession())
	var update events.SessionUpdateEvent
	require.NoError(t, json.Unmarshal((*sent)[0], &update))
	require.Empty(t, update.Session.Tools)
	require.Equal(t, tool.ChoiceNone, update.Session.ToolChoice)
}

func TestCreateResponse_ManualTurnDetection(t *testing.T) {
	c, sent := testClient(t, WithTurnDetection(nil))

	require.NoError(t, c.AppendInputAudio([]byte{1, 2, 3, 4}))
	require.NoError(t, c.CreateResponse())

	require.Equal(t, []string{
		"input_audio_buffer.append",
		"input_audio_buffer.commit",
		"response.create",
	}, sentTypes(t, *sent))

	// The committed buffer attaches to the next created user item.
	item, _, err := c.conversation.Apply(conversation.ItemCreated{Item: events.ConversationItem{
		ID:   "item_1",
		Type: conversation.ItemTypeMessage,
		Role: conversation.RoleUser,
	}})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, item.Formatted.Audio)

	// Buffer consumed; a second response does not re-commit.
	*sent = nil
	require.NoError(t, c.CreateResponse())
	require.Equal(t, []string{"response.create"}, sentTypes(t, *sent))
}

func TestCreateResponse_ServerVAD(t *testing.T) {
	c, sent := testClient(t)

	require.NoError(t, c.AppendInputAudio([]byte{1, 2, 3, 4}))
	require.NoError(t, c.CreateResponse())

	require.Equal(t, []string{
		"input_audio_buffer.append",
		"response.create",
	}, sentTypes(t, *sent))
}

func TestAppendInputAudio_Empty(t *testing.T) {
	c, sent := testClient(t)

	require.NoError(t, c.AppendInputAudio(nil))
	require.Empty(t, *sent)
}

func TestCancelResponse(t *testing.T) {
	c, sent := testClient(t)

	_, _, err := c.conversation.Apply(conversation.ItemCreated{Item: events.ConversationItem{
		ID:      "item_1",
		Type:    conversation.ItemTypeMessage,
		Role:    conversation.RoleAssistant,
		Content: []events.ContentPart{{Type: "audio"}},
	}})
	require.NoError(t, err)

	require.NoError(t, c.CancelResponse("item_1", 32000))
	require.Equal(t, []string{"response.cancel", "conversation.item.truncate"}, sentTypes(t, *sent))

	var truncate events.ConversationItemTruncateEvent
	require.NoError(t, json.Unmarshal((*sent)[1], &truncate))
	require.Equal(t, "item_1", truncate.ItemID)
	require.Equal(t, 0, truncate.ContentIndex)
	// 32000 samples at 16kHz is two seconds.
	require.Equal(t, 2000, truncate.AudioEndMs)
}

func TestCancelResponse_NoItem(t *testing.T) {
	c, sent := testClient(t)

	require.NoError(t, c.CancelResponse("", 0))
	require.Equal(t, []string{"response.cancel"}, sentTypes(t, *sent))
}

func TestCancelResponse_UnknownItem(t *testing.T) {
	c, _ := testClient(t)

	require.Error(t, c.CancelResponse("missing", 0))
}

func TestCancelResponse_NotAssistantMessage(t *testing.T) {
	c, _ := testClient(t)

	_, _, err := c.conversation.Apply(conversation.ItemCreated{Item: events.ConversationItem{
		ID:   "item_1",
		Type: conversation.ItemTypeMessage,
		Role: conversation.RoleUser,
	}})
	require.NoError(t, err)

	require.ErrorContains(t, c.CancelResponse("item_1", 0), "assistant")
}

func TestHandleServerEvent_SessionCreated(t *testing.T) {
	c, _ := testClient(t)

	require.NoError(t, c.handleServerEvent(context.Background(), []byte(`{"type":"session.created","session":{"id":"sess_1"}}`)))

	require.NoError(t, c.WaitForSessionCreated(context.Background()))
}

func TestHandleServerEvent_DispatchesOnBus(t *testing.T) {
	c, _ := testClient(t)

	var named, wildcard []any
	c.On("server.conversation.item.created", func(payload any) { named = append(named, payload) })
	c.On("server.*", func(payload any) { wildcard = append(wildcard, payload) })

	var updates []ConversationUpdate
	c.On("conversation.updated", func(payload any) { updates = append(updates, payload.(ConversationUpdate)) })
	var appended []ConversationUpdate
	c.On("conversation.item.appended", func(payload any) { appended = append(appended, payload.(ConversationUpdate)) })
	var completed []ConversationUpdate
	c.On("conversation.item.completed", func(payload any) { completed = append(completed, payload.(ConversationUpdate)) })

	raw := []byte(`{"type":"conversation.item.created","item":{"id":"item_1","type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}}`)
	require.NoError(t, c.handleServerEvent(context.Background(), raw))

	require.Len(t, named, 1)
	require.Len(t, wildcard, 1)
	require.Len(t, updates, 1)
	require.Len(t, appended, 1)
	// User messages complete on creation.
	require.Len(t, completed, 1)
	require.Equal(t, "hi", completed[0].Item.Formatted.Text)
}

func TestHandleServerEvent_DeltaAccumulation(t *testing.T) {
	c, _ := testClient(t)

	for _, raw := range [][]byte{
		[]byte(`{"type":"conversation.item.created","item":{"id":"item_1","type":"message","role":"assistant"}}`),
		[]byte(`{"type":"response.content_part.added","item_id":"item_1","content_index":0,"part":{"type":"text"}}`),
		[]byte(`{"type":"response.text.delta","item_id":"item_1","content_index":0,"delta":"hel"}`),
		[]byte(`{"type":"response.text.delta","item_id":"item_1","content_index":0,"delta":"lo"}`),
	} {
		require.NoError(t, c.handleServerEvent(context.Background(), raw))
	}

	item, ok := c.conversation.GetItem("item_1")
	require.True(t, ok)
	require.Equal(t, "hello", item.Formatted.Text)
}

func TestHandleServerEvent_SpeechStartedInterrupts(t *testing.T) {
	c, _ := testClient(t)

	_, err := c.io.agentBuffer.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	var interrupted int
	c.On("conversation.interrupted", func(any) { interrupted++ })

	raw := []byte(`{"type":"input_audio_buffer.speech_started","item_id":"item_1","audio_start_ms":100}`)
	require.NoError(t, c.handleServerEvent(context.Background(), raw))

	require.Equal(t, 1, interrupted)
	require.Equal(t, 0, c.io.agentBuffer.Length())
}

func TestCallTool_ToServer(t *testing.T) {
	c, sent := testClient(t)
	require.NoError(t, c.tools.Register(tool.Tool{Name: "lookup"}, func(context.Context, map[string]any) (tool.Result, error) {
		return tool.Text("found it", tool.ToServer), nil
	}))

	c.callTool(context.Background(), conversation.FormattedTool{
		Name:      "lookup",
		CallID:    "call_1",
		Arguments: "{}",
	})

	require.Equal(t, []string{"conversation.item.create", "response.create"}, sentTypes(t, *sent))
	var itemCreate events.ConversationItemCreateEvent
	require.NoError(t, json.Unmarshal((*sent)[0], &itemCreate))
	require.Equal(t, conversation.ItemTypeFunctionCallOutput, itemCreate.Item.Type)
	require.Equal(t, "call_1", itemCreate.Item.CallID)
	require.Equal(t, "found it", itemCreate.Item.Output)
}

func TestCallTool_ToClient(t *testing.T) {
	c, sent := testClient(t)
	require.NoError(t, c.tools.Register(tool.Tool{Name: "search"}, func(context.Context, map[string]any) (tool.Result, error) {
		return tool.JSON(map[string]string{"hit": "doc_1"}, tool.ToClient), nil
	}))

	var responses []ToolResponse
	c.On("tool.response", func(payload any) { responses = append(responses, payload.(ToolResponse)) })

	c.callTool(context.Background(), conversation.FormattedTool{
		Name:      "search",
		CallID:    "call_1",
		Arguments: "{}",
	})

	// The model sees an empty output; the local bus carries the payload.
	var itemCreate events.ConversationItemCreateEvent
	require.NoError(t, json.Unmarshal((*sent)[0], &itemCreate))
	require.Equal(t, "", itemCreate.Item.Output)

	require.Len(t, responses, 1)
	require.Equal(t, "search", responses[0].ToolName)
	require.JSONEq(t, `{"hit":"doc_1"}`, responses[0].Result)
}

func TestCallTool_UnknownToolSendsErrorPayload(t *testing.T) {
	c, sent := testClient(t)

	c.callTool(context.Background(), conversation.FormattedTool{
		Name:      "missing",
		CallID:    "call_1",
		Arguments: "{}",
	})

	var itemCreate events.ConversationItemCreateEvent
	require.NoError(t, json.Unmarshal((*sent)[0], &itemCreate))
	require.Contains(t, itemCreate.Item.Output, "error")
}

func TestDeleteItem(t *testing.T) {
	c, sent := testClient(t)

	require.NoError(t, c.DeleteItem("item_1"))
	var del events.ConversationItemDeleteEvent
	require.NoError(t, json.Unmarshal((*sent)[0], &del))
	require.Equal(t, "conversation.item.delete", del.Type)
	require.Equal(t, "item_1", del.ItemID)
}

func TestClientEventsDispatched(t *testing.T) {
	c, _ := testClient(t)

	var seen []any
	c.On("client.response.create", func(payload any) { seen = append(seen, payload) })
	c.On("client.*", func(payload any) { seen = append(seen, payload) })

	require.NoError(t, c.CreateResponse())
	require.Len(t, seen, 2)
}
