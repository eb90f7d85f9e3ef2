package rtrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/voicewire/rtrelay-go/audio"
	"github.com/voicewire/rtrelay-go/conversation"
	"github.com/voicewire/rtrelay-go/emitter"
	"github.com/voicewire/rtrelay-go/events"
	upstreamws "github.com/voicewire/rtrelay-go/internal/websocket"
	"github.com/voicewire/rtrelay-go/tool"
)

const upstreamSampleRate = 24_000

// AudioIO bridges user audio and agent audio through ring buffers,
// resampling between the user's sample rate and the upstream rate.
type AudioIO struct {
	agentBuffer      *ringbuffer.RingBuffer
	userInputWriter  io.Writer // where the user's captured audio goes
	userOutputReader io.Reader // where the agent's audio comes out
	agentInputReader io.Reader // chunked user audio headed upstream
}

func (a *AudioIO) ClearOutputBuffer() {
	a.agentBuffer.Reset()
}

func NewAudioIO(userSampleRate int, latency time.Duration) *AudioIO {
	userBufferSize := audio.ChunkSize(upstreamSampleRate, latency, 2, 1) * 2
	userBuffer := ringbuffer.New(userBufferSize).SetBlocking(true)

	agentBufferSize := audio.ChunkSize(upstreamSampleRate, 60*time.Second, 2, 1) * 2
	agentBuffer := ringbuffer.New(agentBufferSize).SetBlocking(true)

	return &AudioIO{
		agentBuffer:      agentBuffer,
		agentInputReader: audio.NewFixedAudioChunkReader(userBuffer, upstreamSampleRate, latency, 2, 1),
		userOutputReader: audio.NewFixedAudioChunkReader(agentBuffer, userSampleRate, latency, 2, 1),
		userInputWriter: &audio.ResampleWriter{
			Sink:     userBuffer,
			FromRate: userSampleRate,
			ToRate:   upstreamSampleRate,
		},
	}
}

// ConversationUpdate is the payload of "conversation.updated" events: the
// affected item plus exactly what changed.
type ConversationUpdate struct {
	Item  *conversation.Item
	Delta *conversation.Delta
}

// ToolResponse is the payload of "tool.response" events, emitted when a
// client-routed tool result bypasses the model.
type ToolResponse struct {
	ToolName string
	Result   string
}

// Client is the high-level upstream client: it owns the websocket, the
// conversation model, the tool registry and the event bus callers hang
// their handlers off.
type Client struct {
	config       *config
	emitter      *emitter.Emitter
	conversation *conversation.Conversation
	tools        *tool.Registry
	logger       *slog.Logger
	io           *AudioIO

	ws       *upstreamws.Client
	sendText func(data []byte)

	mu             sync.Mutex
	inputAudio     []byte
	sessionCreated bool
	connected      bool
}

func New(opts ...Option) *Client {
	cfg := &config{}
	withClientDefaults()(cfg)
	WithOptions(opts...)(cfg)

	return &Client{
		config:       cfg,
		emitter:      emitter.New(),
		conversation: conversation.New(),
		tools:        tool.NewRegistry(),
		logger:       cfg.logger,
		io:           NewAudioIO(cfg.sampleRate, cfg.latency()),
	}
}

// On registers a synchronous handler on the client's event bus.
func (c *Client) On(name string, h emitter.Handler) {
	c.emitter.On(name, h)
}

// OnAsync registers a deferred handler on the client's event bus.
func (c *Client) OnAsync(name string, h emitter.Handler) {
	c.emitter.OnAsync(name, h)
}

// WaitForNext blocks until the next dispatch of the named event.
func (c *Client) WaitForNext(ctx context.Context, name string) (any, error) {
	return c.emitter.WaitForNext(ctx, name)
}

func (c *Client) Conversation() *conversation.Conversation {
	return c.conversation
}

func (c *Client) Tools() *tool.Registry {
	return c.tools
}

// Audio returns the agent audio reader and the user audio writer.
func (c *Client) Audio() (io.Reader, io.Writer) {
	return c.io.userOutputReader, c.io.userInputWriter
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the upstream service, sends the initial session
// configuration and starts streaming user audio.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.config.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.IsConnected() {
		return fmt.Errorf("already connected, use Disconnect first")
	}

	headers := http.Header{}
	headers.Add("Authorization", fmt.Sprintf("Bearer %s", c.config.apiKey))
	headers.Add("OpenAI-Beta", "realtime=v1")

	ws, err := upstreamws.Connect(ctx, upstreamws.ClientConfig{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		URL:         c.config.realtimeURL(),
		DialTimeout: c.config.dialTimeout(),
		Headers:     headers,
		OnText: func(data []byte) error {
			return c.handleServerEvent(ctx, data)
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.sendText = ws.WriteText
	c.connected = true
	c.mu.Unlock()

	if err := c.UpdateSession(); err != nil {
		return err
	}

	go c.pumpInputAudio(ws)

	return nil
}

// WaitForSessionCreated blocks until the upstream acknowledges the session.
func (c *Client) WaitForSessionCreated(ctx context.Context) error {
	c.mu.Lock()
	created := c.sessionCreated
	c.mu.Unlock()
	if created {
		return nil
	}
	_, err := c.emitter.WaitForNext(ctx, "server.session.created")
	return err
}

// Disconnect closes the upstream connection and clears the conversation.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.sessionCreated = false
	c.mu.Unlock()

	c.conversation.Clear()
	if ws == nil {
		return nil
	}
	return ws.Close(ctx)
}

// RegisterTool adds a locally-executable tool and announces it upstream when
// connected.
func (c *Client) RegisterTool(def tool.Tool, h tool.Handler) error {
	if err := c.tools.Register(def, h); err != nil {
		return err
	}
	if c.IsConnected() {
		return c.UpdateSession()
	}
	return nil
}

// UnregisterTool removes a tool by name.
func (c *Client) UnregisterTool(name string) error {
	return c.tools.Unregister(name)
}

// UpdateSession sends the current session configuration upstream, merging
// the registered tool definitions into the declared tool list.
func (c *Client) UpdateSession() error {
	cfg := c.config

	useTools := append([]tool.Tool(nil), cfg.tools...)
	useTools = append(useTools, c.tools.Definitions()...)

	toolChoice := tool.ChoiceNone
	if len(useTools) > 0 {
		toolChoice = tool.ChoiceAuto
	}

	session := events.SessionUpdate{
		Modalities:        cfg.modalities,
		Instructions:      cfg.instructions,
		Voice:             cfg.voice,
		InputAudioFormat:  events.AudioFormatPCM16,
		OutputAudioFormat: events.AudioFormatPCM16,
		TurnDetection:     cfg.turnDetection,
		Tools:             useTools,
		ToolChoice:        toolChoice,
		Speed:             cfg.speed,
	}
	if cfg.transcriptionModel != "" {
		session.InputAudioTranscription = &events.InputAudioTranscription{Model: cfg.transcriptionModel}
	}
	if cfg.temperature != nil {
		session.Temperature = *cfg.temperature
	}
	if cfg.maxOutputTokens != nil {
		session.MaxResponseOutputTokens = *cfg.maxOutputTokens
	}

	return c.send("session.update", events.SessionUpdateEvent{
		BaseEvent: events.NewBaseEvent("session.update"),
		Session:   session,
	})
}

// SendUserMessageContent creates a user message item upstream and requests a
// response.
func (c *Client) SendUserMessageContent(content []events.ContentPart) error {
	if len(content) > 0 {
		err := c.send("conversation.item.create", events.ConversationItemCreateEvent{
			BaseEvent: events.NewBaseEvent("conversation.item.create"),
			Item: events.ConversationItem{
				Type:    conversation.ItemTypeMessage,
				Role:    conversation.RoleUser,
				Content: content,
			},
		})
		if err != nil {
			return err
		}
	}
	return c.CreateResponse()
}

// UserInput sends a plain text user message, optionally requesting a
// response.
func (c *Client) UserInput(text string, respond bool) error {
	err := c.send("conversation.item.create", events.ConversationItemCreateEvent{
		BaseEvent: events.NewBaseEvent("conversation.item.create"),
		Item: events.ConversationItem{
			Type:    conversation.ItemTypeMessage,
			Role:    conversation.RoleUser,
			Content: []events.ContentPart{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return err
	}
	if respond {
		return c.CreateResponse()
	}
	return nil
}

// AppendInputAudio streams raw PCM16 audio upstream and accumulates it
// locally so detected speech segments can be sliced out later.
func (c *Client) AppendInputAudio(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	err := c.send("input_audio_buffer.append", events.InputAudioBufferAppendEvent{
		BaseEvent: events.NewBaseEvent("input_audio_buffer.append"),
		Audio:     audio.EncodeBase64(buf),
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.inputAudio = append(c.inputAudio, buf...)
	c.mu.Unlock()
	return nil
}

// CreateResponse asks the upstream to generate. Under manual turn detection
// the accumulated input audio buffer is committed first and queued for the
// next created user item.
func (c *Client) CreateResponse() error {
	c.mu.Lock()
	manual := c.config.turnDetection == nil
	buffered := c.inputAudio
	if manual && len(buffered) > 0 {
		c.inputAudio = nil
	}
	c.mu.Unlock()

	if manual && len(buffered) > 0 {
		err := c.send("input_audio_buffer.commit", events.InputAudioBufferCommitEvent{
			BaseEvent: events.NewBaseEvent("input_audio_buffer.commit"),
		})
		if err != nil {
			return err
		}
		c.conversation.QueueInputAudio(buffered)
	}

	return c.send("response.create", events.ResponseCreateEvent{
		BaseEvent: events.NewBaseEvent("response.create"),
		Response:  events.ResponseCreatePayload{},
	})
}

// CancelResponse cancels the ongoing generation. When itemID addresses an
// in-progress assistant message, its audio is truncated at sampleCount
// samples.
func (c *Client) CancelResponse(itemID string, sampleCount int) error {
	if err := c.send("response.cancel", events.ResponseCancelEvent{
		BaseEvent: events.NewBaseEvent("response.cancel"),
	}); err != nil {
		return err
	}
	if itemID == "" {
		return nil
	}

	item, ok := c.conversation.GetItem(itemID)
	if !ok {
		return fmt.Errorf("could not find item %q", itemID)
	}
	if item.Type != conversation.ItemTypeMessage || item.Role != conversation.RoleAssistant {
		return fmt.Errorf("can only cancel assistant messages")
	}

	audioIndex := -1
	for i, part := range item.Content {
		if part.Type == "audio" {
			audioIndex = i
			break
		}
	}
	if audioIndex == -1 {
		return fmt.Errorf("no audio content found on item %q", itemID)
	}

	return c.send("conversation.item.truncate", events.ConversationItemTruncateEvent{
		BaseEvent:    events.NewBaseEvent("conversation.item.truncate"),
		ItemID:       itemID,
		ContentIndex: audioIndex,
		AudioEndMs:   sampleCount * 1000 / audio.DefaultFrequency,
	})
}

// DeleteItem removes a conversation item upstream.
func (c *Client) DeleteItem(itemID string) error {
	return c.send("conversation.item.delete", events.ConversationItemDeleteEvent{
		BaseEvent: events.NewBaseEvent("conversation.item.delete"),
		ItemID:    itemID,
	})
}

// WaitForNextItem blocks until the next conversation item is appended.
func (c *Client) WaitForNextItem(ctx context.Context) (*conversation.Item, error) {
	payload, err := c.emitter.WaitForNext(ctx, "conversation.item.appended")
	if err != nil {
		return nil, err
	}
	update := payload.(ConversationUpdate)
	return update.Item, nil
}

// WaitForNextCompletedItem blocks until the next item reaches completed.
func (c *Client) WaitForNextCompletedItem(ctx context.Context) (*conversation.Item, error) {
	payload, err := c.emitter.WaitForNext(ctx, "conversation.item.completed")
	if err != nil {
		return nil, err
	}
	update := payload.(ConversationUpdate)
	return update.Item, nil
}

func (c *Client) send(eventType string, evt any) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sendText := c.sendText
	c.mu.Unlock()
	if sendText == nil {
		return fmt.Errorf("not connected")
	}

	c.emitter.Dispatch("client."+eventType, evt)
	c.emitter.Dispatch("client.*", evt)
	sendText(data)
	return nil
}

func (c *Client) pumpInputAudio(ws *upstreamws.Client) {
	chunkSize := audio.ChunkSize(upstreamSampleRate, c.config.latency(), 2, 1)
	buf := make([]byte, chunkSize)

	for {
		select {
		case <-ws.Done():
			return
		default:
		}

		n, err := c.io.agentInputReader.Read(buf)
		if err != nil {
			if err == io.EOF {
				return
			}
			c.logger.Error("failed to read user audio", slog.Any("err", err))
			return
		}

		if err := c.AppendInputAudio(buf[:n]); err != nil {
			c.logger.Error("failed to append input audio", slog.Any("err", err))
			return
		}
	}
}

// handleServerEvent dispatches every upstream event on the bus and routes
// the conversation-affecting ones into the state tracker.
func (c *Client) handleServerEvent(ctx context.Context, data []byte) error {
	eventType, err := events.TypeOf(data)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	c.emitter.Dispatch("server."+eventType, payload)
	c.emitter.Dispatch("server.*", payload)

	switch eventType {
	case "error":
		evt, err := events.Parse[events.ErrorEvent](data)
		if err != nil {
			return err
		}
		c.logger.Error("upstream error", slog.Any("err", evt))

	case "session.created":
		c.mu.Lock()
		c.sessionCreated = true
		c.mu.Unlock()

	case "conversation.item.created":
		evt, err := events.Parse[events.ConversationItemCreatedEvent](data)
		if err != nil {
			return err
		}
		item, delta, err := c.apply(conversation.ItemCreated{Item: evt.Item})
		if err != nil {
			return err
		}
		c.emitter.Dispatch("conversation.item.appended", ConversationUpdate{Item: item, Delta: delta})
		if item != nil && item.Status == conversation.StatusCompleted {
			c.emitter.Dispatch("conversation.item.completed", ConversationUpdate{Item: item, Delta: delta})
		}

	case "conversation.item.truncated":
		evt, err := events.Parse[events.ConversationItemTruncatedEvent](data)
		if err != nil {
			return err
		}
		_, _, err = c.apply(conversation.ItemTruncated{ItemID: evt.ItemID, AudioEndMs: evt.AudioEndMs})
		return err

	case "conversation.item.deleted":
		evt, err := events.Parse[events.ConversationItemDeletedEvent](data)
		if err != nil {
			return err
		}
		_, _, err = c.apply(conversation.ItemDeleted{ItemID: evt.ItemID})
		return err

	case "conversation.item.input_audio_transcription.completed":
		evt, err := events.Parse[events.InputAudioTranscriptionCompletedEvent](data)
		if err != nil {
			return err
		}
		item, delta, err := c.apply(conversation.InputTranscriptCompleted{
			ItemID:       evt.ItemID,
			ContentIndex: evt.ContentIndex,
			Transcript:   evt.Transcript,
		})
		if err != nil {
			return err
		}
		c.emitter.Dispatch("conversation.item.input_audio_transcription.completed", ConversationUpdate{Item: item, Delta: delta})

	case "input_audio_buffer.speech_started":
		evt, err := events.Parse[events.SpeechStartedEvent](data)
		if err != nil {
			return err
		}
		// The user interrupted; drop any buffered agent audio.
		c.io.ClearOutputBuffer()
		if _, _, err := c.apply(conversation.SpeechStarted{ItemID: evt.ItemID, AudioStartMs: evt.AudioStartMs}); err != nil {
			return err
		}
		c.emitter.Dispatch("conversation.interrupted", payload)

	case "input_audio_buffer.speech_stopped":
		evt, err := events.Parse[events.SpeechStoppedEvent](data)
		if err != nil {
			return err
		}
		c.mu.Lock()
		buffered := append([]byte(nil), c.inputAudio...)
		c.mu.Unlock()
		_, _, err = c.apply(conversation.SpeechStopped{ItemID: evt.ItemID, AudioEndMs: evt.AudioEndMs, InputAudio: buffered})
		return err

	case "response.created":
		evt, err := events.Parse[events.ResponseCreatedEvent](data)
		if err != nil {
			return err
		}
		_, _, err = c.apply(conversation.ResponseCreated{Response: evt.Response})
		return err

	case "response.output_item.added":
		evt, err := events.Parse[events.ResponseOutputItemAddedEvent](data)
		if err != nil {
			return err
		}
		_, _, err = c.apply(conversation.OutputItemAdded{ResponseID: evt.ResponseID, Item: evt.Item})
		return err

	case "response.output_item.done":
		evt, err := events.Parse[events.ResponseOutputItemDoneEvent](data)
		if err != nil {
			return err
		}
		item, delta, err := c.apply(conversation.OutputItemDone{Item: evt.Item})
		if err != nil {
			return err
		}
		if item != nil && item.Status == conversation.StatusCompleted {
			c.emitter.Dispatch("conversation.item.completed", ConversationUpdate{Item: item, Delta: delta})
		}
		if item != nil && item.Formatted.Tool != nil {
			// Run the tool off the read path so event delivery continues.
			toolCall := *item.Formatted.Tool
			go c.callTool(ctx, toolCall)
		}

	case "response.content_part.added":
		evt, err := events.Parse[events.ResponseContentPartAddedEvent](data)
		if err != nil {
			return err
		}
		_, _, err = c.apply(conversation.ContentPartAdded{ItemID: evt.ItemID, Part: evt.Part})
		return err

	case "response.audio_transcript.delta":
		evt, err := events.Parse[events.ResponseAudioTranscriptDeltaEvent](data)
		if err != nil {
			return err
		}
		_, _, err = c.apply(conversation.AudioTranscriptDelta{ItemID: evt.ItemID, ContentIndex: evt.ContentIndex, Delta: evt.Delta})
		return err

	case "response.audio.delta":
		evt, err := events.Parse[events.ResponseAudioDeltaEvent](data)
		if err != nil {
			return err
		}
		item, delta, err := c.apply(conversation.AudioDelta{ItemID: evt.ItemID, ContentIndex: evt.ContentIndex, Delta: evt.Delta})
		if err != nil {
			return err
		}
		if item != nil && delta != nil && len(delta.Audio) > 0 {
			if _, err := c.io.agentBuffer.Write(delta.Audio); err != nil {
				c.logger.Error("failed to buffer agent audio", slog.Any("err", err))
			}
		}

	case "response.text.delta":
		evt, err := events.Parse[events.ResponseTextDeltaEvent](data)
		if err != nil {
			return err
		}
		_, _, err = c.apply(conversation.TextDelta{ItemID: evt.ItemID, ContentIndex: evt.ContentIndex, Delta: evt.Delta})
		return err

	case "response.function_call_arguments.delta":
		evt, err := events.Parse[events.ResponseFunctionCallArgumentsDeltaEvent](data)
		if err != nil {
			return err
		}
		_, _, err = c.apply(conversation.ArgumentsDelta{ItemID: evt.ItemID, Delta: evt.Delta})
		return err
	}

	return nil
}

// apply feeds one event to the conversation model and emits
// "conversation.updated" when an item was affected.
func (c *Client) apply(ev conversation.Event) (*conversation.Item, *conversation.Delta, error) {
	item, delta, err := c.conversation.Apply(ev)
	if err != nil {
		return nil, nil, err
	}
	if item != nil {
		c.emitter.Dispatch("conversation.updated", ConversationUpdate{Item: item, Delta: delta})
	}
	return item, delta, nil
}

// callTool executes a completed function call and feeds the result back into
// the conversation. Failures become an error payload so the conversation
// continues.
func (c *Client) callTool(ctx context.Context, t conversation.FormattedTool) {
	c.logger.Info("function call", slog.String("name", t.Name), slog.String("arguments", t.Arguments))

	var output string
	result, err := c.tools.Invoke(ctx, t.Name, t.Arguments)
	if err != nil {
		output = tool.Error(err).Output()
	} else if result.Destination() == tool.ToClient {
		// Client-routed results bypass the model: it learns the call
		// finished but not what it produced.
		c.emitter.Dispatch("tool.response", ToolResponse{ToolName: t.Name, Result: result.Output()})
	} else {
		output = result.Output()
	}

	sendErr := c.send("conversation.item.create", events.ConversationItemCreateEvent{
		BaseEvent: events.NewBaseEvent("conversation.item.create"),
		Item: events.ConversationItem{
			Type:   conversation.ItemTypeFunctionCallOutput,
			CallID: t.CallID,
			Output: output,
		},
	})
	if sendErr != nil {
		c.logger.Error("failed to send tool output", slog.Any("err", sendErr))
		return
	}

	if err := c.CreateResponse(); err != nil {
		c.logger.Error("failed to request response after tool call", slog.Any("err", err))
	}
}
