// Package rtrelay relays a bidirectional realtime conversation stream
// between a downstream websocket client and an upstream speech/text service,
// rewriting session configuration on the way in, hiding function-call
// scaffolding on the way out, and executing model-requested tool calls
// in between.
package rtrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voicewire/rtrelay-go/events"
	upstreamws "github.com/voicewire/rtrelay-go/internal/websocket"
	"github.com/voicewire/rtrelay-go/tool"
)

// State tracks a session's connection pair.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	errClientClosed   = errors.New("client connection closed")
	errUpstreamClosed = errors.New("upstream connection closed")
)

// Relay is the middle tier between downstream clients and the upstream
// realtime service. One Relay serves any number of concurrent sessions;
// per-session state lives on the session, never on the Relay.
type Relay struct {
	config *config
	tools  *tool.Registry
	logger *slog.Logger
}

func NewRelay(opts ...Option) *Relay {
	cfg := &config{}
	withRelayDefaults()(cfg)
	WithOptions(opts...)(cfg)

	return &Relay{
		config: cfg,
		tools:  tool.NewRegistry(),
		logger: cfg.logger,
	}
}

// RegisterTool adds a tool the model may call during relayed sessions.
func (r *Relay) RegisterTool(def tool.Tool, h tool.Handler) error {
	return r.tools.Register(def, h)
}

func (r *Relay) Tools() *tool.Registry {
	return r.tools
}

// Attach mounts the relay's websocket endpoint on the given mux.
func (r *Relay) Attach(mux *http.ServeMux, path string) {
	mux.Handle(path, r)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := newSession(r, conn)
	if err := sess.run(req.Context()); err != nil {
		r.logger.Error("session ended with error", slog.Any("err", err))
	}
}

type pendingToolCall struct {
	callID         string
	previousItemID string
}

// session owns one downstream/upstream connection pair and all state scoped
// to it. Inbound processing (upstream to client, including tool execution)
// runs on a single task, so pending is mutated from one goroutine only.
type session struct {
	relay    *Relay
	logger   *slog.Logger
	client   *websocket.Conn
	clientMu sync.Mutex
	pending  map[string]pendingToolCall
	state    atomic.Int32

	sendUpstream func(data []byte)
	sendClient   func(data []byte) error
}

func newSession(r *Relay, client *websocket.Conn) *session {
	s := &session{
		relay:   r,
		logger:  r.logger,
		client:  client,
		pending: make(map[string]pendingToolCall),
	}
	s.sendClient = s.writeClient
	return s
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *session) run(ctx context.Context) error {
	if err := s.relay.config.validate(); err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	headers := http.Header{}
	headers.Add("Authorization", fmt.Sprintf("Bearer %s", s.relay.config.apiKey))
	headers.Add("OpenAI-Beta", "realtime=v1")

	upstream, err := upstreamws.Connect(ctx, upstreamws.ClientConfig{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		URL:         s.relay.config.realtimeURL(),
		DialTimeout: s.relay.config.dialTimeout(),
		Headers:     headers,
		OnText: func(data []byte) error {
			return s.handleServerMessage(ctx, data)
		},
	})
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("upstream dial: %w", err)
	}

	s.sendUpstream = upstream.WriteText
	s.setState(StateConnected)

	g, gctx := errgroup.WithContext(ctx)
	s.setState(StateRelaying)

	// client -> upstream
	g.Go(func() error {
		for {
			messageType, data, err := s.client.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					s.logger.Debug("client read failed", slog.Any("err", err))
				}
				return errClientClosed
			}
			if messageType != websocket.TextMessage {
				s.logger.Warn("unsupported message type from client", slog.Int("type", messageType))
				continue
			}

			forward, err := s.processClientMessage(data)
			if err != nil {
				s.logger.Error("failed to process client message", slog.Any("err", err))
				continue
			}
			if forward != nil {
				upstream.WriteText(forward)
			}
		}
	})

	// upstream lifetime; inbound handling runs on the upstream client's
	// own read task via OnText.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-upstream.Done():
			return errUpstreamClosed
		}
	})

	// Either side ending cancels the group context; close both ends so the
	// blocked read unblocks and both sockets are released.
	go func() {
		<-gctx.Done()
		_ = s.client.Close()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = upstream.Close(closeCtx)
	}()

	err = g.Wait()
	s.setState(StateClosed)

	if errors.Is(err, errClientClosed) || errors.Is(err, errUpstreamClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// processClientMessage applies the outbound rewrite rule: session.update
// messages get the relay's configured overrides, everything else passes
// through untouched.
func (s *session) processClientMessage(data []byte) ([]byte, error) {
	eventType, err := events.TypeOf(data)
	if err != nil {
		return nil, err
	}
	if eventType != "session.update" {
		return data, nil
	}

	var message map[string]json.RawMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, err
	}

	session := map[string]any{}
	if raw, ok := message["session"]; ok {
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("session.update: %w", err)
		}
	}

	cfg := s.relay.config
	if cfg.instructions != "" {
		session["instructions"] = cfg.instructions
	}
	if cfg.temperature != nil {
		session["temperature"] = *cfg.temperature
	}
	if cfg.maxOutputTokens != nil {
		session["max_response_output_tokens"] = *cfg.maxOutputTokens
	}
	if cfg.disableAudio != nil {
		session["disable_audio"] = *cfg.disableAudio
	}
	if cfg.voice != "" {
		session["voice"] = cfg.voice
	}

	rewritten, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	message["session"] = rewritten

	return json.Marshal(message)
}

// handleServerMessage applies the inbound rewrite rules and drives tool
// execution when the upstream reports a completed function call.
func (s *session) handleServerMessage(ctx context.Context, data []byte) error {
	eventType, err := events.TypeOf(data)
	if err != nil {
		return err
	}

	switch eventType {
	case "response.done":
		// End of a response cycle.
		clear(s.pending)

	case "response.output_item.added":
		evt, err := events.Parse[events.ResponseOutputItemAddedEvent](data)
		if err != nil {
			return err
		}
		if evt.Item.Type == "function_call" {
			return nil
		}

	case "conversation.item.created":
		evt, err := events.Parse[events.ConversationItemCreatedEvent](data)
		if err != nil {
			return err
		}
		if evt.Item.Type == "function_call" {
			previousItemID := ""
			if evt.PreviousItemID != nil {
				previousItemID = *evt.PreviousItemID
			}
			s.pending[evt.Item.CallID] = pendingToolCall{
				callID:         evt.Item.CallID,
				previousItemID: previousItemID,
			}
			return nil
		}

	case "response.function_call_arguments.delta", "response.function_call_arguments.done":
		// Arguments accumulate server-side only.
		return nil

	case "response.output_item.done":
		evt, err := events.Parse[events.ResponseOutputItemDoneEvent](data)
		if err != nil {
			return err
		}
		if evt.Item.Type == "function_call" {
			s.handleToolCall(ctx, evt.Item)
			return nil
		}
	}

	return s.sendClient(data)
}

// handleToolCall executes a completed function call and routes its result.
// An unregistered tool name suppresses the call entirely; handler failures
// are already folded into the result by the registry.
func (s *session) handleToolCall(ctx context.Context, item events.ConversationItem) {
	if !s.relay.tools.Has(item.Name) {
		s.logger.Debug("no tool registered for function call", slog.String("name", item.Name))
		return
	}

	result, err := s.relay.tools.Invoke(ctx, item.Name, item.Arguments)
	if err != nil {
		s.logger.Error("tool invocation failed",
			slog.String("name", item.Name),
			slog.Any("err", err),
		)
		return
	}

	output := result.Output()
	if result.Destination() == tool.ToClient {
		// The model is told the call completed but gets no content, so it
		// does not narrate the result.
		output = ""
	}

	s.send(events.ConversationItemCreateEvent{
		BaseEvent: events.NewBaseEvent("conversation.item.create"),
		Item: events.ConversationItem{
			Type:   "function_call_output",
			CallID: item.CallID,
			Output: output,
		},
	})

	if result.Destination() == tool.ToClient {
		evt := events.MiddleTierToolResponseEvent{
			BaseEvent:      events.NewBaseEvent(events.TypeMiddleTierToolResponse),
			PreviousItemID: s.pending[item.CallID].previousItemID,
			ToolName:       item.Name,
			ToolResult:     result.Output(),
		}
		data, err := json.Marshal(evt)
		if err != nil {
			s.logger.Error("failed to marshal tool response", slog.Any("err", err))
		} else if err := s.sendClient(data); err != nil {
			s.logger.Error("failed to send tool response to client", slog.Any("err", err))
		}
	}

	// Keep the conversation going after the call.
	s.send(events.ResponseCreateEvent{
		BaseEvent: events.NewBaseEvent("response.create"),
		Response:  events.ResponseCreatePayload{},
	})
}

func (s *session) send(evt any) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("failed to marshal event", slog.Any("err", err))
		return
	}
	s.sendUpstream(data)
}

func (s *session) writeClient(data []byte) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client.WriteMessage(websocket.TextMessage, data)
}
