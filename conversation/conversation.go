// Package conversation reconstructs a structured, queryable conversation
// model from the stream of partial and delta events an upstream realtime
// service emits. All state is scoped to one Conversation value, one per
// active session.
package conversation

import (
	"fmt"

	"github.com/voicewire/rtrelay-go/audio"
	"github.com/voicewire/rtrelay-go/events"
)

const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"

	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var (
	ErrItemNotFound     = fmt.Errorf("item not found")
	ErrResponseNotFound = fmt.Errorf("response not found")
	ErrSegmentNotFound  = fmt.Errorf("speech segment not found")
)

// FormattedTool is the accumulated view of a function call on an item.
type FormattedTool struct {
	Type      string
	Name      string
	CallID    string
	Arguments string
}

// Formatted is the consumer-facing projection of an item: accumulated text,
// transcript and PCM16 audio, plus the tool view for function calls.
type Formatted struct {
	Text       string
	Transcript string
	Audio      []byte
	Tool       *FormattedTool
	Output     string
}

// Item is one turn-level unit of the conversation.
type Item struct {
	ID        string
	Type      string
	Role      string
	Status    string
	Content   []events.ContentPart
	CallID    string
	Name      string
	Arguments string
	Output    string
	Formatted Formatted
}

// Response tracks one upstream generation unit and the ids of the items it
// has produced so far.
type Response struct {
	ID     string
	Status string
	Output []string
}

// Delta describes exactly what an update changed on its item, so callers can
// emit fine-grained notifications without re-diffing the whole item.
type Delta struct {
	Text       string
	Transcript string
	Audio      []byte
	Arguments  string
}

type speechSegment struct {
	audioStartMs int
	audioEndMs   int
	audio        []byte
}

// Conversation is the in-memory conversation model. Not safe for concurrent
// use: per the session model all mutation happens on the single relay task.
type Conversation struct {
	items            []*Item
	itemLookup       map[string]*Item
	responses        []*Response
	responseLookup   map[string]*Response
	queuedSpeech     map[string]*speechSegment
	queuedTranscript map[string]string
	queuedInputAudio []byte
	frequency        int
}

func New() *Conversation {
	c := &Conversation{frequency: audio.DefaultFrequency}
	c.Clear()
	return c
}

// Clear resets all conversation state.
func (c *Conversation) Clear() {
	c.items = nil
	c.itemLookup = make(map[string]*Item)
	c.responses = nil
	c.responseLookup = make(map[string]*Response)
	c.queuedSpeech = make(map[string]*speechSegment)
	c.queuedTranscript = make(map[string]string)
	c.queuedInputAudio = nil
}

// QueueInputAudio stashes a committed input audio buffer; the next created
// user message item picks it up.
func (c *Conversation) QueueInputAudio(buf []byte) {
	c.queuedInputAudio = buf
}

func (c *Conversation) GetItem(id string) (*Item, bool) {
	item, ok := c.itemLookup[id]
	return item, ok
}

// Items returns the append-ordered item list.
func (c *Conversation) Items() []*Item {
	out := make([]*Item, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Conversation) Responses() []*Response {
	out := make([]*Response, len(c.responses))
	copy(out, c.responses)
	return out
}

// Apply runs one event against the conversation model. It returns the
// affected item (nil when the event touches no item) and a delta describing
// what changed. Protocol errors — events addressing unknown items or
// responses — are returned, not swallowed; stale audio deltas are the one
// tolerated exception.
func (c *Conversation) Apply(ev Event) (*Item, *Delta, error) {
	switch e := ev.(type) {
	case ItemCreated:
		return c.applyItemCreated(e)
	case ItemTruncated:
		return c.applyItemTruncated(e)
	case ItemDeleted:
		return c.applyItemDeleted(e)
	case InputTranscriptCompleted:
		return c.applyInputTranscriptCompleted(e)
	case SpeechStarted:
		return c.applySpeechStarted(e)
	case SpeechStopped:
		return c.applySpeechStopped(e)
	case ResponseCreated:
		return c.applyResponseCreated(e)
	case OutputItemAdded:
		return c.applyOutputItemAdded(e)
	case OutputItemDone:
		return c.applyOutputItemDone(e)
	case ContentPartAdded:
		return c.applyContentPartAdded(e)
	case AudioTranscriptDelta:
		return c.applyAudioTranscriptDelta(e)
	case AudioDelta:
		return c.applyAudioDelta(e)
	case TextDelta:
		return c.applyTextDelta(e)
	case ArgumentsDelta:
		return c.applyArgumentsDelta(e)
	default:
		return nil, nil, fmt.Errorf("unhandled conversation event %T", ev)
	}
}

func (c *Conversation) applyItemCreated(e ItemCreated) (*Item, *Delta, error) {
	if existing, ok := c.itemLookup[e.Item.ID]; ok {
		return existing, nil, nil
	}

	item := &Item{
		ID:        e.Item.ID,
		Type:      e.Item.Type,
		Role:      e.Item.Role,
		Status:    e.Item.Status,
		Content:   append([]events.ContentPart(nil), e.Item.Content...),
		CallID:    e.Item.CallID,
		Name:      e.Item.Name,
		Arguments: e.Item.Arguments,
		Output:    e.Item.Output,
	}
	c.itemLookup[item.ID] = item
	c.items = append(c.items, item)

	if segment, ok := c.queuedSpeech[item.ID]; ok {
		if segment.audio != nil {
			item.Formatted.Audio = segment.audio
			delete(c.queuedSpeech, item.ID)
		}
		// A start-only segment stays queued until the stop event arrives
		// with the end offset.
	}

	for _, part := range item.Content {
		if part.Type == "text" || part.Type == "input_text" {
			item.Formatted.Text += part.Text
		}
	}

	if transcript, ok := c.queuedTranscript[item.ID]; ok {
		item.Formatted.Transcript = transcript
		delete(c.queuedTranscript, item.ID)
	}

	switch item.Type {
	case ItemTypeMessage:
		if item.Role == RoleUser {
			item.Status = StatusCompleted
			if c.queuedInputAudio != nil {
				item.Formatted.Audio = c.queuedInputAudio
				c.queuedInputAudio = nil
			}
		} else {
			item.Status = StatusInProgress
		}
	case ItemTypeFunctionCall:
		item.Formatted.Tool = &FormattedTool{
			Type:   "function",
			Name:   item.Name,
			CallID: item.CallID,
		}
		item.Status = StatusInProgress
	case ItemTypeFunctionCallOutput:
		item.Status = StatusCompleted
		item.Formatted.Output = item.Output
	}

	return item, nil, nil
}

func (c *Conversation) applyItemTruncated(e ItemTruncated) (*Item, *Delta, error) {
	item, ok := c.itemLookup[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("item.truncated: item %q: %w", e.ItemID, ErrItemNotFound)
	}

	endIndex := audio.ByteIndex(e.AudioEndMs, c.frequency)
	if endIndex < len(item.Formatted.Audio) {
		item.Formatted.Audio = item.Formatted.Audio[:endIndex]
	}
	item.Formatted.Transcript = ""
	return item, nil, nil
}

func (c *Conversation) applyItemDeleted(e ItemDeleted) (*Item, *Delta, error) {
	item, ok := c.itemLookup[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("item.deleted: item %q: %w", e.ItemID, ErrItemNotFound)
	}

	delete(c.itemLookup, item.ID)
	for i, it := range c.items {
		if it == item {
			c.items = append(c.items[:i:i], c.items[i+1:]...)
			break
		}
	}
	return item, nil, nil
}

func (c *Conversation) applyInputTranscriptCompleted(e InputTranscriptCompleted) (*Item, *Delta, error) {
	item, ok := c.itemLookup[e.ItemID]
	if !ok {
		// Transcription can finish before the item exists; keep it for later.
		c.queuedTranscript[e.ItemID] = e.Transcript
		return nil, nil, nil
	}

	if e.ContentIndex < 0 || e.ContentIndex >= len(item.Content) {
		return nil, nil, fmt.Errorf("input_audio_transcription.completed: item %q has no content index %d", e.ItemID, e.ContentIndex)
	}
	item.Content[e.ContentIndex].Transcript = e.Transcript
	item.Formatted.Transcript = e.Transcript
	return item, &Delta{Transcript: e.Transcript}, nil
}

func (c *Conversation) applySpeechStarted(e SpeechStarted) (*Item, *Delta, error) {
	c.queuedSpeech[e.ItemID] = &speechSegment{audioStartMs: e.AudioStartMs}
	return nil, nil, nil
}

func (c *Conversation) applySpeechStopped(e SpeechStopped) (*Item, *Delta, error) {
	segment, ok := c.queuedSpeech[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("speech_stopped: item %q: %w", e.ItemID, ErrSegmentNotFound)
	}

	segment.audioEndMs = e.AudioEndMs
	if e.InputAudio != nil {
		start := audio.ByteIndex(segment.audioStartMs, c.frequency)
		end := audio.ByteIndex(segment.audioEndMs, c.frequency)
		if start > len(e.InputAudio) {
			start = len(e.InputAudio)
		}
		if end > len(e.InputAudio) {
			end = len(e.InputAudio)
		}
		segment.audio = append([]byte(nil), e.InputAudio[start:end]...)
	}

	// The stop event may arrive after the item was created; attach the slice
	// directly instead of waiting for a merge that already happened.
	if item, ok := c.itemLookup[e.ItemID]; ok {
		item.Formatted.Audio = segment.audio
		delete(c.queuedSpeech, e.ItemID)
		return item, nil, nil
	}
	return nil, nil, nil
}

func (c *Conversation) applyResponseCreated(e ResponseCreated) (*Item, *Delta, error) {
	if _, ok := c.responseLookup[e.Response.ID]; !ok {
		response := &Response{ID: e.Response.ID, Status: e.Response.Status}
		c.responseLookup[response.ID] = response
		c.responses = append(c.responses, response)
	}
	return nil, nil, nil
}

func (c *Conversation) applyOutputItemAdded(e OutputItemAdded) (*Item, *Delta, error) {
	response, ok := c.responseLookup[e.ResponseID]
	if !ok {
		return nil, nil, fmt.Errorf("response.output_item.added: response %q: %w", e.ResponseID, ErrResponseNotFound)
	}
	response.Output = append(response.Output, e.Item.ID)
	return nil, nil, nil
}

func (c *Conversation) applyOutputItemDone(e OutputItemDone) (*Item, *Delta, error) {
	if e.Item.ID == "" {
		return nil, nil, fmt.Errorf("response.output_item.done: missing item")
	}
	item, ok := c.itemLookup[e.Item.ID]
	if !ok {
		return nil, nil, fmt.Errorf("response.output_item.done: item %q: %w", e.Item.ID, ErrItemNotFound)
	}
	item.Status = e.Item.Status
	return item, nil, nil
}

func (c *Conversation) applyContentPartAdded(e ContentPartAdded) (*Item, *Delta, error) {
	item, ok := c.itemLookup[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("response.content_part.added: item %q: %w", e.ItemID, ErrItemNotFound)
	}
	item.Content = append(item.Content, e.Part)
	return item, nil, nil
}

func (c *Conversation) applyAudioTranscriptDelta(e AudioTranscriptDelta) (*Item, *Delta, error) {
	item, ok := c.itemLookup[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("response.audio_transcript.delta: item %q: %w", e.ItemID, ErrItemNotFound)
	}
	if e.ContentIndex >= 0 && e.ContentIndex < len(item.Content) {
		item.Content[e.ContentIndex].Transcript += e.Delta
	}
	item.Formatted.Transcript += e.Delta
	return item, &Delta{Transcript: e.Delta}, nil
}

func (c *Conversation) applyAudioDelta(e AudioDelta) (*Item, *Delta, error) {
	item, ok := c.itemLookup[e.ItemID]
	if !ok {
		// Late or duplicate chunk, tolerated.
		return nil, nil, nil
	}
	chunk, err := audio.DecodeBase64(e.Delta)
	if err != nil {
		return nil, nil, fmt.Errorf("response.audio.delta: item %q: %w", e.ItemID, err)
	}
	// The chunk is surfaced through the delta only; Formatted.Audio holds
	// segment audio, not the streamed output.
	return item, &Delta{Audio: chunk}, nil
}

func (c *Conversation) applyTextDelta(e TextDelta) (*Item, *Delta, error) {
	item, ok := c.itemLookup[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("response.text.delta: item %q: %w", e.ItemID, ErrItemNotFound)
	}
	if e.ContentIndex >= 0 && e.ContentIndex < len(item.Content) {
		item.Content[e.ContentIndex].Text += e.Delta
	}
	item.Formatted.Text += e.Delta
	return item, &Delta{Text: e.Delta}, nil
}

func (c *Conversation) applyArgumentsDelta(e ArgumentsDelta) (*Item, *Delta, error) {
	item, ok := c.itemLookup[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("response.function_call_arguments.delta: item %q: %w", e.ItemID, ErrItemNotFound)
	}
	item.Arguments += e.Delta
	if item.Formatted.Tool != nil {
		item.Formatted.Tool.Arguments += e.Delta
	}
	return item, &Delta{Arguments: e.Delta}, nil
}
