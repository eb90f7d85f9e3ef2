package events

type SessionUpdateEvent struct {
	BaseEvent
	Session SessionUpdate `json:"session"`
}

type ConversationItemCreateEvent struct {
	BaseEvent
	Item ConversationItem `json:"item"`
}

type ConversationItemDeleteEvent struct {
	BaseEvent
	ItemID string `json:"item_id"`
}

type ConversationItemTruncateEvent struct {
	BaseEvent
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

type InputAudioBufferAppendEvent struct {
	BaseEvent
	Audio string `json:"audio"`
}

type InputAudioBufferCommitEvent struct {
	BaseEvent
}

type ResponseCancelEvent struct {
	BaseEvent
}

// ConversationItem is the inner "item" object shared by client and server
// events.
type ConversationItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type,omitempty"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ContentPart is one entry of an item's content list.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// MiddleTierToolResponseEvent is the out-of-band downstream message carrying
// a tool result that bypasses the model's own text/audio stream.
type MiddleTierToolResponseEvent struct {
	BaseEvent
	PreviousItemID string `json:"previous_item_id"`
	ToolName       string `json:"tool_name"`
	ToolResult     string `json:"tool_result"`
}

// TypeMiddleTierToolResponse is the wire type of MiddleTierToolResponseEvent.
const TypeMiddleTierToolResponse = "extension.middle_tier_tool_response"
