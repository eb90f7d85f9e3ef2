package conversation

import "github.com/voicewire/rtrelay-go/events"

// Event is one conversation-affecting upstream event, as a closed set of
// variants. Each variant carries exactly the fields its update needs;
// Conversation.Apply dispatches over them with an explicit switch.
type Event interface {
	conversationEvent()
}

type ItemCreated struct {
	Item events.ConversationItem
}

type ItemTruncated struct {
	ItemID     string
	AudioEndMs int
}

type ItemDeleted struct {
	ItemID string
}

type InputTranscriptCompleted struct {
	ItemID       string
	ContentIndex int
	Transcript   string
}

type SpeechStarted struct {
	ItemID       string
	AudioStartMs int
}

// SpeechStopped carries the input audio accumulated so far, so the detected
// segment can be sliced out of it. A nil buffer skips the slice.
type SpeechStopped struct {
	ItemID     string
	AudioEndMs int
	InputAudio []byte
}

type ResponseCreated struct {
	Response events.Response
}

type OutputItemAdded struct {
	ResponseID string
	Item       events.ConversationItem
}

type OutputItemDone struct {
	Item events.ConversationItem
}

type ContentPartAdded struct {
	ItemID string
	Part   events.ContentPart
}

type AudioTranscriptDelta struct {
	ItemID       string
	ContentIndex int
	Delta        string
}

// AudioDelta carries a base64 audio chunk. Unknown item ids are tolerated:
// late or duplicate chunks mutate nothing and raise nothing.
type AudioDelta struct {
	ItemID       string
	ContentIndex int
	Delta        string
}

type TextDelta struct {
	ItemID       string
	ContentIndex int
	Delta        string
}

type ArgumentsDelta struct {
	ItemID string
	Delta  string
}

func (ItemCreated) conversationEvent()              {}
func (ItemTruncated) conversationEvent()            {}
func (ItemDeleted) conversationEvent()              {}
func (InputTranscriptCompleted) conversationEvent() {}
func (SpeechStarted) conversationEvent()            {}
func (SpeechStopped) conversationEvent()            {}
func (ResponseCreated) conversationEvent()          {}
func (OutputItemAdded) conversationEvent()          {}
func (OutputItemDone) conversationEvent()           {}
func (ContentPartAdded) conversationEvent()         {}
func (AudioTranscriptDelta) conversationEvent()     {}
func (AudioDelta) conversationEvent()               {}
func (TextDelta) conversationEvent()                {}
func (ArgumentsDelta) conversationEvent()           {}
