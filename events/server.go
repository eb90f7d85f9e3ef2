package events

import (
	"fmt"

	"github.com/voicewire/rtrelay-go/tool"
)

type AudioFormat string

const (
	AudioFormatPCM16 AudioFormat = "pcm16"
)

type ErrorEvent struct {
	BaseEvent
	ErrorDetail ErrorDetail `json:"error"`
}

func (e *ErrorEvent) Error() string {
	return e.ErrorDetail.Error()
}

// ErrorDetail holds the details of the error.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type SessionCreatedEvent struct {
	BaseEvent
	Session Session `json:"session"`
}

type SessionUpdatedEvent struct {
	BaseEvent
	Session Session `json:"session"`
}

type ConversationItemCreatedEvent struct {
	BaseEvent
	Item ConversationItem `json:"item"`
}

type ConversationItemTruncatedEvent struct {
	BaseEvent
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

type ConversationItemDeletedEvent struct {
	BaseEvent
	ItemID string `json:"item_id"`
}

type InputAudioTranscriptionCompletedEvent struct {
	BaseEvent
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type SpeechStartedEvent struct {
	BaseEvent
	ItemID       string `json:"item_id"`
	AudioStartMs int    `json:"audio_start_ms"`
}

type SpeechStoppedEvent struct {
	BaseEvent
	ItemID     string `json:"item_id"`
	AudioEndMs int    `json:"audio_end_ms"`
}

type ResponseCreateEvent struct {
	BaseEvent
	Response ResponseCreatePayload `json:"response"`
}

type ResponseCreatePayload struct {
	Modalities        []string    `json:"modalities,omitempty"`
	Instructions      string      `json:"instructions,omitempty"`
	Voice             string      `json:"voice,omitempty"`
	OutputAudioFormat AudioFormat `json:"output_audio_format,omitempty"`
	Tools             []tool.Tool `json:"tools,omitempty"`
	ToolChoice        tool.Choice `json:"tool_choice,omitempty"`
	Temperature       float64     `json:"temperature,omitempty"`
	MaxOutputTokens   int         `json:"max_output_tokens,omitempty"`
}

// Response is the upstream generation unit as it appears on the wire. Output
// is empty on response.created and carries the produced items on
// response.done.
type Response struct {
	ID     string             `json:"id"`
	Status string             `json:"status,omitempty"`
	Output []ConversationItem `json:"output,omitempty"`
}

type ResponseCreatedEvent struct {
	BaseEvent
	Response Response `json:"response"`
}

type ResponseDoneEvent struct {
	BaseEvent
	Response Response `json:"response"`
}

type ResponseOutputItemAddedEvent struct {
	BaseEvent
	ResponseID  string           `json:"response_id"`
	OutputIndex int              `json:"output_index"`
	Item        ConversationItem `json:"item"`
}

type ResponseOutputItemDoneEvent struct {
	BaseEvent
	ResponseID  string           `json:"response_id"`
	OutputIndex int              `json:"output_index"`
	Item        ConversationItem `json:"item"`
}

type ResponseContentPartAddedEvent struct {
	BaseEvent
	ResponseID   string      `json:"response_id"`
	ItemID       string      `json:"item_id"`
	OutputIndex  int         `json:"output_index"`
	ContentIndex int         `json:"content_index"`
	Part         ContentPart `json:"part"`
}

type ResponseTextDeltaEvent struct {
	BaseEvent
	ResponseId   string `json:"response_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	ItemID       string `json:"item_id"`
	Delta        string `json:"delta"`
}

type ResponseAudioDeltaEvent struct {
	BaseEvent
	ResponseId   string `json:"response_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	ItemID       string `json:"item_id"`
	Delta        string `json:"delta"`
}

type ResponseAudioDone struct {
	BaseEvent
	ResponseId  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	ItemID      string `json:"item_id"`
}

type ResponseAudioTranscriptDeltaEvent struct {
	BaseEvent
	ResponseId   string `json:"response_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	ItemID       string `json:"item_id"`
	Delta        string `json:"delta"`
}

type ResponseAudioTranscriptDoneEvent struct {
	BaseEvent
	ResponseId  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	ItemID      string `json:"item_id"`
	Transcript  string `json:"transcript"`
}

type ResponseFunctionCallArgumentsDeltaEvent struct {
	BaseEvent
	ResponseId string `json:"response_id"`
	ItemID     string `json:"item_id"`
	CallID     string `json:"call_id"`
	Delta      string `json:"delta"`
}

type ResponseFunctionCallArgumentsDoneEvent struct {
	BaseEvent
	ResponseId string `json:"response_id"`
	ItemID     string `json:"item_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments"`
}
