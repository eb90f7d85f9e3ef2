package events

import "github.com/voicewire/rtrelay-go/tool"

type Session struct {
	ID                      string                   `json:"id,omitempty"`
	Object                  string                   `json:"object,omitempty"`
	ExpiresAt               int64                    `json:"expires_at,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Model                   string                   `json:"model,omitempty"`
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
	MaxResponseOutputTokens any                      `json:"max_response_output_tokens,omitempty"`
	Speed                   float64                  `json:"speed,omitempty"`
	Tools                   []tool.Tool              `json:"tools,omitempty"`
}

// SessionUpdate carries the session configuration the client (or the relay,
// when overriding) sends upstream.
type SessionUpdate struct {
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	InputAudioFormat        AudioFormat              `json:"input_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Model                   string                   `json:"model,omitempty"`
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	OutputAudioFormat       AudioFormat              `json:"output_audio_format,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                      `json:"max_response_output_tokens,omitempty"`
	DisableAudio            *bool                    `json:"disable_audio,omitempty"`
	Speed                   float64                  `json:"speed,omitempty"`
	Tools                   []tool.Tool              `json:"tools,omitempty"`
	ToolChoice              tool.Choice              `json:"tool_choice,omitempty"`
}

// InputAudioTranscription selects the transcription model for user audio.
type InputAudioTranscription struct {
	Model string `json:"model,omitempty"`
}

// TurnDetection holds the VAD configuration. A nil TurnDetection on a
// session means manual turn handling: the caller commits the input audio
// buffer explicitly.
type TurnDetection struct {
	Type              string  `json:"type,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response,omitempty"`
	InterruptResponse bool    `json:"interrupt_response,omitempty"`
}
