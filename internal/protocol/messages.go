package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies payload variants exchanged with the inference peer.
type MessageType string

const (
	TypeConfig       MessageType = "config"
	TypeTranscript   MessageType = "transcript"
	TypeResponse     MessageType = "response"
	TypeInterruption MessageType = "interruption"
)

// DefaultLanguage is the language tag sent in every config message unless overridden.
const DefaultLanguage = "en"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Expression is one named, scored emotion detected on an utterance.
type Expression struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// ConfigMessage is the first and only JSON payload the client sends on a
// freshly opened channel; everything after it is binary audio.
type ConfigMessage struct {
	Type               MessageType `json:"type"`
	Voice              string      `json:"voice"`
	Style              string      `json:"style"`
	ResponseFormat     string      `json:"responseFormat"`
	Language           string      `json:"language"`
	EnableVAD          bool        `json:"enableVAD"`
	EnableInterruption bool        `json:"enableInterruption"`
}

func NewConfigMessage(voice, style, responseFormat, language string) ConfigMessage {
	if language == "" {
		language = DefaultLanguage
	}
	return ConfigMessage{
		Type:               TypeConfig,
		Voice:              voice,
		Style:              style,
		ResponseFormat:     responseFormat,
		Language:           language,
		EnableVAD:          true,
		EnableInterruption: true,
	}
}

// InboundEvent is a structured event received from the peer.
type InboundEvent struct {
	Type     MessageType  `json:"type"`
	Text     string       `json:"text,omitempty"`
	Emotions []Expression `json:"emotions,omitempty"`
}

// ParseInboundEvent decodes one peer message. Unknown event kinds yield
// ErrUnsupportedType so callers can skip them.
func ParseInboundEvent(raw []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundEvent{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTranscript, TypeResponse, TypeInterruption:
		var msg InboundEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return InboundEvent{}, fmt.Errorf("invalid %s event: %w", env.Type, err)
		}
		return msg, nil
	default:
		return InboundEvent{}, ErrUnsupportedType
	}
}
