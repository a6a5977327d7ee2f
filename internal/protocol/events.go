package protocol

// EventType tags the normalized events forwarded to callers.
type EventType string

const (
	EventUserMessage      EventType = "user_message"
	EventAssistantMessage EventType = "assistant_message"
	EventUserInterruption EventType = "user_interruption"
	EventConnectionLost   EventType = "connection_lost"
)

// Event is the tagged union delivered to an EventHandler.
type Event interface {
	EventType() EventType
}

// EventHandler receives events in the order the peer sent them.
type EventHandler func(Event)

type UserMessage struct {
	Type        EventType    `json:"type"`
	Transcript  string       `json:"transcript"`
	Expressions []Expression `json:"expressions"`
}

func (m UserMessage) EventType() EventType { return EventUserMessage }

type AssistantMessage struct {
	Type        EventType    `json:"type"`
	Text        string       `json:"text"`
	Expressions []Expression `json:"expressions"`
}

func (m AssistantMessage) EventType() EventType { return EventAssistantMessage }

type UserInterruption struct {
	Type EventType `json:"type"`
}

func (m UserInterruption) EventType() EventType { return EventUserInterruption }

// ConnectionLost is emitted once when the peer drops an open channel.
type ConnectionLost struct {
	Type   EventType `json:"type"`
	Reason string    `json:"reason,omitempty"`
}

func (m ConnectionLost) EventType() EventType { return EventConnectionLost }

// Normalize converts a peer event into the caller-facing event. The second
// return value is false for kinds that are not forwarded.
func Normalize(in InboundEvent) (Event, bool) {
	switch in.Type {
	case TypeTranscript:
		return UserMessage{
			Type:        EventUserMessage,
			Transcript:  in.Text,
			Expressions: cloneExpressions(in.Emotions),
		}, true
	case TypeResponse:
		return AssistantMessage{
			Type:        EventAssistantMessage,
			Text:        in.Text,
			Expressions: cloneExpressions(in.Emotions),
		}, true
	case TypeInterruption:
		return UserInterruption{Type: EventUserInterruption}, true
	default:
		return nil, false
	}
}

func cloneExpressions(in []Expression) []Expression {
	out := make([]Expression, len(in))
	copy(out, in)
	return out
}
