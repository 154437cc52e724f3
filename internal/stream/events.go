package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// PreliminaryID stands in for a response message id that is not known yet.
const PreliminaryID = "<preliminary>"

// EventKind discriminates tagged wire events.
type EventKind string

const (
	EventRunStep          EventKind = "on_run_step"
	EventRunStepDelta     EventKind = "on_run_step_delta"
	EventMessageDelta     EventKind = "on_message_delta"
	EventReasoningDelta   EventKind = "on_reasoning_delta"
	EventRunStepCompleted EventKind = "on_run_step_completed"
	EventAgentUpdate      EventKind = "on_agent_update"
	EventAttachment       EventKind = "attachment"
)

// Legacy flat envelopes, named by their marker field.
const (
	EventFinal    EventKind = "final"
	EventCreated  EventKind = "created"
	EventSync     EventKind = "sync"
	EventTyped    EventKind = "type"
	EventText     EventKind = "text"
	EventResponse EventKind = "response"
	EventMessage  EventKind = "message"
)

// StepType is the kind of a run step.
type StepType string

const (
	StepMessageCreation StepType = "message_creation"
	StepToolCalls       StepType = "tool_calls"
)

// Event is one decoded wire event.
type Event interface {
	Kind() EventKind
}

// WireToolCall is a tool call as it travels in run steps and deltas. Args
// stays raw so a null can be told apart from an absent field.
type WireToolCall struct {
	Index  *int            `json:"index,omitempty"`
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Type   string          `json:"type,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Output *string         `json:"output,omitempty"`
}

// StepDetails describes what a run step produces.
type StepDetails struct {
	Type      StepType       `json:"type"`
	ToolCalls []WireToolCall `json:"tool_calls,omitempty"`
}

// RunStep declares a new step of a run.
type RunStep struct {
	ID          string      `json:"id"`
	RunID       string      `json:"runId"`
	Index       int         `json:"index"`
	StepDetails StepDetails `json:"stepDetails"`
}

// StepDelta is the payload of a RunStepDelta.
type StepDelta struct {
	Type      StepType       `json:"type,omitempty"`
	ToolCalls []WireToolCall `json:"tool_calls,omitempty"`
	Auth      string         `json:"auth,omitempty"`
	ExpiresAt int64          `json:"expires_at,omitempty"`
}

// RunStepDelta updates tool calls of an existing step.
type RunStepDelta struct {
	ID    string    `json:"id"`
	Delta StepDelta `json:"delta"`
}

// ContentDelta carries incremental content for a step.
type ContentDelta struct {
	Content []ContentPart `json:"content"`
}

// MessageDelta appends text to the part owned by a step.
type MessageDelta struct {
	ID    string       `json:"id"`
	Delta ContentDelta `json:"delta"`
}

// ReasoningDelta appends reasoning to the part owned by a step.
type ReasoningDelta struct {
	ID    string       `json:"id"`
	Delta ContentDelta `json:"delta"`
}

// CompletedResult is the authoritative outcome of a tool call.
type CompletedResult struct {
	ID       string       `json:"id"`
	Index    int          `json:"index"`
	ToolCall WireToolCall `json:"tool_call"`
}

// RunStepCompleted finishes a tool call.
type RunStepCompleted struct {
	Result CompletedResult `json:"result"`
}

// AgentUpdateEvent reports out-of-band agent status.
type AgentUpdateEvent struct {
	RunID       string      `json:"runId"`
	AgentUpdate AgentUpdate `json:"agent_update"`
}

// AttachmentEvent references a file produced during the run.
type AttachmentEvent struct {
	Attachment
}

func (RunStep) Kind() EventKind          { return EventRunStep }
func (RunStepDelta) Kind() EventKind     { return EventRunStepDelta }
func (MessageDelta) Kind() EventKind     { return EventMessageDelta }
func (ReasoningDelta) Kind() EventKind   { return EventReasoningDelta }
func (RunStepCompleted) Kind() EventKind { return EventRunStepCompleted }
func (AgentUpdateEvent) Kind() EventKind { return EventAgentUpdate }
func (AttachmentEvent) Kind() EventKind  { return EventAttachment }

// Identity names a message.
type Identity struct {
	MessageID       string `json:"messageId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
}

// ResponseMessage is the message carried by final and sync envelopes.
type ResponseMessage struct {
	Identity
	Content []ContentPart `json:"content,omitempty"`
}

// Final freezes the response message.
type Final struct {
	Final           bool             `json:"final"`
	ResponseMessage *ResponseMessage `json:"responseMessage,omitempty"`
}

// Created announces the identity of the response message.
type Created struct {
	Created bool     `json:"created"`
	Message Identity `json:"message"`
}

// Sync replaces the content of the response message.
type Sync struct {
	Sync            bool             `json:"sync"`
	ResponseMessage *ResponseMessage `json:"responseMessage,omitempty"`
}

// Typed places one content part at an index hint.
type Typed struct {
	MessageID string `json:"messageId,omitempty"`
	Index     int    `json:"index"`
	Part      ContentPart
}

// Text appends plain text to the response message.
type Text struct {
	MessageID string `json:"messageId,omitempty"`
	Text      string `json:"text"`
}

// MessageMeta replaces the identity of the response message.
type MessageMeta struct {
	Message Identity `json:"message"`
}

func (Final) Kind() EventKind       { return EventFinal }
func (Created) Kind() EventKind     { return EventCreated }
func (Sync) Kind() EventKind        { return EventSync }
func (Typed) Kind() EventKind       { return EventTyped }
func (Text) Kind() EventKind        { return EventText }
func (MessageMeta) Kind() EventKind { return EventMessage }

// Envelope is the tagged wire shape.
type Envelope struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrEmptyEvent is returned for payloads that carry nothing recognizable.
var ErrEmptyEvent = errors.New("empty stream event")

// Decode parses one wire event in either the tagged or the legacy flat shape.
func Decode(raw []byte) (Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrEmptyEvent
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	if kind, ok := fields["event"]; ok {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode %s envelope: %w", kind, err)
		}
		return decodeTagged(env)
	}
	return decodeLegacy(raw, fields)
}

func decodeTagged(env Envelope) (Event, error) {
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, fmt.Errorf("%w: %s without data", ErrEmptyEvent, env.Event)
	}
	var (
		ev  Event
		err error
	)
	switch env.Event {
	case EventRunStep:
		var e RunStep
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventRunStepDelta:
		var e RunStepDelta
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventMessageDelta:
		var e MessageDelta
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventReasoningDelta:
		var e ReasoningDelta
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventRunStepCompleted:
		var e RunStepCompleted
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventAgentUpdate:
		var e AgentUpdateEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventAttachment:
		var e AttachmentEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown stream event %q", env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return ev, nil
}

func decodeLegacy(raw []byte, fields map[string]json.RawMessage) (Event, error) {
	has := func(name string) bool {
		v, ok := fields[name]
		return ok && !bytes.Equal(v, []byte("null"))
	}
	switch {
	case has("final"):
		var e Final
		if err := unmarshalLegacy(raw, &e, EventFinal); err != nil {
			return nil, err
		}
		return e, nil
	case has("created"):
		var e Created
		if err := unmarshalLegacy(raw, &e, EventCreated); err != nil {
			return nil, err
		}
		return e, nil
	case has("sync"):
		var e Sync
		if err := unmarshalLegacy(raw, &e, EventSync); err != nil {
			return nil, err
		}
		return e, nil
	case has("type"):
		var part ContentPart
		if err := json.Unmarshal(raw, &part); err != nil {
			return nil, fmt.Errorf("decode type envelope: %w", err)
		}
		e := Typed{Part: part}
		var hint struct {
			MessageID string `json:"messageId"`
			Index     int    `json:"index"`
		}
		if err := json.Unmarshal(raw, &hint); err != nil {
			return nil, fmt.Errorf("decode type envelope: %w", err)
		}
		e.MessageID, e.Index = hint.MessageID, hint.Index
		return e, nil
	case has("text"), has("response"):
		var e struct {
			MessageID string `json:"messageId"`
			Text      string `json:"text"`
			Response  string `json:"response"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode text envelope: %w", err)
		}
		text := e.Text
		if text == "" {
			text = e.Response
		}
		return Text{MessageID: e.MessageID, Text: text}, nil
	case has("message"):
		var e MessageMeta
		if err := unmarshalLegacy(raw, &e, EventMessage); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, ErrEmptyEvent
}

func unmarshalLegacy(raw []byte, out any, kind EventKind) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s envelope: %w", kind, err)
	}
	return nil
}
