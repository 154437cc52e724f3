// Package stream implements the event protocol that carries an agent run to
// the client: the Emitter and Hub on the producing side and the
// Reconstructor that turns the events back into ordered message content.
package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 256

// Observation outcomes.
const (
	OutcomeEmitted = "emitted"
	OutcomeDropped = "dropped"
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
)

// Observer counts stream events.
type Observer interface {
	ObserveStreamEvent(kind, outcome string)
}

// Frame is one serialized event ready for delivery.
type Frame struct {
	ID    string    `json:"id"`
	Event EventKind `json:"event"`
	Data  []byte    `json:"-"`
}

// Sink receives frames for one conversation. Publish must not block.
type Sink interface {
	Publish(conversationID string, frame Frame)
}

// Hub fans frames out to per-conversation subscribers. Slow subscribers
// lose frames rather than stall the producer.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[chan Frame]struct{}
	buffer   int
	observer Observer
	logger   *zap.Logger
}

// NewHub creates a hub whose subscriber channels hold buffer frames.
func NewHub(buffer int, observer Observer, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:     make(map[string]map[chan Frame]struct{}),
		buffer:   buffer,
		observer: observer,
		logger:   logger.Named("stream"),
	}
}

// Subscribe registers a subscriber for conversationID. Callers must not
// close the channel; use Unsubscribe when finished.
func (h *Hub) Subscribe(conversationID string) chan Frame {
	ch := make(chan Frame, h.buffer)
	h.mu.Lock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[chan Frame]struct{})
	}
	h.subs[conversationID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(conversationID string, ch chan Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[conversationID]
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.subs, conversationID)
	}
}

// Subscribers returns the number of subscribers of conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// Publish implements Sink.
func (h *Hub) Publish(conversationID string, frame Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[conversationID] {
		select {
		case ch <- frame:
			h.observe(frame.Event, OutcomeEmitted)
		default:
			h.logger.Warn("dropping stream event for slow subscriber",
				zap.String("conversation_id", conversationID),
				zap.String("event", string(frame.Event)))
			h.observe(frame.Event, OutcomeDropped)
		}
	}
}

func (h *Hub) observe(kind EventKind, outcome string) {
	if h.observer != nil {
		h.observer.ObserveStreamEvent(string(kind), outcome)
	}
}

type emittedStep struct {
	index   int
	callIDs []string
}

// Emitter produces the events of one response message. Step ids are ULIDs
// and every step is given the next content index.
type Emitter struct {
	conversationID string
	sink           Sink
	logger         *zap.Logger

	mu        sync.Mutex
	identity  Identity
	nextIndex int
	steps     map[string]*emittedStep
}

// NewEmitter creates an emitter for the response message identified by id.
// An empty MessageID emits under PreliminaryID until Created is called.
func NewEmitter(id Identity, sink Sink, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		conversationID: id.ConversationID,
		sink:           sink,
		logger:         logger.Named("emitter"),
		identity:       id,
		steps:          make(map[string]*emittedStep),
	}
}

// MessageID returns the id events are emitted under.
func (e *Emitter) MessageID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runIDLocked()
}

func (e *Emitter) runIDLocked() string {
	if e.identity.MessageID == "" {
		return PreliminaryID
	}
	return e.identity.MessageID
}

func (e *Emitter) send(kind EventKind, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to encode stream event", zap.String("event", string(kind)), zap.Error(err))
		return
	}
	e.sink.Publish(e.conversationID, Frame{ID: ulid.Make().String(), Event: kind, Data: data})
}

func (e *Emitter) emit(kind EventKind, data any) {
	e.send(kind, struct {
		Event EventKind `json:"event"`
		Data  any       `json:"data"`
	}{kind, data})
}

// Created announces the response identity.
func (e *Emitter) Created(id Identity) {
	e.mu.Lock()
	if id.ConversationID == "" {
		id.ConversationID = e.identity.ConversationID
	}
	e.identity = id
	e.mu.Unlock()
	e.send(EventCreated, Created{Created: true, Message: id})
}

// ToolCallSpec names one tool call of a step.
type ToolCallSpec struct {
	ID   string
	Name string
}

// MessageStep opens a message_creation step and returns its id.
func (e *Emitter) MessageStep() string {
	return e.runStep(StepMessageCreation, nil)
}

// ToolCallStep opens a tool_calls step and returns its id. Calls without an
// id are given one.
func (e *Emitter) ToolCallStep(calls ...ToolCallSpec) (string, []ToolCallSpec) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + ulid.Make().String()
		}
	}
	return e.runStep(StepToolCalls, calls), calls
}

func (e *Emitter) runStep(stepType StepType, calls []ToolCallSpec) string {
	stepID := "step_" + ulid.Make().String()

	e.mu.Lock()
	step := &emittedStep{index: e.nextIndex}
	width := 1
	if len(calls) > 1 {
		width = len(calls)
	}
	e.nextIndex += width
	wire := make([]WireToolCall, 0, len(calls))
	for _, c := range calls {
		step.callIDs = append(step.callIDs, c.ID)
		wire = append(wire, WireToolCall{ID: c.ID, Name: c.Name, Type: string(PartToolCall)})
	}
	e.steps[stepID] = step
	runID := e.runIDLocked()
	e.mu.Unlock()

	e.emit(EventRunStep, RunStep{
		ID:          stepID,
		RunID:       runID,
		Index:       step.index,
		StepDetails: StepDetails{Type: stepType, ToolCalls: wire},
	})
	return stepID
}

// Text emits a text fragment for a message step.
func (e *Emitter) Text(stepID, text string) {
	e.emit(EventMessageDelta, MessageDelta{
		ID:    stepID,
		Delta: ContentDelta{Content: []ContentPart{{Type: PartText, Text: text}}},
	})
}

// Reasoning emits a reasoning fragment for a message step.
func (e *Emitter) Reasoning(stepID, text string) {
	e.emit(EventReasoningDelta, ReasoningDelta{
		ID:    stepID,
		Delta: ContentDelta{Content: []ContentPart{{Type: PartReasoning, Reasoning: text}}},
	})
}

// ToolCallArgs emits a fragment of a tool call's argument text.
func (e *Emitter) ToolCallArgs(stepID, callID, fragment string) {
	args, _ := json.Marshal(fragment)
	e.emit(EventRunStepDelta, RunStepDelta{
		ID: stepID,
		Delta: StepDelta{
			Type:      StepToolCalls,
			ToolCalls: []WireToolCall{{ID: callID, Args: args}},
		},
	})
}

// ToolCallAuth tells the client the tool call waits for the user to
// authorize at authURL before expiresAt.
func (e *Emitter) ToolCallAuth(stepID, callID, authURL string, expiresAt time.Time) {
	e.emit(EventRunStepDelta, RunStepDelta{
		ID: stepID,
		Delta: StepDelta{
			Type:      StepToolCalls,
			ToolCalls: []WireToolCall{{ID: callID}},
			Auth:      authURL,
			ExpiresAt: expiresAt.UnixMilli(),
		},
	})
}

// ToolCallCompleted emits the final output of a tool call.
func (e *Emitter) ToolCallCompleted(stepID, callID, name, args, output string) error {
	e.mu.Lock()
	step, ok := e.steps[stepID]
	var index int
	if ok {
		index = step.index
		for i, id := range step.callIDs {
			if id == callID {
				index += i
			}
		}
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown run step %s", stepID)
	}

	call := WireToolCall{ID: callID, Name: name, Type: string(PartToolCall), Output: &output}
	if args != "" {
		call.Args, _ = json.Marshal(args)
	}
	e.emit(EventRunStepCompleted, RunStepCompleted{
		Result: CompletedResult{ID: stepID, Index: index, ToolCall: call},
	})
	return nil
}

// AgentUpdate emits an out-of-band status update as its own content part.
func (e *Emitter) AgentUpdate(agentID, status string) {
	e.mu.Lock()
	index := e.nextIndex
	e.nextIndex++
	runID := e.runIDLocked()
	e.mu.Unlock()

	e.emit(EventAgentUpdate, AgentUpdateEvent{
		RunID:       runID,
		AgentUpdate: AgentUpdate{Index: index, RunID: runID, AgentID: agentID, Status: status},
	})
}

// Attachment emits a file reference for the response message.
func (e *Emitter) Attachment(att Attachment) {
	if att.MessageID == "" {
		att.MessageID = e.MessageID()
	}
	e.emit(EventAttachment, AttachmentEvent{Attachment: att})
}

// Final freezes the response with its authoritative content.
func (e *Emitter) Final(content []ContentPart) {
	e.mu.Lock()
	id := e.identity
	e.mu.Unlock()
	e.send(EventFinal, Final{Final: true, ResponseMessage: &ResponseMessage{Identity: id, Content: content}})
}
