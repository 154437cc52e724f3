package stream

import (
	"sync"

	"go.uber.org/zap"
)

// Update is the state of one message after an event was applied.
type Update struct {
	MessageID string
	Content   []ContentPart
	Final     bool
}

type messageState struct {
	identity    Identity
	content     []ContentPart
	initial     int
	callIndex   map[string]int
	stepIndex   map[string]int
	attachments []Attachment
	final       bool
}

func newMessageState(id string) *messageState {
	return &messageState{
		identity:  Identity{MessageID: id},
		callIndex: make(map[string]int),
		stepIndex: make(map[string]int),
	}
}

type stepState struct {
	messageID string
	index     int
	stepType  StepType
	callIDs   []string
}

// Reconstructor folds stream events into dense, ordered message content.
// It is safe for concurrent use; events must still be applied in arrival
// order for the result to be meaningful.
type Reconstructor struct {
	mu         sync.Mutex
	messages   map[string]*messageState
	steps      map[string]*stepState
	responseID string
	observer   Observer
	logger     *zap.Logger
}

// NewReconstructor creates an empty reconstructor.
func NewReconstructor(logger *zap.Logger) *Reconstructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconstructor{
		messages: make(map[string]*messageState),
		steps:    make(map[string]*stepState),
		logger:   logger.Named("reconstructor"),
	}
}

// SetObserver registers an observer for applied and ignored events.
func (r *Reconstructor) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// SetInitialContent seeds a message that already has content, such as a
// continued response. Step indexes are offset by its length.
func (r *Reconstructor) SetInitialContent(messageID string, parts []ContentPart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := r.message(messageID)
	msg.content = publishable(parts)
	msg.initial = len(msg.content)
}

// Apply decodes raw and applies it. Malformed and empty payloads are logged
// and ignored; ok is false when nothing changed.
func (r *Reconstructor) Apply(raw []byte) (Update, bool) {
	ev, err := Decode(raw)
	if err != nil {
		r.logger.Warn("ignoring malformed stream event", zap.Error(err), zap.Int("bytes", len(raw)))
		r.observe("malformed", OutcomeIgnored)
		return Update{}, false
	}
	return r.ApplyEvent(ev)
}

// ApplyEvent applies one decoded event.
func (r *Reconstructor) ApplyEvent(ev Event) (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var msg *messageState
	switch e := ev.(type) {
	case RunStep:
		msg = r.applyRunStep(e)
	case RunStepDelta:
		msg = r.applyRunStepDelta(e)
	case MessageDelta:
		msg = r.applyContentDelta(e.ID, e.Delta.Content, PartText)
	case ReasoningDelta:
		msg = r.applyContentDelta(e.ID, e.Delta.Content, PartReasoning)
	case RunStepCompleted:
		msg = r.applyCompleted(e)
	case AgentUpdateEvent:
		msg = r.applyAgentUpdate(e)
	case AttachmentEvent:
		msg = r.applyAttachment(e)
	case Created:
		msg = r.setIdentity(e.Message)
	case MessageMeta:
		msg = r.setIdentity(e.Message)
	case Final:
		msg = r.applyFinal(e)
	case Sync:
		msg = r.applySync(e)
	case Typed:
		msg = r.applyTyped(e)
	case Text:
		msg = r.applyText(e)
	}

	kind := "unknown"
	if ev != nil {
		kind = string(ev.Kind())
	}
	if msg == nil {
		r.observe(kind, OutcomeIgnored)
		return Update{}, false
	}
	r.observe(kind, OutcomeApplied)
	return Update{
		MessageID: msg.identity.MessageID,
		Content:   publishable(msg.content),
		Final:     msg.final,
	}, true
}

// Content returns the current content of a message, or nil if unknown.
func (r *Reconstructor) Content(messageID string) []ContentPart {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[r.resolve(messageID)]
	if !ok {
		return nil
	}
	return publishable(msg.content)
}

// Message returns a snapshot of a message.
func (r *Reconstructor) Message(messageID string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[r.resolve(messageID)]
	if !ok {
		return Message{}, false
	}
	return Message{
		Identity:    msg.identity,
		Content:     publishable(msg.content),
		Attachments: append([]Attachment(nil), msg.attachments...),
		Final:       msg.final,
	}, true
}

func (r *Reconstructor) observe(kind string, outcome string) {
	if r.observer != nil {
		r.observer.ObserveStreamEvent(kind, outcome)
	}
}

func (r *Reconstructor) resolve(id string) string {
	if id == "" || id == PreliminaryID {
		if r.responseID != "" {
			return r.responseID
		}
		return PreliminaryID
	}
	return id
}

func (r *Reconstructor) message(id string) *messageState {
	id = r.resolve(id)
	msg, ok := r.messages[id]
	if !ok {
		msg = newMessageState(id)
		r.messages[id] = msg
	}
	return msg
}

// writable returns the message unless it was finalized.
func (r *Reconstructor) writable(id string) *messageState {
	msg := r.message(id)
	if msg.final {
		r.logger.Debug("ignoring event for finalized message", zap.String("message_id", msg.identity.MessageID))
		return nil
	}
	return msg
}

func (r *Reconstructor) stepMessage(stepID string) (*stepState, *messageState) {
	step, ok := r.steps[stepID]
	if !ok {
		r.logger.Warn("ignoring event for unknown run step", zap.String("step_id", stepID))
		return nil, nil
	}
	msg := r.writable(step.messageID)
	if msg == nil {
		return nil, nil
	}
	return step, msg
}

// place clamps index to the array length so the content never has holes.
func place(msg *messageState, index int) int {
	if index < 0 {
		index = 0
	}
	if index > len(msg.content) {
		index = len(msg.content)
	}
	return index
}

func (r *Reconstructor) applyRunStep(e RunStep) *messageState {
	if e.ID == "" {
		r.logger.Warn("ignoring run step without id")
		return nil
	}
	msg := r.writable(e.RunID)
	if msg == nil {
		return nil
	}
	step := &stepState{messageID: msg.identity.MessageID, index: e.Index, stepType: e.StepDetails.Type}
	r.steps[e.ID] = step

	if e.StepDetails.Type != StepToolCalls {
		return msg
	}
	for i, call := range e.StepDetails.ToolCalls {
		step.callIDs = append(step.callIDs, call.ID)
		if call.ID != "" {
			if _, exists := msg.callIndex[call.ID]; exists {
				continue
			}
		}
		index := len(msg.content)
		tc := &ToolCall{ID: call.ID, Name: call.Name, Args: ""}
		if args, ok := decodeArgs(call.Args); ok {
			tc.Args = mergeValue("", args)
		}
		msg.content = append(msg.content, ContentPart{Type: PartToolCall, ToolCall: tc})
		if call.ID != "" {
			msg.callIndex[call.ID] = index
		}
		if i == 0 {
			msg.stepIndex[e.ID] = index
		}
	}
	return msg
}

// callIDFor maps the n-th element of a delta to a call id of its step.
func callIDFor(step *stepState, call WireToolCall, n int) string {
	if call.ID != "" {
		return call.ID
	}
	if call.Index != nil && *call.Index >= 0 && *call.Index < len(step.callIDs) {
		return step.callIDs[*call.Index]
	}
	if n < len(step.callIDs) {
		return step.callIDs[n]
	}
	return ""
}

func (r *Reconstructor) applyRunStepDelta(e RunStepDelta) *messageState {
	step, msg := r.stepMessage(e.ID)
	if msg == nil {
		return nil
	}

	calls := e.Delta.ToolCalls
	if len(calls) == 0 && e.Delta.Auth != "" {
		for _, id := range step.callIDs {
			calls = append(calls, WireToolCall{ID: id})
		}
	}
	if len(calls) == 0 {
		r.logger.Warn("ignoring run step delta without tool calls", zap.String("step_id", e.ID))
		return nil
	}

	changed := false
	for n, call := range calls {
		callID := callIDFor(step, call, n)
		index, known := msg.callIndex[callID]
		if callID == "" || !known || index >= len(msg.content) || msg.content[index].ToolCall == nil {
			index = len(msg.content)
			msg.content = append(msg.content, ContentPart{Type: PartToolCall, ToolCall: &ToolCall{ID: callID, Args: ""}})
			if callID != "" {
				msg.callIndex[callID] = index
			}
			changed = true
		}

		tc := msg.content[index].ToolCall
		if tc.Name == "" && call.Name != "" {
			tc.Name = call.Name
			changed = true
		}
		if args, ok := decodeArgs(call.Args); ok {
			tc.Args = mergeValue(tc.Args, args)
			changed = true
		}
		if e.Delta.Auth != "" {
			tc.Auth = e.Delta.Auth
			tc.ExpiresAt = e.Delta.ExpiresAt
			changed = true
		}
		// A terminating null args still republishes what has accumulated.
		if !changed && isNullArgs(call.Args) && hasArgs(tc) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return msg
}

func (r *Reconstructor) applyContentDelta(stepID string, parts []ContentPart, want PartType) *messageState {
	step, msg := r.stepMessage(stepID)
	if msg == nil {
		return nil
	}

	var fragment string
	for _, p := range parts {
		switch want {
		case PartText:
			fragment += p.Text
		case PartReasoning:
			fragment += p.Reasoning
		}
	}
	if fragment == "" {
		return nil
	}

	target := step.index + msg.initial
	if prev := target - 1; prev >= 0 && prev < len(msg.content) && msg.content[prev].Type == want {
		target = prev
	}
	target = place(msg, target)
	if target < len(msg.content) && msg.content[target].Type != want {
		if mapped, ok := msg.stepIndex[stepID]; ok && mapped < len(msg.content) && msg.content[mapped].Type == want {
			target = mapped
		} else {
			target = len(msg.content)
		}
	}

	if target == len(msg.content) {
		msg.content = append(msg.content, ContentPart{Type: want})
	}
	part := &msg.content[target]
	switch want {
	case PartText:
		part.Text += fragment
	case PartReasoning:
		part.Reasoning += fragment
	}
	msg.stepIndex[stepID] = target
	return msg
}

func (r *Reconstructor) applyCompleted(e RunStepCompleted) *messageState {
	result := e.Result
	var msg *messageState
	if result.ID != "" {
		if _, ok := r.steps[result.ID]; ok {
			_, msg = r.stepMessage(result.ID)
			if msg == nil {
				return nil
			}
		}
	}
	if msg == nil {
		msg = r.writable(r.messageForCall(result.ToolCall.ID))
		if msg == nil {
			return nil
		}
	}

	callID := result.ToolCall.ID
	index := place(msg, result.Index+msg.initial)
	matches := index < len(msg.content) && msg.content[index].ToolCall != nil &&
		(callID == "" || msg.content[index].ToolCall.ID == "" || msg.content[index].ToolCall.ID == callID)
	if !matches {
		if mapped, ok := msg.callIndex[callID]; ok && callID != "" && mapped < len(msg.content) {
			index = mapped
		} else {
			index = len(msg.content)
		}
	}
	if index == len(msg.content) {
		msg.content = append(msg.content, ContentPart{Type: PartToolCall, ToolCall: &ToolCall{Args: ""}})
	}

	part := &msg.content[index]
	if part.ToolCall == nil {
		part.ToolCall = &ToolCall{Args: ""}
	}
	part.Type = PartToolCall
	tc := part.ToolCall
	if callID != "" {
		tc.ID = callID
		msg.callIndex[callID] = index
	}
	if result.ToolCall.Name != "" {
		tc.Name = result.ToolCall.Name
	}
	if args, ok := decodeArgs(result.ToolCall.Args); ok {
		if s, isString := args.(string); !isString || s != "" {
			tc.Args = args
		}
	}
	if result.ToolCall.Output != nil {
		tc.Output = *result.ToolCall.Output
	}
	tc.Progress = 1
	tc.Auth = ""
	tc.ExpiresAt = 0
	return msg
}

// messageForCall finds the message holding a tool call, defaulting to the
// response message.
func (r *Reconstructor) messageForCall(callID string) string {
	if callID != "" {
		for id, msg := range r.messages {
			if _, ok := msg.callIndex[callID]; ok {
				return id
			}
		}
	}
	return PreliminaryID
}

func (r *Reconstructor) applyAgentUpdate(e AgentUpdateEvent) *messageState {
	msg := r.writable(e.RunID)
	if msg == nil {
		return nil
	}
	update := e.AgentUpdate
	index := place(msg, update.Index+msg.initial)
	part := ContentPart{Type: PartAgentUpdate, AgentUpdate: &update}
	if index == len(msg.content) {
		msg.content = append(msg.content, part)
	} else if msg.content[index].Type == PartAgentUpdate {
		msg.content[index] = part
	} else {
		msg.content = append(msg.content, part)
	}
	return msg
}

func (r *Reconstructor) applyAttachment(e AttachmentEvent) *messageState {
	msg := r.writable(e.MessageID)
	if msg == nil {
		return nil
	}
	msg.attachments = append(msg.attachments, e.Attachment)
	return msg
}

// setIdentity records the response message identity, moving anything
// collected under the preliminary id.
func (r *Reconstructor) setIdentity(id Identity) *messageState {
	if id.MessageID == "" {
		r.logger.Warn("ignoring identity without message id")
		return nil
	}
	if pending, ok := r.messages[PreliminaryID]; ok {
		if _, exists := r.messages[id.MessageID]; !exists {
			delete(r.messages, PreliminaryID)
			r.messages[id.MessageID] = pending
			for _, step := range r.steps {
				if step.messageID == PreliminaryID {
					step.messageID = id.MessageID
				}
			}
		}
	}
	if r.responseID != "" && r.responseID != id.MessageID {
		if prev, ok := r.messages[r.responseID]; ok {
			if _, exists := r.messages[id.MessageID]; !exists {
				delete(r.messages, r.responseID)
				r.messages[id.MessageID] = prev
				for _, step := range r.steps {
					if step.messageID == r.responseID {
						step.messageID = id.MessageID
					}
				}
			}
		}
	}
	r.responseID = id.MessageID
	msg := r.message(id.MessageID)
	msg.identity.MessageID = id.MessageID
	if id.ParentMessageID != "" {
		msg.identity.ParentMessageID = id.ParentMessageID
	}
	if id.ConversationID != "" {
		msg.identity.ConversationID = id.ConversationID
	}
	return msg
}

func (r *Reconstructor) applyFinal(e Final) *messageState {
	var msg *messageState
	if e.ResponseMessage != nil && e.ResponseMessage.MessageID != "" {
		msg = r.setIdentity(e.ResponseMessage.Identity)
	} else {
		msg = r.message(PreliminaryID)
	}
	if e.ResponseMessage != nil && len(e.ResponseMessage.Content) > 0 {
		msg.content = publishable(e.ResponseMessage.Content)
	}
	msg.final = true
	return msg
}

func (r *Reconstructor) applySync(e Sync) *messageState {
	if e.ResponseMessage == nil {
		return nil
	}
	var msg *messageState
	if e.ResponseMessage.MessageID != "" {
		msg = r.setIdentity(e.ResponseMessage.Identity)
	} else {
		msg = r.message(PreliminaryID)
	}
	if msg.final {
		return nil
	}
	msg.content = publishable(e.ResponseMessage.Content)
	msg.callIndex = make(map[string]int)
	for i, p := range msg.content {
		if p.ToolCall != nil && p.ToolCall.ID != "" {
			msg.callIndex[p.ToolCall.ID] = i
		}
	}
	return msg
}

func (r *Reconstructor) applyTyped(e Typed) *messageState {
	if e.Part.Type == "" {
		return nil
	}
	msg := r.writable(e.MessageID)
	if msg == nil {
		return nil
	}
	index := place(msg, e.Index+msg.initial)
	if index == len(msg.content) {
		msg.content = append(msg.content, e.Part.clone())
		if tc := e.Part.ToolCall; tc != nil && tc.ID != "" {
			msg.callIndex[tc.ID] = index
		}
		return msg
	}

	cur := &msg.content[index]
	if cur.Type != e.Part.Type {
		*cur = e.Part.clone()
		return msg
	}
	switch cur.Type {
	case PartText:
		cur.Text += e.Part.Text
	case PartReasoning:
		cur.Reasoning += e.Part.Reasoning
	case PartToolCall:
		if cur.ToolCall == nil {
			cur.ToolCall = &ToolCall{}
		}
		if in := e.Part.ToolCall; in != nil {
			if in.ID != "" {
				cur.ToolCall.ID = in.ID
			}
			if in.Name != "" {
				cur.ToolCall.Name = in.Name
			}
			cur.ToolCall.Args = mergeValue(cur.ToolCall.Args, in.Args)
			if in.Output != "" {
				cur.ToolCall.Output = in.Output
			}
			if in.Progress > cur.ToolCall.Progress {
				cur.ToolCall.Progress = in.Progress
			}
		}
	default:
		*cur = e.Part.clone()
	}
	return msg
}

func (r *Reconstructor) applyText(e Text) *messageState {
	if e.Text == "" {
		return nil
	}
	msg := r.writable(e.MessageID)
	if msg == nil {
		return nil
	}
	if n := len(msg.content); n > 0 && msg.content[n-1].Type == PartText {
		msg.content[n-1].Text += e.Text
		return msg
	}
	msg.content = append(msg.content, ContentPart{Type: PartText, Text: e.Text})
	return msg
}
