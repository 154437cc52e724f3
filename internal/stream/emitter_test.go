package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smart-mcp-proxy/mcpchat/internal/toolcall"
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingObserver) ObserveStreamEvent(kind, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[kind+"/"+outcome]++
}

func drain(ch chan Frame) []Frame {
	var frames []Frame
	for {
		select {
		case f := <-ch:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func replay(t *testing.T, frames []Frame) *Reconstructor {
	t.Helper()
	r := NewReconstructor(zaptest.NewLogger(t))
	for _, f := range frames {
		_, ok := r.Apply(f.Data)
		assert.True(t, ok, "frame %s not applied: %s", f.Event, f.Data)
	}
	return r
}

func TestHub(t *testing.T) {
	obs := &countingObserver{}
	hub := NewHub(2, obs, zaptest.NewLogger(t))

	a := hub.Subscribe("c1")
	b := hub.Subscribe("c1")
	other := hub.Subscribe("c2")
	assert.Equal(t, 2, hub.Subscribers("c1"))

	for i := 0; i < 3; i++ {
		hub.Publish("c1", Frame{ID: "f", Event: EventMessageDelta})
	}
	assert.Len(t, drain(a), 2, "a full subscriber loses frames instead of blocking")
	assert.Len(t, drain(b), 2)
	assert.Empty(t, drain(other))
	assert.Equal(t, 4, obs.counts["on_message_delta/emitted"])
	assert.Equal(t, 2, obs.counts["on_message_delta/dropped"])

	hub.Unsubscribe("c1", a)
	hub.Unsubscribe("c1", a)
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers("c1"))
}

func TestEmitterRoundTrip(t *testing.T) {
	hub := NewHub(64, nil, zaptest.NewLogger(t))
	sub := hub.Subscribe("conv")

	e := NewEmitter(Identity{ConversationID: "conv"}, hub, zaptest.NewLogger(t))
	assert.Equal(t, PreliminaryID, e.MessageID())

	msgStep := e.MessageStep()
	e.Reasoning(msgStep, "Let me check. ")
	e.Created(Identity{MessageID: "resp-1", ParentMessageID: "user-1"})
	e.Text(msgStep, "Looking it up")

	toolStep, calls := e.ToolCallStep(ToolCallSpec{Name: "search"})
	require.Len(t, calls, 1)
	e.ToolCallArgs(toolStep, calls[0].ID, `{"q":`)
	e.ToolCallArgs(toolStep, calls[0].ID, `"go"}`)
	e.ToolCallAuth(toolStep, calls[0].ID, "https://auth.example.com/authorize", time.UnixMilli(1700000000000))
	require.NoError(t, e.ToolCallCompleted(toolStep, calls[0].ID, "search", "", "3 results"))
	assert.Error(t, e.ToolCallCompleted("missing", "x", "", "", ""))

	e.AgentUpdate("researcher", "finished")
	e.Attachment(Attachment{ToolCallID: calls[0].ID, Type: "image", URL: "https://cdn.example.com/r.png"})

	frames := drain(sub)
	ids := map[string]bool{}
	for _, f := range frames {
		assert.False(t, ids[f.ID], "frame ids are unique")
		ids[f.ID] = true
	}

	r := replay(t, frames)
	msg, ok := r.Message("resp-1")
	require.True(t, ok)
	assert.Equal(t, "user-1", msg.ParentMessageID)
	require.Len(t, msg.Content, 4)
	assert.Equal(t, ContentPart{Type: PartReasoning, Reasoning: "Let me check. "}, msg.Content[0])
	assert.Equal(t, ContentPart{Type: PartText, Text: "Looking it up"}, msg.Content[1])
	assert.Equal(t, &ToolCall{ID: calls[0].ID, Name: "search", Args: `{"q":"go"}`, Output: "3 results", Progress: 1}, msg.Content[2].ToolCall)
	assert.Equal(t, "finished", msg.Content[3].AgentUpdate.Status)
	require.Len(t, msg.Attachments, 1)

	t.Run("final freezes the message", func(t *testing.T) {
		e.Final([]ContentPart{{Type: PartText, Text: "Done."}})
		r := replay(t, append(frames, drain(sub)...))
		msg, _ := r.Message("resp-1")
		assert.True(t, msg.Final)
		assert.Equal(t, []ContentPart{{Type: PartText, Text: "Done."}}, msg.Content)
	})
}

type scriptedInvoker struct {
	prompt bool
	err    error
	result *toolcall.Result
	got    toolcall.Request
}

func (s *scriptedInvoker) Call(_ context.Context, req toolcall.Request) (*toolcall.Result, error) {
	s.got = req
	if s.prompt {
		req.OnAuthStart(toolcall.AuthPrompt{AuthURL: "https://auth.example.com/a", ExpiresAt: time.UnixMilli(42)})
	}
	return s.result, s.err
}

func TestRunToolCall(t *testing.T) {
	ctx := context.Background()

	t.Run("streams arguments, auth and output", func(t *testing.T) {
		hub := NewHub(64, nil, zaptest.NewLogger(t))
		sub := hub.Subscribe("conv")
		e := NewEmitter(Identity{ConversationID: "conv", MessageID: "m"}, hub, zaptest.NewLogger(t))

		var prompted bool
		invoker := &scriptedInvoker{prompt: true, result: &toolcall.Result{
			Content:   "chart ready",
			Artifacts: &toolcall.Artifacts{Images: []toolcall.ImageArtifact{{URL: "https://cdn.example.com/c.png"}}},
			Outcome:   toolcall.OutcomeSuccess,
		}}
		result, err := e.RunToolCall(ctx, invoker, toolcall.Request{
			ToolName:    "chart",
			Arguments:   map[string]any{"kind": "bar"},
			OnAuthStart: func(toolcall.AuthPrompt) { prompted = true },
		})
		require.NoError(t, err)
		assert.Equal(t, "chart ready", result.Content)
		assert.True(t, prompted, "the caller's own callback still runs")

		msg, ok := replay(t, drain(sub)).Message("m")
		require.True(t, ok)
		require.Len(t, msg.Content, 1)
		tc := msg.Content[0].ToolCall
		assert.Equal(t, "chart", tc.Name)
		assert.Equal(t, `{"kind":"bar"}`, tc.Args)
		assert.Equal(t, "chart ready", tc.Output)
		assert.EqualValues(t, 1, tc.Progress)
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "https://cdn.example.com/c.png", msg.Attachments[0].URL)
	})

	t.Run("cancellation completes the step", func(t *testing.T) {
		hub := NewHub(64, nil, zaptest.NewLogger(t))
		sub := hub.Subscribe("conv")
		e := NewEmitter(Identity{ConversationID: "conv", MessageID: "m"}, hub, zaptest.NewLogger(t))

		_, err := e.RunToolCall(ctx, &scriptedInvoker{err: context.Canceled}, toolcall.Request{ToolName: "slow"})
		require.True(t, errors.Is(err, context.Canceled))

		content := replay(t, drain(sub)).Content("m")
		require.Len(t, content, 1)
		assert.Contains(t, content[0].ToolCall.Output, "cancelled")
	})
}
