package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/remoteagent/gateway/internal/gateway/protocol"
)

func newTestSession(chat *fakeChatEngine, tools *fakeToolExecutor) (*Session, <-chan protocol.Response) {
	ch := make(chan protocol.Response, 64)
	send := func(r protocol.Response) { ch <- r }
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewSession("sess-1", chat, tools, NewDefaultCommandRegistry(), protocol.RequestConfig{}, logger, send)
	return s, ch
}

func drain(ch <-chan protocol.Response) []protocol.Response {
	var out []protocol.Response
	for {
		select {
		case r := <-ch:
			out = append(out, r)
		default:
			return out
		}
	}
}

func TestHandleUserInputRejectedWhenNotIdle(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateGenerating

	req := &protocol.Request{RequestID: "r1", Input: protocol.InputType{Kind: protocol.InputText, Text: "hi"}}
	s.handleInput(context.Background(), req)

	resps := drain(ch)
	if len(resps) != 1 || resps[0].Error == "" {
		t.Fatalf("expected an IllegalTransitionError reject, got %+v", resps)
	}
	if len(chat.history) != 0 {
		t.Fatalf("expected no history mutation on rejection, got %v", chat.history)
	}
}

func TestHandleUserInputBeginsGenerationWhenIdle(t *testing.T) {
	chat := &fakeChatEngine{nextFresh: []Chunk{{Kind: ChunkEnd}}}
	s, ch := newTestSession(chat, &fakeToolExecutor{})

	req := &protocol.Request{RequestID: "r2", Input: protocol.InputType{Kind: protocol.InputText, Text: "hi"}, Stream: true}
	s.handleInput(context.Background(), req)

	if s.state != StateGenerating {
		t.Fatalf("expected StateGenerating immediately after dispatch, got %s", s.state)
	}
	if len(chat.history) != 1 || chat.history[0] != "user:hi" {
		t.Fatalf("expected user input appended, got %v", chat.history)
	}

	outcome := <-s.results
	s.handlePumpOutcome(outcome)
	if s.state != StateIdle {
		t.Fatalf("expected StateIdle after pump drains, got %s", s.state)
	}
	_ = drain(ch)
}

func TestHandleInstructionRejectedWhenNotIdle(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateWaitingToolConfirm

	req := &protocol.Request{RequestID: "r3", Input: protocol.InputType{
		Kind: protocol.InputInstruction, Instruction: protocol.InstructionPayload{Command: "clear_context"},
	}}
	s.handleInput(context.Background(), req)

	resps := drain(ch)
	if len(resps) != 1 || resps[0].Error == "" {
		t.Fatalf("expected rejection, got %+v", resps)
	}
}

func TestHandleInstructionDispatchesUnknownCommand(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})

	req := &protocol.Request{RequestID: "r4", Input: protocol.InputType{
		Kind: protocol.InputInstruction, Instruction: protocol.InstructionPayload{Command: "nonexistent"},
	}}
	s.handleInput(context.Background(), req)

	resps := drain(ch)
	if len(resps) != 1 || resps[0].Error == "" {
		t.Fatalf("expected an UnknownCommandError reject, got %+v", resps)
	}
}

func TestHandleInstructionClearContextSucceeds(t *testing.T) {
	chat := &fakeChatEngine{history: []string{"user:hi"}, turn: 3}
	s, ch := newTestSession(chat, &fakeToolExecutor{})

	req := &protocol.Request{RequestID: "r5", Input: protocol.InputType{
		Kind: protocol.InputInstruction, Instruction: protocol.InstructionPayload{Command: "clear_context"},
	}}
	s.handleInput(context.Background(), req)

	if chat.history != nil {
		t.Fatalf("expected history reset, got %v", chat.history)
	}
	if chat.turn != 0 {
		t.Fatalf("expected turn counter reset, got %d", chat.turn)
	}
	resps := drain(ch)
	if len(resps) != 1 || resps[0].Error != "" {
		t.Fatalf("expected a successful reply, got %+v", resps)
	}
}

func TestHandleGetCommandsAllowedInEveryState(t *testing.T) {
	states := []sessionState{StateIdle, StateGenerating, StateWaitingToolConfirm, StateWaitingTurnConfirm}
	for _, state := range states {
		chat := &fakeChatEngine{}
		s, ch := newTestSession(chat, &fakeToolExecutor{})
		s.state = state

		req := &protocol.Request{RequestID: "rg", Input: protocol.InputType{Kind: protocol.InputGetCommands}}
		s.handleInput(context.Background(), req)

		resps := drain(ch)
		if len(resps) != 1 || resps[0].Error != "" {
			t.Fatalf("state %s: expected GetCommands to succeed, got %+v", state, resps)
		}
		if s.state != state {
			t.Fatalf("state %s: GetCommands must not mutate state, got %s", state, s.state)
		}
	}
}

func TestHandleInterruptIdleRepliesNothingToInterrupt(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})

	req := &protocol.Request{RequestID: "ri1", Input: protocol.InputType{Kind: protocol.InputInterrupt}}
	s.handleInput(context.Background(), req)

	resps := drain(ch)
	if len(resps) != 1 || resps[0].Response.Text != "nothing to interrupt" {
		t.Fatalf("unexpected response: %+v", resps)
	}
	if s.state != StateIdle {
		t.Fatalf("expected to remain Idle, got %s", s.state)
	}
}

func TestHandleInterruptGeneratingSignalsCancelWithNoReply(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateGenerating
	s.cancel = NewCancelHandle(context.Background())

	req := &protocol.Request{RequestID: "ri2", Input: protocol.InputType{Kind: protocol.InputInterrupt}}
	s.handleInput(context.Background(), req)

	if !s.cancel.IsCancelled() {
		t.Fatalf("expected cancel handle to be signalled")
	}
	resps := drain(ch)
	if len(resps) != 0 {
		t.Fatalf("expected no direct reply while generating, got %+v", resps)
	}
}

func TestHandleInterruptWaitingToolConfirmClearsAndReplies(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateWaitingToolConfirm
	s.cancel = NewCancelHandle(context.Background())
	s.pendingTool = &pendingToolCall{requestID: "orig", name: "shell"}

	req := &protocol.Request{RequestID: "ri3", Input: protocol.InputType{Kind: protocol.InputInterrupt}}
	s.handleInput(context.Background(), req)

	if s.state != StateIdle || s.pendingTool != nil {
		t.Fatalf("expected transition to Idle with pending cleared, got state=%s pendingTool=%+v", s.state, s.pendingTool)
	}
	resps := drain(ch)
	if len(resps) != 1 || resps[0].Response.Text != "interrupted" {
		t.Fatalf("unexpected response: %+v", resps)
	}
}

func TestHandleInterruptWaitingTurnConfirmClearsAndReplies(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateWaitingTurnConfirm
	s.cancel = NewCancelHandle(context.Background())
	s.pendingTurn = &pendingTurnConfirm{requestID: "orig"}

	req := &protocol.Request{RequestID: "ri4", Input: protocol.InputType{Kind: protocol.InputInterrupt}}
	s.handleInput(context.Background(), req)

	if s.state != StateIdle || s.pendingTurn != nil {
		t.Fatalf("expected transition to Idle with pending cleared, got state=%s pendingTurn=%+v", s.state, s.pendingTurn)
	}
	resps := drain(ch)
	if len(resps) != 1 || resps[0].Response.Text != "interrupted" {
		t.Fatalf("unexpected response: %+v", resps)
	}
}

func TestHandleRegenerateRejectedWhenNotIdle(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateGenerating

	req := &protocol.Request{RequestID: "rr1", Input: protocol.InputType{Kind: protocol.InputRegenerate}}
	s.handleInput(context.Background(), req)

	resps := drain(ch)
	if len(resps) != 1 || resps[0].Error == "" {
		t.Fatalf("expected rejection, got %+v", resps)
	}
	if chat.popLastCalls != 0 {
		t.Fatalf("expected PopLastTurn not called on rejection")
	}
}

func TestHandleRegeneratePopsLastTurnAndRegenerates(t *testing.T) {
	chat := &fakeChatEngine{nextFresh: []Chunk{{Kind: ChunkEnd}}}
	s, ch := newTestSession(chat, &fakeToolExecutor{})

	req := &protocol.Request{RequestID: "rr2", Input: protocol.InputType{Kind: protocol.InputRegenerate}}
	s.handleInput(context.Background(), req)

	if chat.popLastCalls != 1 {
		t.Fatalf("expected PopLastTurn called once, got %d", chat.popLastCalls)
	}
	if s.state != StateGenerating {
		t.Fatalf("expected StateGenerating, got %s", s.state)
	}
	<-s.results
	_ = drain(ch)
}

func TestHandleToolConfirmationRejectsWrongState(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateIdle

	req := &protocol.Request{RequestID: "tc1", Input: protocol.InputType{
		Kind: protocol.InputToolConfirmationResponse,
		ToolConfirmationResponse: protocol.ToolConfirmationResponsePayload{Name: "shell", Approved: true},
	}}
	s.handleInput(context.Background(), req)

	resps := drain(ch)
	if len(resps) != 1 || resps[0].Error == "" {
		t.Fatalf("expected rejection with no pending tool, got %+v", resps)
	}
}

func TestHandleToolConfirmationRejectsMismatchedPending(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateWaitingToolConfirm
	s.pendingTool = &pendingToolCall{requestID: "orig", name: "shell", arguments: json.RawMessage(`{"command":"ls"}`)}

	req := &protocol.Request{RequestID: "tc2", Input: protocol.InputType{
		Kind: protocol.InputToolConfirmationResponse,
		ToolConfirmationResponse: protocol.ToolConfirmationResponsePayload{
			Name: "shell", Arguments: json.RawMessage(`{"command":"rm -rf /"}`), Approved: true,
		},
	}}
	s.handleInput(context.Background(), req)

	if s.state != StateWaitingToolConfirm || s.pendingTool == nil {
		t.Fatalf("expected to remain WaitingToolConfirm with pending intact, got state=%s pendingTool=%+v", s.state, s.pendingTool)
	}
	resps := drain(ch)
	if len(resps) != 1 || resps[0].Error == "" {
		t.Fatalf("expected a mismatch rejection, got %+v", resps)
	}
}

func TestHandleToolConfirmationApprovedRunsToolAndResumes(t *testing.T) {
	chat := &fakeChatEngine{nextRechat: []Chunk{{Kind: ChunkEnd}}}
	tools := &fakeToolExecutor{results: map[string]string{"shell": "ok"}}
	s, ch := newTestSession(chat, tools)
	s.state = StateWaitingToolConfirm
	s.pendingTool = &pendingToolCall{
		requestID: "orig", name: "shell", arguments: json.RawMessage(`{"command":"ls"}`), stream: true,
	}

	req := &protocol.Request{RequestID: "tc3", Input: protocol.InputType{
		Kind: protocol.InputToolConfirmationResponse,
		ToolConfirmationResponse: protocol.ToolConfirmationResponsePayload{
			Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`), Approved: true,
		},
	}}
	s.handleInput(context.Background(), req)

	if len(tools.calls) != 1 || tools.calls[0] != "shell" {
		t.Fatalf("expected tool to run, got %v", tools.calls)
	}
	if chat.history[len(chat.history)-1] != "tool:shell:ok" {
		t.Fatalf("expected tool result appended, got %v", chat.history)
	}
	if s.state != StateGenerating {
		t.Fatalf("expected resumed generation, state=%s", s.state)
	}
	<-s.results
	if chat.rechatCalls != 1 {
		t.Fatalf("expected resumed generation via rechat, rechatCalls=%d", chat.rechatCalls)
	}
	_ = drain(ch)
}

func TestHandleToolConfirmationDeniedAppendsDenialAndResumes(t *testing.T) {
	chat := &fakeChatEngine{nextRechat: []Chunk{{Kind: ChunkEnd}}}
	tools := &fakeToolExecutor{}
	s, ch := newTestSession(chat, tools)
	s.state = StateWaitingToolConfirm
	s.pendingTool = &pendingToolCall{requestID: "orig", name: "shell", arguments: json.RawMessage(`{}`)}

	req := &protocol.Request{RequestID: "tc4", Input: protocol.InputType{
		Kind: protocol.InputToolConfirmationResponse,
		ToolConfirmationResponse: protocol.ToolConfirmationResponsePayload{
			Name: "shell", Arguments: json.RawMessage(`{}`), Approved: false, Reason: "too risky",
		},
	}}
	s.handleInput(context.Background(), req)

	if len(tools.calls) != 0 {
		t.Fatalf("expected tool not run on denial, got %v", tools.calls)
	}
	last := chat.history[len(chat.history)-1]
	if last != `tool:shell:{"denied":true,"reason":"too risky"}` {
		t.Fatalf("unexpected denial history: %s", last)
	}
	<-s.results
	_ = drain(ch)
}

func TestHandleTurnConfirmationNotConfirmedStopsAtIdle(t *testing.T) {
	chat := &fakeChatEngine{}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateWaitingTurnConfirm
	s.pendingTurn = &pendingTurnConfirm{requestID: "orig", current: 10, max: 10}

	req := &protocol.Request{RequestID: "tn1", Input: protocol.InputType{
		Kind:                     protocol.InputTurnConfirmationResponse,
		TurnConfirmationResponse: protocol.TurnConfirmationResponsePayload{Confirmed: false},
	}}
	s.handleInput(context.Background(), req)

	if s.state != StateIdle {
		t.Fatalf("expected StateIdle, got %s", s.state)
	}
	resps := drain(ch)
	if len(resps) != 1 || resps[0].Response.Text != "generation stopped at turn budget" {
		t.Fatalf("unexpected response: %+v", resps)
	}
}

func TestHandleTurnConfirmationConfirmedResetsAndResumes(t *testing.T) {
	chat := &fakeChatEngine{turn: 10, nextRechat: []Chunk{{Kind: ChunkEnd}}}
	s, ch := newTestSession(chat, &fakeToolExecutor{})
	s.state = StateWaitingTurnConfirm
	s.pendingTurn = &pendingTurnConfirm{requestID: "orig", current: 10, max: 10}

	req := &protocol.Request{RequestID: "tn2", Input: protocol.InputType{
		Kind:                     protocol.InputTurnConfirmationResponse,
		TurnConfirmationResponse: protocol.TurnConfirmationResponsePayload{Confirmed: true},
	}}
	s.handleInput(context.Background(), req)

	if chat.turn != 0 {
		t.Fatalf("expected turn counter reset, got %d", chat.turn)
	}
	if s.state != StateGenerating {
		t.Fatalf("expected resumed generation, state=%s", s.state)
	}
	<-s.results
	if chat.rechatCalls != 1 {
		t.Fatalf("expected resumed generation via rechat, rechatCalls=%d", chat.rechatCalls)
	}
	_ = drain(ch)
}

func TestJSONStructurallyEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{`{"a":1,"b":2}`, `{"b":2,"a":1}`, true},
		{`{"a":1}`, `{"a":2}`, false},
		{``, ``, true},
		{``, `null`, true},
	}
	for _, c := range cases {
		got := jsonStructurallyEqual(json.RawMessage(c.a), json.RawMessage(c.b))
		if got != c.want {
			t.Fatalf("jsonStructurallyEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestRenderInputForHistoryMulti(t *testing.T) {
	in := protocol.InputType{Kind: protocol.InputMulti, Multi: []protocol.InputType{
		{Kind: protocol.InputText, Text: "hello "},
		{Kind: protocol.InputImage, Image: protocol.ImagePayload{Data: "abcd", MimeType: "image/png"}},
	}}
	rendered := renderInputForHistory(in)
	if rendered != `hello <image mime_type="image/png" data="abcd"/>` {
		t.Fatalf("unexpected rendering: %s", rendered)
	}
}

func TestResolveOptionsAppliesConfigOverrides(t *testing.T) {
	chat := &fakeChatEngine{}
	s, _ := newTestSession(chat, &fakeToolExecutor{})

	maxTokens := 512
	prompt := "be terse"
	maxContext := 7
	req := &protocol.Request{RequestID: "ro1", Config: &protocol.RequestConfig{
		MaxTokens: &maxTokens, Prompt: &prompt, MaxContextNum: &maxContext,
	}}
	opts := s.resolveOptions(req)
	if opts.MaxTokens != 512 || opts.Prompt != "be terse" {
		t.Fatalf("unexpected opts: %+v", opts)
	}
	if chat.maxTurn != 7 {
		t.Fatalf("expected SetMaxTurn(7) to be applied, got %d", chat.maxTurn)
	}
}

func TestResolveOptionsFallsBackToBaselineThenLetsRequestOverride(t *testing.T) {
	chat := &fakeChatEngine{}
	s, _ := newTestSession(chat, &fakeToolExecutor{})

	baselineTokens := 256
	baselinePrompt := "baseline prompt"
	s.baseline = protocol.RequestConfig{MaxTokens: &baselineTokens, Prompt: &baselinePrompt}

	opts := s.resolveOptions(&protocol.Request{RequestID: "ro2"})
	if opts.MaxTokens != 256 || opts.Prompt != "baseline prompt" {
		t.Fatalf("expected baseline to apply with no request override, got %+v", opts)
	}

	reqTokens := 900
	opts = s.resolveOptions(&protocol.Request{RequestID: "ro3", Config: &protocol.RequestConfig{MaxTokens: &reqTokens}})
	if opts.MaxTokens != 900 {
		t.Fatalf("expected per-request override to take precedence over baseline, got %+v", opts)
	}
	if opts.Prompt != "baseline prompt" {
		t.Fatalf("expected baseline prompt to still apply when request doesn't override it, got %+v", opts)
	}
}

func TestAskBeforeToolExecutionPrecedence(t *testing.T) {
	chat := &fakeChatEngine{}
	baselineTrue := true
	s, _ := newTestSession(chat, &fakeToolExecutor{})
	s.baseline = protocol.RequestConfig{AskBeforeToolExecution: &baselineTrue}

	if !s.askBeforeToolExecution(&protocol.Request{}) {
		t.Fatalf("expected baseline true to apply when request has no override")
	}

	reqFalse := false
	if s.askBeforeToolExecution(&protocol.Request{Config: &protocol.RequestConfig{AskBeforeToolExecution: &reqFalse}}) {
		t.Fatalf("expected per-request override to take precedence over baseline")
	}

	s2, _ := newTestSession(&fakeChatEngine{}, &fakeToolExecutor{})
	if s2.askBeforeToolExecution(&protocol.Request{}) {
		t.Fatalf("expected default false with no baseline or override")
	}
}
