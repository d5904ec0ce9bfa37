package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/remoteagent/gateway/internal/gateway/protocol"
)

// sessionState is one of the four finite states component D cycles through.
type sessionState int

const (
	StateIdle sessionState = iota
	StateGenerating
	StateWaitingToolConfirm
	StateWaitingTurnConfirm
)

func (s sessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateGenerating:
		return "Generating"
	case StateWaitingToolConfirm:
		return "WaitingToolConfirm"
	case StateWaitingTurnConfirm:
		return "WaitingTurnConfirm"
	default:
		return "Unknown"
	}
}

// pendingToolCall is held while the session waits for a ToolConfirmationResponse.
type pendingToolCall struct {
	requestID string
	name      string
	arguments json.RawMessage
	opts      StreamOptions
	stream    bool
	useTools  bool
	ask       bool
}

// pendingTurnConfirm is held while the session waits for a TurnConfirmationResponse.
type pendingTurnConfirm struct {
	requestID string
	opts      StreamOptions
	stream    bool
	useTools  bool
	ask       bool
	current   int
	max       int
}

// Session is the per-connection session state machine: component D. It owns
// one ChatEngine and runs as a single goroutine (Run) that serially
// processes one Input at a time off Inbox, giving the single-writer
// discipline over chat history without locks. The generation pump runs as
// a subordinate goroutine per Generating entry and reports back on results.
type Session struct {
	ID       string
	chat     ChatEngine
	tools    ToolExecutor
	commands *CommandRegistry
	logger   *slog.Logger

	baseline protocol.RequestConfig
	provider string

	Inbox chan *protocol.Request
	send  func(protocol.Response)

	state       sessionState
	cancel      *CancelHandle
	pendingTool *pendingToolCall
	pendingTurn *pendingTurnConfirm

	results chan pumpOutcome
}

// NewSession constructs an idle session bound to chat/tools/commands.
// send is called (from whichever goroutine) to enqueue an outbound frame;
// it must not block the caller indefinitely — the connection handler's
// write loop is expected to buffer.
func NewSession(id string, chat ChatEngine, tools ToolExecutor, commands *CommandRegistry, baseline protocol.RequestConfig, logger *slog.Logger, send func(protocol.Response)) *Session {
	return &Session{
		ID:       id,
		chat:     chat,
		tools:    tools,
		commands: commands,
		baseline: baseline,
		logger:   logger.With("session", id),
		Inbox:    make(chan *protocol.Request, 32),
		send:     send,
		state:    StateIdle,
		results:  make(chan pumpOutcome, 1),
	}
}

// Run is the serial executor: it must be started exactly once per session
// and exits when ctx is done or Inbox is closed.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case req, ok := <-s.Inbox:
			if !ok {
				s.teardown()
				return
			}
			s.handleInput(ctx, req)
		case outcome := <-s.results:
			s.handlePumpOutcome(outcome)
		}
	}
}

// teardown signals any live cancellation handle on connection close.
func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel.Signal()
	}
}

func (s *Session) reject(requestID, reason string) {
	s.send(protocol.Response{RequestID: requestID, Response: protocol.Text(""), Error: reason})
}

func (s *Session) reply(requestID string, content protocol.ResponseContent) {
	s.send(protocol.Response{RequestID: requestID, Response: content})
}

// handleInput dispatches one inbound Request against the transition table.
func (s *Session) handleInput(ctx context.Context, req *protocol.Request) {
	switch req.Input.Kind {
	case protocol.InputText:
		s.handleUserInput(ctx, req, req.Input.Text)
	case protocol.InputImage, protocol.InputFile, protocol.InputMulti:
		// The core treats any non-Instruction, non-control input uniformly:
		// it is appended to history as the user's turn. Rendering
		// Image/File/Multi into engine-appropriate content is the
		// ChatEngine collaborator's concern.
		s.handleUserInput(ctx, req, renderInputForHistory(req.Input))
	case protocol.InputInstruction:
		s.handleInstruction(ctx, req)
	case protocol.InputGetCommands:
		s.handleGetCommands(req)
	case protocol.InputInterrupt:
		s.handleInterrupt(req)
	case protocol.InputRegenerate:
		s.handleRegenerate(ctx, req)
	case protocol.InputClearContext:
		s.handleClearContext(req)
	case protocol.InputToolConfirmationResponse:
		s.handleToolConfirmation(ctx, req)
	case protocol.InputTurnConfirmationResponse:
		s.handleTurnConfirmation(ctx, req)
	default:
		s.reject(req.RequestID, fmt.Sprintf("unhandled input variant %q", req.Input.Kind))
	}
}

func (s *Session) handleUserInput(ctx context.Context, req *protocol.Request, content string) {
	if s.state != StateIdle {
		s.reject(req.RequestID, (&IllegalTransitionError{Input: string(req.Input.Kind), State: s.state.String()}).Error())
		return
	}
	s.chat.AppendUser(content)
	s.beginGeneration(ctx, req, pumpFresh)
}

func (s *Session) handleInstruction(ctx context.Context, req *protocol.Request) {
	if s.state != StateIdle {
		s.reject(req.RequestID, (&IllegalTransitionError{Input: "Instruction", State: s.state.String()}).Error())
		return
	}
	result, err := s.commands.Dispatch(ctx, s.chat, &s.baseline, req.Input.Instruction)
	if err != nil {
		s.reject(req.RequestID, err.Error())
		return
	}
	s.reply(req.RequestID, protocol.Text(result))
}

func (s *Session) handleGetCommands(req *protocol.Request) {
	// Allowed in every state: it is read-only and mutates nothing.
	text, err := s.commands.GetCommandsText()
	if err != nil {
		s.reject(req.RequestID, err.Error())
		return
	}
	s.reply(req.RequestID, protocol.Text(text))
}

func (s *Session) handleInterrupt(req *protocol.Request) {
	switch s.state {
	case StateIdle:
		s.reply(req.RequestID, protocol.Text("nothing to interrupt"))
	case StateGenerating:
		// The pump itself observes cancellation and drains to Complete;
		// this input produces no direct reply of its own.
		if s.cancel != nil {
			s.cancel.Signal()
		}
	case StateWaitingToolConfirm:
		if s.cancel != nil {
			s.cancel.Signal()
		}
		s.pendingTool = nil
		s.state = StateIdle
		s.reply(req.RequestID, protocol.Text("interrupted"))
	case StateWaitingTurnConfirm:
		if s.cancel != nil {
			s.cancel.Signal()
		}
		s.pendingTurn = nil
		s.state = StateIdle
		s.reply(req.RequestID, protocol.Text("interrupted"))
	}
}

func (s *Session) handleRegenerate(ctx context.Context, req *protocol.Request) {
	if s.state != StateIdle {
		s.reject(req.RequestID, (&IllegalTransitionError{Input: "Regenerate", State: s.state.String()}).Error())
		return
	}
	s.chat.PopLastTurn()
	s.beginGeneration(ctx, req, pumpFresh)
}

func (s *Session) handleClearContext(req *protocol.Request) {
	if s.state != StateIdle {
		s.reject(req.RequestID, (&IllegalTransitionError{Input: "ClearContext", State: s.state.String()}).Error())
		return
	}
	s.chat.ResetKeepSystem()
	s.chat.ResetTurnCounter()
	s.reply(req.RequestID, protocol.Text("Context cleared."))
}

func (s *Session) handleToolConfirmation(ctx context.Context, req *protocol.Request) {
	if s.state != StateWaitingToolConfirm || s.pendingTool == nil {
		s.reject(req.RequestID, (&IllegalTransitionError{Input: "ToolConfirmationResponse", State: s.state.String()}).Error())
		return
	}
	resp := req.Input.ToolConfirmationResponse
	if resp.Name != s.pendingTool.name || !jsonStructurallyEqual(resp.Arguments, s.pendingTool.arguments) {
		// Stale confirmation for a superseded call: stay in WaitingToolConfirm.
		s.reject(req.RequestID, "ToolConfirmationResponse does not match the pending tool call")
		return
	}

	pending := s.pendingTool
	s.pendingTool = nil

	if resp.Approved {
		s.reply(pending.requestID, protocol.ToolCall(pending.name, pending.arguments))
		result, err := s.tools.Run(ctx, pending.name, pending.arguments)
		if err != nil {
			texErr := &ToolExecutionError{Tool: pending.name, Cause: err, Arguments: pending.arguments}
			s.send(protocol.Response{RequestID: pending.requestID, Response: protocol.ToolResult(pending.name, ""), Error: texErr.JSON()})
			s.chat.AppendToolResult(pending.name, texErr.JSON())
		} else {
			s.reply(pending.requestID, protocol.ToolResult(pending.name, result))
			s.chat.AppendToolResult(pending.name, result)
		}
	} else {
		reason := resp.Reason
		if reason == "" {
			reason = "user declined this tool call"
		}
		s.chat.AppendToolResult(pending.name, fmt.Sprintf(`{"denied":true,"reason":%q}`, reason))
	}

	s.resumeGeneration(ctx, pending.requestID, pending.opts, pending.stream, pending.useTools, pending.ask)
}

func (s *Session) handleTurnConfirmation(ctx context.Context, req *protocol.Request) {
	if s.state != StateWaitingTurnConfirm || s.pendingTurn == nil {
		s.reject(req.RequestID, (&IllegalTransitionError{Input: "TurnConfirmationResponse", State: s.state.String()}).Error())
		return
	}
	pending := s.pendingTurn
	s.pendingTurn = nil

	if !req.Input.TurnConfirmationResponse.Confirmed {
		s.state = StateIdle
		s.reply(pending.requestID, protocol.Text("generation stopped at turn budget"))
		return
	}

	s.chat.ResetTurnCounter()
	s.resumeGeneration(ctx, pending.requestID, pending.opts, pending.stream, pending.useTools, pending.ask)
}

func jsonStructurallyEqual(a, b json.RawMessage) bool {
	var av, bv any
	if len(a) == 0 {
		a = json.RawMessage("null")
	}
	if len(b) == 0 {
		b = json.RawMessage("null")
	}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// renderInputForHistory flattens a non-text InputType into the textual
// representation ChatEngine.AppendUser expects. Image/File payloads carry
// their bytes inline (base64) rather than out-of-band storage, matching the
// spec's in-memory-only persistence model.
func renderInputForHistory(in protocol.InputType) string {
	switch in.Kind {
	case protocol.InputImage:
		return fmt.Sprintf("<image mime_type=%q data=%q/>", in.Image.MimeType, in.Image.Data)
	case protocol.InputFile:
		return fmt.Sprintf("<file filename=%q content_type=%q data=%q/>", in.File.Filename, in.File.ContentType, in.File.Data)
	case protocol.InputMulti:
		out := ""
		for _, item := range in.Multi {
			out += renderInputForHistory(item)
		}
		return out
	default:
		return in.Text
	}
}

func (s *Session) resolveOptions(req *protocol.Request) StreamOptions {
	opts := StreamOptions{}
	if s.baseline.MaxTokens != nil {
		opts.MaxTokens = *s.baseline.MaxTokens
	}
	if s.baseline.Prompt != nil {
		opts.Prompt = *s.baseline.Prompt
	}
	if req.Config != nil {
		if req.Config.MaxTokens != nil {
			opts.MaxTokens = *req.Config.MaxTokens
		}
		if req.Config.Prompt != nil {
			opts.Prompt = *req.Config.Prompt
		}
		if req.Config.MaxContextNum != nil {
			s.chat.SetMaxTurn(*req.Config.MaxContextNum)
		}
	}
	return opts
}

func (s *Session) askBeforeToolExecution(req *protocol.Request) bool {
	if req.Config != nil && req.Config.AskBeforeToolExecution != nil {
		return *req.Config.AskBeforeToolExecution
	}
	if s.baseline.AskBeforeToolExecution != nil {
		return *s.baseline.AskBeforeToolExecution
	}
	return false
}

func (s *Session) beginGeneration(ctx context.Context, req *protocol.Request, mode pumpMode) {
	s.state = StateGenerating
	s.cancel = NewCancelHandle(ctx)

	pr := pumpRequest{
		requestID:              req.RequestID,
		cancel:                 s.cancel,
		stream:                 req.Stream,
		useTools:               req.UseTools,
		askBeforeToolExecution: s.askBeforeToolExecution(req),
		opts:                   s.resolveOptions(req),
		mode:                   mode,
	}
	go runPump(ctx, s.chat, s.tools, s.send, pr, s.results)
}

func (s *Session) resumeGeneration(ctx context.Context, requestID string, opts StreamOptions, stream, useTools, ask bool) {
	s.state = StateGenerating
	s.cancel = NewCancelHandle(ctx)

	pr := pumpRequest{
		requestID:              requestID,
		cancel:                 s.cancel,
		stream:                 stream,
		useTools:               useTools,
		askBeforeToolExecution: ask,
		opts:                   opts,
		mode:                   pumpRechat,
	}
	go runPump(ctx, s.chat, s.tools, s.send, pr, s.results)
}

// handlePumpOutcome applies a finished pump's reported transition.
func (s *Session) handlePumpOutcome(outcome pumpOutcome) {
	s.cancel = nil
	switch outcome.next {
	case StateWaitingToolConfirm:
		s.state = StateWaitingToolConfirm
		s.pendingTool = outcome.pendingTool
	case StateWaitingTurnConfirm:
		s.state = StateWaitingTurnConfirm
		s.pendingTurn = outcome.pendingTurn
	default:
		s.state = StateIdle
	}
	if outcome.err != nil {
		s.logger.Warn("generation ended with error", "request_id", outcome.requestID, "error", outcome.err)
	}
}
