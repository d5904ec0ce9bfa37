package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/remoteagent/gateway/internal/config"
)

// ChunkKind identifies the shape of one item yielded by a ChunkSequence.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkToolCallIntent
	ChunkTurnBudgetExceeded
	ChunkUsage
	ChunkEnd
)

// Chunk is one item of a streaming generation.
type Chunk struct {
	Kind          ChunkKind
	Text          string
	ToolName      string
	ToolArguments json.RawMessage
	TurnCurrent   int
	TurnMax       int
	Usage         TokenUsage
}

// StreamOptions configures one StreamChat/StreamRechat invocation.
type StreamOptions struct {
	Provider   string
	Model      string
	MaxTokens  int
	MaxToolTry int
	Prompt     string // system prompt override
}

// ChatEngine owns one conversation's history and drives model calls against
// it. It is the concrete implementation a gateway connection binds to its
// ChatEngine collaborator interface.
type ChatEngine struct {
	cfg    *config.Config
	logger *slog.Logger
	models *ModelManager
	tools  *ToolRegistry

	history         []ChatMessage
	turn            int
	maxTurns        int
	baseSystemPrompt string
}

// NewChatEngine creates a ChatEngine. systemPrompt is the connection's
// baseline system prompt, used whenever a request doesn't supply its own
// override (RequestConfig.Prompt); it is sent as the model request's
// system field, not stored as a history entry, since the provider clients
// already thread it in separately (see agent.go's per-provider Chat methods).
func NewChatEngine(cfg *config.Config, logger *slog.Logger, models *ModelManager, tools *ToolRegistry, systemPrompt string, maxTurns int) *ChatEngine {
	return &ChatEngine{
		cfg:              cfg,
		logger:           logger.With("component", "chatengine"),
		models:           models,
		tools:            tools,
		maxTurns:         maxTurns,
		baseSystemPrompt: systemPrompt,
	}
}

// AppendUser appends a user message to the conversation.
func (e *ChatEngine) AppendUser(content string) {
	e.history = append(e.history, ChatMessage{Role: "user", Content: content})
}

// AppendToolResult appends a tool's result to the conversation in the same
// tagged-text shape the model is instructed to expect in the system prompt.
func (e *ChatEngine) AppendToolResult(name, result string) {
	e.history = append(e.history, ChatMessage{
		Role:    "user",
		Content: fmt.Sprintf("<tool_result name=%q>\n%s\n</tool_result>", name, result),
	})
}

// PopLastTurn removes the most recent assistant reply and the user message
// that prompted it, so Regenerate can re-issue the same prompt.
func (e *ChatEngine) PopLastTurn() {
	if len(e.history) == 0 {
		return
	}
	i := len(e.history) - 1
	if strings.EqualFold(e.history[i].Role, "assistant") {
		i--
	}
	for i >= 0 && strings.EqualFold(e.history[i].Role, "user") {
		e.history = e.history[:i]
		return
	}
	if i >= 0 {
		e.history = e.history[:i+1]
	}
}

// ResetKeepSystem clears all non-system history, matching ClearContext.
func (e *ChatEngine) ResetKeepSystem() {
	if len(e.history) > 0 && strings.EqualFold(e.history[0].Role, "system") {
		e.history = e.history[:1]
	} else {
		e.history = nil
	}
}

// ResetTurnCounter resets the conversation turn counter.
func (e *ChatEngine) ResetTurnCounter() {
	e.turn = 0
}

// CurrentTurn returns the number of completed assistant turns.
func (e *ChatEngine) CurrentTurn() int {
	return e.turn
}

// MaxTurn returns the configured turn budget (0 means unbounded).
func (e *ChatEngine) MaxTurn() int {
	return e.maxTurns
}

// SetMaxTurn updates the turn budget, e.g. from a set_config instruction.
func (e *ChatEngine) SetMaxTurn(n int) {
	e.maxTurns = n
}

// History returns a read-only snapshot of the conversation, for get_history.
func (e *ChatEngine) History() []ChatMessage {
	out := make([]ChatMessage, len(e.history))
	copy(out, e.history)
	return out
}

// StreamChat starts a fresh generation round from the current history.
func (e *ChatEngine) StreamChat(opts StreamOptions) *ChunkSequence {
	return &ChunkSequence{engine: e, opts: opts}
}

// StreamRechat continues generation from the current history without
// appending a new user message — used after a tool or turn confirmation.
func (e *ChatEngine) StreamRechat(opts StreamOptions) *ChunkSequence {
	return &ChunkSequence{engine: e, opts: opts}
}

// ChunkSequence is a lazy, single-pass iterator over one generation's
// output. Each Next call either drains a queued item from the most recent
// model response, or — once that queue is empty and the round isn't over —
// issues the next model call (e.g. after a tool result was appended).
type ChunkSequence struct {
	engine    *ChatEngine
	opts      StreamOptions
	pending   []Chunk
	iteration int
	finished  bool
}

// Next returns the next chunk, or ok=false once the sequence is exhausted.
func (s *ChunkSequence) Next(ctx context.Context) (Chunk, bool, error) {
	if len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		return c, true, nil
	}
	if s.finished {
		return Chunk{}, false, nil
	}

	maxTry := s.opts.MaxToolTry
	if maxTry <= 0 {
		maxTry = s.engine.cfg.Agent.Defaults.MaxToolTry
	}
	if maxTry <= 0 {
		maxTry = maxToolIterations
	}

	override := s.opts.Prompt
	if override == "" {
		override = s.engine.baseSystemPrompt
	}
	systemPrompt := buildSystemPrompt(s.engine.cfg, s.engine.tools, s.opts.Model, override)
	resp, err := s.engine.models.Chat(ctx, &ChatRequest{
		SystemPrompt: systemPrompt,
		Messages:     s.engine.history,
		Provider:     s.opts.Provider,
		Model:        s.opts.Model,
		MaxTokens:    s.opts.MaxTokens,
	})
	if err != nil {
		s.finished = true
		return Chunk{}, false, err
	}
	if ctx.Err() != nil {
		// The caller (WaitOrCancel) has already given up on us and moved the
		// session on; appending to s.engine.history here would race with
		// whatever runs next. Treat it as if Chat itself had been cancelled.
		s.finished = true
		return Chunk{}, false, ctx.Err()
	}

	text, calls := parseToolCalls(resp.Content)
	s.engine.history = append(s.engine.history, ChatMessage{Role: "assistant", Content: resp.Content})
	usage := Chunk{Kind: ChunkUsage, Usage: resp.Usage}

	if len(calls) > 0 {
		s.iteration++
		if s.iteration > maxTry {
			s.finished = true
			return Chunk{}, false, fmt.Errorf("exceeded maximum tool iterations (%d)", maxTry)
		}
		if strings.TrimSpace(text) != "" {
			s.pending = append(s.pending, Chunk{Kind: ChunkText, Text: text})
		}
		for _, call := range calls {
			s.pending = append(s.pending, Chunk{Kind: ChunkToolCallIntent, ToolName: call.Name, ToolArguments: call.Arguments})
		}
		s.pending = append(s.pending, usage)
		return s.Next(ctx)
	}

	s.engine.turn++
	reply := strings.TrimSpace(text)
	if reply == "" {
		reply = resp.Content
	}
	s.pending = append(s.pending, Chunk{Kind: ChunkText, Text: reply}, usage)
	if s.engine.maxTurns > 0 && s.engine.turn >= s.engine.maxTurns {
		s.pending = append(s.pending, Chunk{Kind: ChunkTurnBudgetExceeded, TurnCurrent: s.engine.turn, TurnMax: s.engine.maxTurns})
	} else {
		s.pending = append(s.pending, Chunk{Kind: ChunkEnd})
	}
	s.finished = true
	return s.Next(ctx)
}

// ExecuteTool runs a tool by name through the engine's tool registry.
func (e *ChatEngine) ExecuteTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if !e.tools.Has(name) {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return e.tools.ExecuteJSON(ctx, name, args)
}
