package gateway

import (
	"context"
	"encoding/json"

	"github.com/remoteagent/gateway/internal/agent"
)

// ChunkKind mirrors agent.ChunkKind at the gateway's collaborator boundary.
type ChunkKind = agent.ChunkKind

const (
	ChunkText              = agent.ChunkText
	ChunkToolCallIntent     = agent.ChunkToolCallIntent
	ChunkTurnBudgetExceeded = agent.ChunkTurnBudgetExceeded
	ChunkUsage              = agent.ChunkUsage
	ChunkEnd                = agent.ChunkEnd
)

// Chunk is one item the generation pump consumes from a ChunkSequence.
type Chunk = agent.Chunk

// StreamOptions configures one stream_chat/stream_rechat call.
type StreamOptions = agent.StreamOptions

// ChunkSequence is the lazy, non-restartable async-iterator abstraction
// §9 Design Notes describes: the pump polls Next in a loop rather than the
// model driver pushing.
type ChunkSequence interface {
	Next(ctx context.Context) (Chunk, bool, error)
}

// ChatEngine is the collaborator interface §6 names. The concrete
// implementation (agent.ChatEngine, wrapped by engineAdapter below) is an
// external collaborator: the pump and state machine depend only on this
// interface.
type ChatEngine interface {
	AppendUser(content string)
	AppendToolResult(name, result string)
	PopLastTurn()
	ResetKeepSystem()
	ResetTurnCounter()
	StreamChat(opts StreamOptions) ChunkSequence
	StreamRechat(opts StreamOptions) ChunkSequence
	CurrentTurn() int
	MaxTurn() int
	SetMaxTurn(n int)
	History() []agent.ChatMessage
}

// ToolExecutor runs a named tool against a JSON argument object.
type ToolExecutor interface {
	Run(ctx context.Context, name string, argumentsJSON json.RawMessage) (string, error)
}

// engineAdapter satisfies ChatEngine/ToolExecutor on top of *agent.ChatEngine,
// whose StreamChat/StreamRechat return *agent.ChunkSequence directly rather
// than the gateway's ChunkSequence interface.
type engineAdapter struct {
	*agent.ChatEngine
}

func newEngineAdapter(e *agent.ChatEngine) *engineAdapter {
	return &engineAdapter{ChatEngine: e}
}

func (a *engineAdapter) StreamChat(opts StreamOptions) ChunkSequence {
	return a.ChatEngine.StreamChat(opts)
}

func (a *engineAdapter) StreamRechat(opts StreamOptions) ChunkSequence {
	return a.ChatEngine.StreamRechat(opts)
}

func (a *engineAdapter) Run(ctx context.Context, name string, argumentsJSON json.RawMessage) (string, error) {
	return a.ChatEngine.ExecuteTool(ctx, name, argumentsJSON)
}
