package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/remoteagent/gateway/internal/agent"
)

// fakeChunkSequence replays a fixed slice of chunks, for pump tests that
// don't need a real model call.
type fakeChunkSequence struct {
	chunks []Chunk
	i      int
	err    error
}

func (f *fakeChunkSequence) Next(ctx context.Context) (Chunk, bool, error) {
	if f.err != nil && f.i >= len(f.chunks) {
		return Chunk{}, false, f.err
	}
	if f.i >= len(f.chunks) {
		return Chunk{}, false, nil
	}
	c := f.chunks[f.i]
	f.i++
	return c, true, nil
}

// fakeChatEngine is an in-memory ChatEngine double: it records appended
// history and lets a test script exactly which ChunkSequence StreamChat/
// StreamRechat should hand back next.
type fakeChatEngine struct {
	history      []string
	messages     []agent.ChatMessage
	turn         int
	maxTurn      int
	nextFresh    []Chunk
	nextRechat   []Chunk
	streamCalls  int
	rechatCalls  int
	popLastCalls int
}

func (f *fakeChatEngine) AppendUser(content string) {
	f.history = append(f.history, "user:"+content)
	f.messages = append(f.messages, agent.ChatMessage{Role: "user", Content: content})
}
func (f *fakeChatEngine) AppendToolResult(name, result string) {
	f.history = append(f.history, fmt.Sprintf("tool:%s:%s", name, result))
	f.messages = append(f.messages, agent.ChatMessage{Role: "tool", Content: result})
}
func (f *fakeChatEngine) PopLastTurn()     { f.popLastCalls++ }
func (f *fakeChatEngine) ResetKeepSystem() { f.history = nil; f.messages = nil }
func (f *fakeChatEngine) ResetTurnCounter() { f.turn = 0 }
func (f *fakeChatEngine) CurrentTurn() int  { return f.turn }
func (f *fakeChatEngine) MaxTurn() int      { return f.maxTurn }
func (f *fakeChatEngine) SetMaxTurn(n int)  { f.maxTurn = n }
func (f *fakeChatEngine) History() []agent.ChatMessage {
	out := make([]agent.ChatMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeChatEngine) StreamChat(opts StreamOptions) ChunkSequence {
	f.streamCalls++
	return &fakeChunkSequence{chunks: f.nextFresh}
}

func (f *fakeChatEngine) StreamRechat(opts StreamOptions) ChunkSequence {
	f.rechatCalls++
	return &fakeChunkSequence{chunks: f.nextRechat}
}

// fakeToolExecutor runs a canned result/error per tool name.
type fakeToolExecutor struct {
	results map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeToolExecutor) Run(ctx context.Context, name string, argumentsJSON json.RawMessage) (string, error) {
	f.calls = append(f.calls, name)
	if f.errs != nil {
		if err, ok := f.errs[name]; ok {
			return "", err
		}
	}
	return f.results[name], nil
}
