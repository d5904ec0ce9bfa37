package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/remoteagent/gateway/internal/agent"
	"github.com/remoteagent/gateway/internal/gateway/protocol"
)

func TestCommandRegistryRegisterAndGet(t *testing.T) {
	r := NewCommandRegistry()
	r.Register(Command{Name: "ping", Description: "replies pong", Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
		return "pong", nil
	}})

	cmd, ok := r.Get("ping")
	if !ok || cmd.Description != "replies pong" {
		t.Fatalf("expected to find registered command, got %+v ok=%v", cmd, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected missing command to not be found")
	}
}

func TestCommandRegistryRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewCommandRegistry()
	r.Register(Command{Name: "ping", Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
		return "", nil
	}})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r.Register(Command{Name: "ping", Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
		return "", nil
	}})
}

func TestCommandRegistryListPreservesRegistrationOrder(t *testing.T) {
	r := NewCommandRegistry()
	names := []string{"zeta", "alpha", "mid"}
	for _, n := range names {
		name := n
		r.Register(Command{Name: name, Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
			return "", nil
		}})
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(list))
	}
	for i, cmd := range list {
		if cmd.Name != names[i] {
			t.Fatalf("expected registration order %v, got position %d = %s", names, i, cmd.Name)
		}
	}
}

func TestDefaultRegistryClearContextHandlerResetsChat(t *testing.T) {
	r := NewDefaultCommandRegistry()
	chat := &fakeChatEngine{history: []string{"user:hi"}, turn: 4}

	result, err := r.Dispatch(context.Background(), chat, &protocol.RequestConfig{}, protocol.InstructionPayload{Command: "clear_context"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Context cleared." {
		t.Fatalf("unexpected result: %s", result)
	}
	if chat.history != nil || chat.turn != 0 {
		t.Fatalf("expected chat reset, got history=%v turn=%d", chat.history, chat.turn)
	}
}

func TestDefaultRegistryListCommandsMatchesGetCommandsText(t *testing.T) {
	r := NewDefaultCommandRegistry()
	chat := &fakeChatEngine{}

	want, err := r.GetCommandsText()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := r.Dispatch(context.Background(), chat, &protocol.RequestConfig{}, protocol.InstructionPayload{Command: "list_commands"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("expected list_commands to match GetCommandsText, got %q want %q", got, want)
	}
}

func TestDefaultRegistryGetHistoryReturnsChatHistoryJSON(t *testing.T) {
	r := NewDefaultCommandRegistry()
	chat := &fakeChatEngine{}
	chat.AppendUser("hi")

	result, err := r.Dispatch(context.Background(), chat, &protocol.RequestConfig{}, protocol.InstructionPayload{Command: "get_history"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded []agent.ChatMessage
	if err := json.Unmarshal([]byte(result), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Role != "user" || decoded[0].Content != "hi" {
		t.Fatalf("unexpected history: %+v", decoded)
	}
}

func TestDefaultRegistrySetConfigAppliesOverridesAndIgnoresUnknownKeys(t *testing.T) {
	r := NewDefaultCommandRegistry()
	chat := &fakeChatEngine{}
	baseline := &protocol.RequestConfig{}

	params := json.RawMessage(`{"max_tokens": 512, "ask_before_tool_execution": true, "bogus": "ignored"}`)
	result, err := r.Dispatch(context.Background(), chat, baseline, protocol.InstructionPayload{Command: "set_config", Parameters: params})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Config updated." {
		t.Fatalf("unexpected result: %s", result)
	}
	if baseline.MaxTokens == nil || *baseline.MaxTokens != 512 {
		t.Fatalf("expected max_tokens to be applied, got %+v", baseline.MaxTokens)
	}
	if baseline.AskBeforeToolExecution == nil || *baseline.AskBeforeToolExecution != true {
		t.Fatalf("expected ask_before_tool_execution to be applied, got %+v", baseline.AskBeforeToolExecution)
	}
}

func TestGetCommandsTextSortsAlphabeticallyAndCounts(t *testing.T) {
	r := NewCommandRegistry()
	r.Register(Command{Name: "zeta", Description: "z", Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
		return "", nil
	}})
	r.Register(Command{Name: "alpha", Description: "a", Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
		return "", nil
	}})

	text, err := r.GetCommandsText()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded commandList
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Count != 2 {
		t.Fatalf("unexpected count: %d", decoded.Count)
	}
	if decoded.Commands[0].Name != "alpha" || decoded.Commands[1].Name != "zeta" {
		t.Fatalf("expected alphabetical order, got %+v", decoded.Commands)
	}
}

func TestDispatchUnknownCommandReturnsUnknownCommandError(t *testing.T) {
	r := NewCommandRegistry()
	chat := &fakeChatEngine{}

	_, err := r.Dispatch(context.Background(), chat, &protocol.RequestConfig{}, protocol.InstructionPayload{Command: "nope"})
	var unknown *UnknownCommandError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownCommandError, got %v", err)
	}
	if unknown.Command != "nope" {
		t.Fatalf("unexpected command name: %s", unknown.Command)
	}
}

func TestDispatchHandlerErrorWrappedInCommandFailedError(t *testing.T) {
	r := NewCommandRegistry()
	cause := errors.New("handler exploded")
	r.Register(Command{Name: "explode", Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
		return "", cause
	}})
	chat := &fakeChatEngine{}

	_, err := r.Dispatch(context.Background(), chat, &protocol.RequestConfig{}, protocol.InstructionPayload{Command: "explode"})
	var failed *CommandFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected CommandFailedError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable via errors.Is")
	}
}
