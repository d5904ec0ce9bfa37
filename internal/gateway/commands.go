package gateway

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/remoteagent/gateway/internal/gateway/protocol"
)

// CommandHandler is one built-in instruction's implementation. Handlers may
// mutate the chat engine's history, and may mutate the connection's baseline
// config (set_config), but must never themselves call the model. baseline is
// owned by the calling Session, not the registry: the registry stays
// connection-agnostic so one instance can be shared across connections.
type CommandHandler func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error)

// Command is a named, described instruction plus its handler.
type Command struct {
	Name        string
	Description string
	Handler     CommandHandler
}

// CommandRegistry resolves instruction names to handlers. It is populated
// once at process start and is read-only afterward; it is passed by
// reference into each connection rather than held as package-global state,
// so tests can construct an isolated registry per case.
type CommandRegistry struct {
	byName map[string]*Command
	order  []string
}

// NewCommandRegistry builds an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{byName: make(map[string]*Command)}
}

// Register adds a command. Panics on a duplicate name: that is a startup
// wiring bug, not a runtime condition.
func (r *CommandRegistry) Register(cmd Command) {
	if _, exists := r.byName[cmd.Name]; exists {
		panic("gateway: duplicate command registered: " + cmd.Name)
	}
	r.byName[cmd.Name] = &cmd
	r.order = append(r.order, cmd.Name)
}

// Get looks up a command by name.
func (r *CommandRegistry) Get(name string) (*Command, bool) {
	cmd, ok := r.byName[name]
	return cmd, ok
}

// List returns all commands in registration order.
func (r *CommandRegistry) List() []*Command {
	out := make([]*Command, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// NewDefaultCommandRegistry builds the registry with the built-in commands
// the spec requires. clear_context is wired here only as a generic
// Instruction-dispatchable alias; the primary path for it is the
// ClearContext InputType variant handled directly by the session state
// machine, matching the original's "removed, now a protocol variant" note.
func NewDefaultCommandRegistry() *CommandRegistry {
	r := NewCommandRegistry()
	r.Register(Command{
		Name:        "clear_context",
		Description: "Clear all non-system messages and reset the turn counter.",
		Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
			chat.ResetKeepSystem()
			chat.ResetTurnCounter()
			return "Context cleared.", nil
		},
	})
	r.Register(Command{
		Name:        "list_commands",
		Description: "List the built-in instructions this connection supports.",
		Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
			return r.GetCommandsText()
		},
	})
	r.Register(Command{
		Name:        "get_history",
		Description: "Return a JSON snapshot of the current chat history.",
		Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
			data, err := json.Marshal(chat.History())
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})
	r.Register(Command{
		Name:        "set_config",
		Description: "Apply max_tokens / ask_before_tool_execution overrides to this connection's baseline config.",
		Handler: func(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, parameters json.RawMessage) (string, error) {
			var patch struct {
				MaxTokens              *int  `json:"max_tokens"`
				AskBeforeToolExecution *bool `json:"ask_before_tool_execution"`
			}
			if len(parameters) > 0 {
				if err := json.Unmarshal(parameters, &patch); err != nil {
					return "", err
				}
			}
			if patch.MaxTokens != nil {
				baseline.MaxTokens = patch.MaxTokens
			}
			if patch.AskBeforeToolExecution != nil {
				baseline.AskBeforeToolExecution = patch.AskBeforeToolExecution
			}
			return "Config updated.", nil
		},
	})
	return r
}

// commandList is the payload GetCommands replies with.
type commandList struct {
	Commands []commandDescriptor `json:"commands"`
	Count    int                 `json:"count"`
}

type commandDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GetCommandsText renders the GetCommands reply: a JSON-serialized command
// list returned as a single Text response.
func (r *CommandRegistry) GetCommandsText() (string, error) {
	cmds := r.List()
	descriptors := make([]commandDescriptor, 0, len(cmds))
	for _, c := range cmds {
		descriptors = append(descriptors, commandDescriptor{Name: c.Name, Description: c.Description})
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })

	data, err := json.Marshal(commandList{Commands: descriptors, Count: len(descriptors)})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Dispatch resolves and runs an Instruction input. baseline is the calling
// connection's config struct, passed by reference so handlers like
// set_config can mutate it directly.
func (r *CommandRegistry) Dispatch(ctx context.Context, chat ChatEngine, baseline *protocol.RequestConfig, instr protocol.InstructionPayload) (string, error) {
	cmd, ok := r.Get(instr.Command)
	if !ok {
		return "", &UnknownCommandError{Command: instr.Command}
	}
	result, err := cmd.Handler(ctx, chat, baseline, instr.Parameters)
	if err != nil {
		return "", &CommandFailedError{Command: instr.Command, Cause: err}
	}
	return result, nil
}
