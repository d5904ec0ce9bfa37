// Package protocol defines the tagged-union wire format exchanged over the
// gateway's WebSocket connections: one JSON object per frame, a Request in
// and a Response out.
package protocol

import (
	"encoding/json"
	"fmt"
)

// decodeTagged parses either `{"Tag": payload}` or the bare string `"Tag"`
// (for zero-argument variants) and returns the tag plus its raw payload.
// A bare string decodes to a `null` payload.
func decodeTagged(data []byte) (string, json.RawMessage, error) {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		return asString, json.RawMessage("null"), nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("not a tagged union: %w", err)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("tagged union must have exactly one key, got %d", len(m))
	}
	for tag, payload := range m {
		return tag, payload, nil
	}
	panic("unreachable")
}

// encodeTagged serializes the canonical `{"Tag": payload}` form. A nil
// payload marshals as `{"Tag": null}`.
func encodeTagged(tag string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", tag, err)
	}
	tagBytes, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(tagBytes)+len(payloadBytes)+2)
	out = append(out, '{')
	out = append(out, tagBytes...)
	out = append(out, ':')
	out = append(out, payloadBytes...)
	out = append(out, '}')
	return out, nil
}

// Request is one inbound frame.
type Request struct {
	RequestID string         `json:"request_id"`
	Input     InputType      `json:"input"`
	Config    *RequestConfig `json:"config,omitempty"`
	Stream    bool           `json:"stream,omitempty"`
	UseTools  bool           `json:"use_tools,omitempty"`
}

// RequestConfig overrides the connection's baseline config for one request.
// Unset fields (nil) inherit the baseline.
type RequestConfig struct {
	// MaxContextNum is carried over the wire under its historical name but
	// governs the conversation turn budget, not a history-length cap — see
	// the grounding ledger for why.
	MaxContextNum          *int    `json:"max_context_num,omitempty"`
	MaxTokens              *int    `json:"max_tokens,omitempty"`
	AskBeforeToolExecution *bool   `json:"ask_before_tool_execution,omitempty"`
	Prompt                 *string `json:"prompt,omitempty"`
}

// TokenUsage is the wire shape for model token accounting.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read,omitempty"`
	CacheWrite   int `json:"cache_write,omitempty"`
}

// InputKind identifies an InputType variant.
type InputKind string

const (
	InputText                    InputKind = "Text"
	InputImage                   InputKind = "Image"
	InputFile                    InputKind = "File"
	InputInstruction             InputKind = "Instruction"
	InputMulti                   InputKind = "Multi"
	InputGetCommands             InputKind = "GetCommands"
	InputInterrupt               InputKind = "Interrupt"
	InputRegenerate              InputKind = "Regenerate"
	InputClearContext            InputKind = "ClearContext"
	InputToolConfirmationResponse InputKind = "ToolConfirmationResponse"
	InputTurnConfirmationResponse InputKind = "TurnConfirmationResponse"
)

// ImagePayload is the Image variant's payload.
type ImagePayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
}

// FilePayload is the File variant's payload.
type FilePayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

// InstructionPayload is the Instruction variant's payload, dispatched to
// the command registry.
type InstructionPayload struct {
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ToolConfirmationResponsePayload answers a pending ToolConfirmationRequest.
type ToolConfirmationResponsePayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Approved  bool            `json:"approved"`
	Reason    string          `json:"reason,omitempty"`
}

// TurnConfirmationResponsePayload answers a pending TurnConfirmationRequest.
type TurnConfirmationResponsePayload struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}

// InputType is the tagged union of everything a client can send as Request.Input.
type InputType struct {
	Kind InputKind

	Text                     string
	Image                    ImagePayload
	File                     FilePayload
	Instruction              InstructionPayload
	Multi                    []InputType
	ToolConfirmationResponse ToolConfirmationResponsePayload
	TurnConfirmationResponse TurnConfirmationResponsePayload
}

func isZeroArgInput(k InputKind) bool {
	switch k {
	case InputGetCommands, InputInterrupt, InputRegenerate, InputClearContext:
		return true
	default:
		return false
	}
}

// UnmarshalJSON accepts both `{"Variant": payload}` and the bare string
// `"Variant"` form for zero-argument variants.
func (in *InputType) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeTagged(data)
	if err != nil {
		return err
	}
	in.Kind = InputKind(tag)
	switch in.Kind {
	case InputText:
		return json.Unmarshal(payload, &in.Text)
	case InputImage:
		return json.Unmarshal(payload, &in.Image)
	case InputFile:
		return json.Unmarshal(payload, &in.File)
	case InputInstruction:
		return json.Unmarshal(payload, &in.Instruction)
	case InputMulti:
		return json.Unmarshal(payload, &in.Multi)
	case InputToolConfirmationResponse:
		return json.Unmarshal(payload, &in.ToolConfirmationResponse)
	case InputTurnConfirmationResponse:
		return json.Unmarshal(payload, &in.TurnConfirmationResponse)
	default:
		if isZeroArgInput(in.Kind) {
			return nil
		}
		return fmt.Errorf("unknown InputType variant %q", tag)
	}
}

// MarshalJSON emits the canonical `{"Variant": payload}` form, with
// `{"Variant": null}` for zero-argument variants.
func (in InputType) MarshalJSON() ([]byte, error) {
	switch in.Kind {
	case InputText:
		return encodeTagged(string(in.Kind), in.Text)
	case InputImage:
		return encodeTagged(string(in.Kind), in.Image)
	case InputFile:
		return encodeTagged(string(in.Kind), in.File)
	case InputInstruction:
		return encodeTagged(string(in.Kind), in.Instruction)
	case InputMulti:
		return encodeTagged(string(in.Kind), in.Multi)
	case InputToolConfirmationResponse:
		return encodeTagged(string(in.Kind), in.ToolConfirmationResponse)
	case InputTurnConfirmationResponse:
		return encodeTagged(string(in.Kind), in.TurnConfirmationResponse)
	default:
		if isZeroArgInput(in.Kind) {
			return encodeTagged(string(in.Kind), nil)
		}
		return nil, fmt.Errorf("marshal: unknown InputType kind %q", in.Kind)
	}
}

// Response is one outbound frame.
type Response struct {
	RequestID  string          `json:"request_id"`
	Response   ResponseContent `json:"response"`
	Error      string          `json:"error,omitempty"`
	TokenUsage *TokenUsage     `json:"token_usage,omitempty"`
}

// ResponseKind identifies a ResponseContent variant.
type ResponseKind string

const (
	RespText                    ResponseKind = "Text"
	RespStream                  ResponseKind = "Stream"
	RespComplete                ResponseKind = "Complete"
	RespToolCall                ResponseKind = "ToolCall"
	RespToolResult              ResponseKind = "ToolResult"
	RespToolConfirmationRequest ResponseKind = "ToolConfirmationRequest"
	RespTurnConfirmationRequest ResponseKind = "TurnConfirmationRequest"
	RespMulti                   ResponseKind = "Multi"
)

// CompletePayload closes out a streaming response.
type CompletePayload struct {
	TokenUsage  *TokenUsage `json:"token_usage,omitempty"`
	Interrupted bool        `json:"interrupted"`
}

// ToolCallPayload announces a tool invocation the gateway is making.
type ToolCallPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultPayload carries a completed tool's result back to the client.
type ToolResultPayload struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// ToolConfirmationRequestPayload asks the client to approve a pending tool call.
type ToolConfirmationRequestPayload struct {
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments"`
	Description string          `json:"description,omitempty"`
}

// TurnConfirmationRequestPayload asks the client to approve continuing past the turn budget.
type TurnConfirmationRequestPayload struct {
	CurrentTurns int    `json:"current_turns"`
	MaxTurns     int    `json:"max_turns"`
	Reason       string `json:"reason,omitempty"`
}

// ResponseContent is the tagged union of everything a Response can carry.
type ResponseContent struct {
	Kind ResponseKind

	Text                    string // used by both Text and Stream
	Complete                CompletePayload
	ToolCall                ToolCallPayload
	ToolResult              ToolResultPayload
	ToolConfirmationRequest ToolConfirmationRequestPayload
	TurnConfirmationRequest TurnConfirmationRequestPayload
	Multi                   []ResponseContent
}

// MarshalJSON emits the canonical `{"Variant": payload}` form.
func (r ResponseContent) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RespText, RespStream:
		return encodeTagged(string(r.Kind), r.Text)
	case RespComplete:
		return encodeTagged(string(r.Kind), r.Complete)
	case RespToolCall:
		return encodeTagged(string(r.Kind), r.ToolCall)
	case RespToolResult:
		return encodeTagged(string(r.Kind), r.ToolResult)
	case RespToolConfirmationRequest:
		return encodeTagged(string(r.Kind), r.ToolConfirmationRequest)
	case RespTurnConfirmationRequest:
		return encodeTagged(string(r.Kind), r.TurnConfirmationRequest)
	case RespMulti:
		return encodeTagged(string(r.Kind), r.Multi)
	default:
		return nil, fmt.Errorf("marshal: unknown ResponseContent kind %q", r.Kind)
	}
}

// UnmarshalJSON is the inverse of MarshalJSON, used by tests asserting the
// Parse∘Serialize round-trip law and by any client-side Go consumer.
func (r *ResponseContent) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeTagged(data)
	if err != nil {
		return err
	}
	r.Kind = ResponseKind(tag)
	switch r.Kind {
	case RespText, RespStream:
		return json.Unmarshal(payload, &r.Text)
	case RespComplete:
		return json.Unmarshal(payload, &r.Complete)
	case RespToolCall:
		return json.Unmarshal(payload, &r.ToolCall)
	case RespToolResult:
		return json.Unmarshal(payload, &r.ToolResult)
	case RespToolConfirmationRequest:
		return json.Unmarshal(payload, &r.ToolConfirmationRequest)
	case RespTurnConfirmationRequest:
		return json.Unmarshal(payload, &r.TurnConfirmationRequest)
	case RespMulti:
		return json.Unmarshal(payload, &r.Multi)
	default:
		return fmt.Errorf("unknown ResponseContent variant %q", tag)
	}
}

// Text builds a Text response.
func Text(s string) ResponseContent { return ResponseContent{Kind: RespText, Text: s} }

// Stream builds a Stream response (one chunk).
func Stream(s string) ResponseContent { return ResponseContent{Kind: RespStream, Text: s} }

// Complete builds a terminal Complete marker.
func Complete(usage *TokenUsage, interrupted bool) ResponseContent {
	return ResponseContent{Kind: RespComplete, Complete: CompletePayload{TokenUsage: usage, Interrupted: interrupted}}
}

// ToolCall builds a ToolCall response.
func ToolCall(name string, args json.RawMessage) ResponseContent {
	return ResponseContent{Kind: RespToolCall, ToolCall: ToolCallPayload{Name: name, Arguments: args}}
}

// ToolResult builds a ToolResult response.
func ToolResult(name, result string) ResponseContent {
	return ResponseContent{Kind: RespToolResult, ToolResult: ToolResultPayload{Name: name, Result: result}}
}

// ToolConfirmationRequest builds a request asking the client to approve a tool call.
func ToolConfirmationRequest(name string, args json.RawMessage, description string) ResponseContent {
	return ResponseContent{Kind: RespToolConfirmationRequest, ToolConfirmationRequest: ToolConfirmationRequestPayload{
		Name: name, Arguments: args, Description: description,
	}}
}

// TurnConfirmationRequest builds a request asking the client to approve continuing past the turn budget.
func TurnConfirmationRequest(current, max int, reason string) ResponseContent {
	return ResponseContent{Kind: RespTurnConfirmationRequest, TurnConfirmationRequest: TurnConfirmationRequestPayload{
		CurrentTurns: current, MaxTurns: max, Reason: reason,
	}}
}

// ParseError reports a frame that could not be decoded into a Request.
// The connection handler turns this into an error Response; it is never fatal.
type ParseError struct {
	RequestID string // best-effort recovered id, "unknown" if none
	Reason    string
}

func (e *ParseError) Error() string { return e.Reason }

// DecodeRequest parses one inbound text frame.
func DecodeRequest(data []byte) (*Request, *ParseError) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &ParseError{RequestID: recoverRequestID(data), Reason: err.Error()}
	}
	if req.RequestID == "" {
		return nil, &ParseError{RequestID: "unknown", Reason: "missing request_id"}
	}
	return &req, nil
}

// recoverRequestID best-effort extracts request_id from a frame that failed
// full schema validation, so a ParseError can still echo a useful id.
func recoverRequestID(data []byte) string {
	var partial struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &partial); err == nil && partial.RequestID != "" {
		return partial.RequestID
	}
	return "unknown"
}

// EncodeResponse serializes a Response to its canonical wire form.
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}
