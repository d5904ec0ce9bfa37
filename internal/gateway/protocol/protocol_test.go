package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeRequestTextInput(t *testing.T) {
	raw := []byte(`{"request_id":"r1","input":{"Text":"hello"},"stream":true}`)
	req, perr := DecodeRequest(raw)
	if perr != nil {
		t.Fatalf("unexpected parse error: %v", perr)
	}
	if req.Input.Kind != InputText || req.Input.Text != "hello" {
		t.Fatalf("unexpected input: %+v", req.Input)
	}
	if !req.Stream {
		t.Fatalf("expected stream=true")
	}
}

func TestDecodeRequestAcceptsBareStringZeroArgVariant(t *testing.T) {
	raw := []byte(`{"request_id":"r2","input":"Interrupt"}`)
	req, perr := DecodeRequest(raw)
	if perr != nil {
		t.Fatalf("unexpected parse error: %v", perr)
	}
	if req.Input.Kind != InputInterrupt {
		t.Fatalf("unexpected kind: %s", req.Input.Kind)
	}
}

func TestDecodeRequestAcceptsTaggedZeroArgVariant(t *testing.T) {
	raw := []byte(`{"request_id":"r3","input":{"GetCommands":null}}`)
	req, perr := DecodeRequest(raw)
	if perr != nil {
		t.Fatalf("unexpected parse error: %v", perr)
	}
	if req.Input.Kind != InputGetCommands {
		t.Fatalf("unexpected kind: %s", req.Input.Kind)
	}
}

func TestDecodeRequestMissingRequestID(t *testing.T) {
	raw := []byte(`{"input":"Interrupt"}`)
	_, perr := DecodeRequest(raw)
	if perr == nil {
		t.Fatalf("expected parse error for missing request_id")
	}
	if perr.RequestID != "unknown" {
		t.Fatalf("unexpected recovered id: %s", perr.RequestID)
	}
}

func TestDecodeRequestMalformedRecoversRequestID(t *testing.T) {
	raw := []byte(`{"request_id":"r4","input":123}`)
	_, perr := DecodeRequest(raw)
	if perr == nil {
		t.Fatalf("expected parse error")
	}
	if perr.RequestID != "r4" {
		t.Fatalf("expected recovered request_id r4, got %s", perr.RequestID)
	}
}

func TestInputTypeMarshalCanonicalZeroArgForm(t *testing.T) {
	in := InputType{Kind: InputRegenerate}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"Regenerate":null}` {
		t.Fatalf("unexpected canonical form: %s", data)
	}
}

func TestInputTypeRoundTripInstruction(t *testing.T) {
	original := InputType{Kind: InputInstruction, Instruction: InstructionPayload{
		Command: "clear_context", Parameters: json.RawMessage(`{"foo":1}`),
	}}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded InputType
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != InputInstruction || decoded.Instruction.Command != "clear_context" {
		t.Fatalf("unexpected round-trip: %+v", decoded)
	}
	if string(decoded.Instruction.Parameters) != `{"foo":1}` {
		t.Fatalf("unexpected parameters: %s", decoded.Instruction.Parameters)
	}
}

func TestInputTypeMultiRoundTrip(t *testing.T) {
	original := InputType{Kind: InputMulti, Multi: []InputType{
		{Kind: InputText, Text: "a"},
		{Kind: InputText, Text: "b"},
	}}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded InputType
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Multi) != 2 || decoded.Multi[0].Text != "a" || decoded.Multi[1].Text != "b" {
		t.Fatalf("unexpected multi round-trip: %+v", decoded.Multi)
	}
}

func TestResponseContentRoundTripEachVariant(t *testing.T) {
	usage := &TokenUsage{InputTokens: 10, OutputTokens: 20}
	cases := []ResponseContent{
		Text("hi"),
		Stream("chunk"),
		Complete(usage, true),
		ToolCall("shell", json.RawMessage(`{"command":"ls"}`)),
		ToolResult("shell", "done"),
		ToolConfirmationRequest("shell", json.RawMessage(`{"command":"rm -rf /"}`), "dangerous"),
		TurnConfirmationRequest(5, 5, "budget exceeded"),
	}

	for _, rc := range cases {
		data, err := json.Marshal(rc)
		if err != nil {
			t.Fatalf("marshal %s: %v", rc.Kind, err)
		}
		var decoded ResponseContent
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal %s: %v", rc.Kind, err)
		}
		if decoded.Kind != rc.Kind {
			t.Fatalf("kind mismatch: want %s got %s", rc.Kind, decoded.Kind)
		}
	}
}

func TestResponseContentCompletePayloadShape(t *testing.T) {
	data, err := json.Marshal(Complete(nil, false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"Complete":{"interrupted":false}}` {
		t.Fatalf("unexpected complete payload shape: %s", data)
	}
}

func TestEncodeResponseIncludesError(t *testing.T) {
	resp := &Response{RequestID: "r5", Response: Text(""), Error: "boom"}
	data, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["error"] != "boom" {
		t.Fatalf("expected error field to survive encoding: %v", decoded)
	}
}

func TestDecodeTaggedRejectsMultiKeyObject(t *testing.T) {
	_, _, err := decodeTagged([]byte(`{"Text":"a","Extra":"b"}`))
	if err == nil {
		t.Fatalf("expected error for multi-key tagged union")
	}
}
