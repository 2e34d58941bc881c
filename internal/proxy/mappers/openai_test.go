package mappers

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChatMessage_StringAndArrayContent(t *testing.T) {
	var req ChatCompletionRequest
	body := `{"model":"openai-default","messages":[
		{"role":"system","content":"be brief"},
		{"role":"user","content":[{"type":"text","text":"hello"},{"type":"image_url","image_url":{"url":"https://x/cat.png"}},{"type":"text","text":"world"}]},
		{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":1}"}}]}
	]}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := req.Messages[0].Content.String(); got != "be brief" {
		t.Fatalf("system content = %q", got)
	}
	if got := req.Messages[1].Content.String(); got != "hello\nworld" {
		t.Fatalf("array content = %q", got)
	}
	if len(req.Messages[1].Content.Parts) != 3 || req.Messages[1].Content.Parts[1].ImageURL == nil {
		t.Fatalf("expected image part to be preserved: %+v", req.Messages[1].Content.Parts)
	}
	if !req.Messages[2].Content.IsEmpty() {
		t.Fatalf("null content should be empty")
	}
	if req.Messages[2].ToolCalls[0].Function.Name != "lookup" {
		t.Fatalf("tool call not decoded: %+v", req.Messages[2].ToolCalls)
	}
}

func TestChatCompletionRequest_KeepsRawBody(t *testing.T) {
	body := `{"model":"m","messages":[],"seed":42,"vmx":{"correlationId":"c-1","secondaryModelIndex":0}}`
	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(string(req.Raw()), `"seed":42`) {
		t.Fatalf("raw body lost unknown fields: %s", req.Raw())
	}
	if req.VMX == nil || req.VMX.CorrelationID != "c-1" || req.VMX.SecondaryModelIndex == nil || *req.VMX.SecondaryModelIndex != 0 {
		t.Fatalf("vmx extension not decoded: %+v", req.VMX)
	}
}

func TestToolChoice_Forms(t *testing.T) {
	cases := map[string]func(ToolChoice) bool{
		`"required"`: func(c ToolChoice) bool { return c.Mode == "required" },
		`{"type":"function","function":{"name":"lookup"}}`: func(c ToolChoice) bool {
			return c.Type == "function" && c.Function != nil && c.Function.Name == "lookup"
		},
		`{"type":"allowed_tools","allowed_tools":{"mode":"auto","tools":[{"type":"function","function":{"name":"a"}}]}}`: func(c ToolChoice) bool {
			return c.AllowedTools != nil && c.AllowedTools.Mode == "auto" && c.AllowedTools.Tools[0].Name() == "a"
		},
	}
	for raw, check := range cases {
		var c ToolChoice
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if !check(c) {
			t.Fatalf("unexpected decode of %s: %+v", raw, c)
		}
	}

	out, err := json.Marshal(ToolChoice{Mode: "auto"})
	if err != nil || string(out) != `"auto"` {
		t.Fatalf("string mode should marshal as string, got %s (%v)", out, err)
	}
}

func TestStopSequences_AcceptsStringOrArray(t *testing.T) {
	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(`{"model":"m","messages":[],"stop":"END"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Fatalf("stop = %v", req.Stop)
	}
}

func TestReplyLimit_PrefersMaxCompletionTokens(t *testing.T) {
	a, b := 100, 200
	req := ChatCompletionRequest{MaxTokens: &a, MaxCompletionTokens: &b}
	if got := req.ReplyLimit(); got == nil || *got != 200 {
		t.Fatalf("reply limit = %v", got)
	}
	req.MaxCompletionTokens = nil
	if got := req.ReplyLimit(); got == nil || *got != 100 {
		t.Fatalf("reply limit fallback = %v", got)
	}
}
