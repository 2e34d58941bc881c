package mappers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

// Finish reasons of the canonical contract.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// ChatCompletionRequest is the canonical OpenAI-shaped request plus the
// gateway's vmx extension.
type ChatCompletionRequest struct {
	Model               string               `json:"model"`
	Messages            []ChatMessage        `json:"messages"`
	Stream              bool                 `json:"stream,omitempty"`
	StreamOptions       *StreamOptions       `json:"stream_options,omitempty"`
	Temperature         *float64             `json:"temperature,omitempty"`
	TopP                *float64             `json:"top_p,omitempty"`
	MaxTokens           *int                 `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                 `json:"max_completion_tokens,omitempty"`
	Stop                StopSequences        `json:"stop,omitempty"`
	Tools               []Tool               `json:"tools,omitempty"`
	ToolChoice          *ToolChoice          `json:"tool_choice,omitempty"`
	Functions           []FunctionDefinition `json:"functions,omitempty"`
	User                string               `json:"user,omitempty"`
	VMX                 *VMXExtension        `json:"vmx,omitempty"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the original bytes so passthrough vendors receive
// fields this type does not model.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias ChatCompletionRequest
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = ChatCompletionRequest(a)
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the request as received, or nil for requests built in code.
func (r *ChatCompletionRequest) Raw() json.RawMessage {
	return r.raw
}

// ReplyLimit returns max_completion_tokens, falling back to max_tokens.
func (r *ChatCompletionRequest) ReplyLimit() *int {
	if r.MaxCompletionTokens != nil {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// VMXExtension carries gateway-specific request fields.
type VMXExtension struct {
	CorrelationID           string          `json:"correlationId,omitempty"`
	SecondaryModelIndex     *int            `json:"secondaryModelIndex,omitempty"`
	ResourceConfigOverrides json.RawMessage `json:"resourceConfigOverrides,omitempty"`
}

// StopSequences accepts a single string or an array.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	*s = many
	return nil
}

type ChatMessage struct {
	Role         string         `json:"role"`
	Content      MessageContent `json:"content"`
	Name         string         `json:"name,omitempty"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID   string         `json:"tool_call_id,omitempty"`
	FunctionCall *FunctionCall  `json:"function_call,omitempty"`
}

// MessageContent is either plain text or an array of typed parts.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

func (c MessageContent) IsEmpty() bool {
	return c.Text == "" && len(c.Parts) == 0
}

// String joins text parts with a newline.
func (c MessageContent) String() string {
	if c.Parts == nil {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	if c.Text == "" {
		return []byte("null"), nil
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON handles both string and array content formats
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	*c = MessageContent{}
	if string(data) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	c.Parts = parts
	return nil
}

// Content part types.
const (
	PartText       = "text"
	PartImageURL   = "image_url"
	PartInputAudio = "input_audio"
	PartFile       = "file"
	PartRefusal    = "refusal"
)

type ContentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageURL   *ImageURL   `json:"image_url,omitempty"`
	InputAudio *InputAudio `json:"input_audio,omitempty"`
	File       *FilePart   `json:"file,omitempty"`
	Refusal    string      `json:"refusal,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type InputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type FilePart struct {
	FileData string `json:"file_data,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ToolCall is an assistant tool invocation. Index is set on streaming deltas only.
type ToolCall struct {
	Index    *int          `json:"index,omitempty"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function *FunctionCall `json:"function,omitempty"`
	Custom   *CustomCall   `json:"custom,omitempty"`
}

type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type CustomCall struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

// Tool is a function or custom tool definition.
type Tool struct {
	Type     string                `json:"type"`
	Function *FunctionDefinition   `json:"function,omitempty"`
	Custom   *CustomToolDefinition `json:"custom,omitempty"`
}

// Name returns the function or custom tool name.
func (t Tool) Name() string {
	switch {
	case t.Function != nil:
		return t.Function.Name
	case t.Custom != nil:
		return t.Custom.Name
	}
	return ""
}

type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON Schema
	Strict      *bool          `json:"strict,omitempty"`
}

type CustomToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Format      map[string]any `json:"format,omitempty"`
}

// ToolChoice is "auto" | "none" | "required", a named function/custom tool,
// or an allowed_tools selection.
type ToolChoice struct {
	Mode         string
	Type         string
	Function     *ToolName
	Custom       *ToolName
	AllowedTools *AllowedTools
}

type ToolName struct {
	Name string `json:"name"`
}

type AllowedTools struct {
	Mode  string `json:"mode"`
	Tools []Tool `json:"tools"`
}

type toolChoiceObject struct {
	Type         string        `json:"type"`
	Function     *ToolName     `json:"function,omitempty"`
	Custom       *ToolName     `json:"custom,omitempty"`
	AllowedTools *AllowedTools `json:"allowed_tools,omitempty"`
}

func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if c.Mode != "" && c.Type == "" {
		return json.Marshal(c.Mode)
	}
	return json.Marshal(toolChoiceObject{
		Type:         c.Type,
		Function:     c.Function,
		Custom:       c.Custom,
		AllowedTools: c.AllowedTools,
	})
}

func (c *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		*c = ToolChoice{Mode: mode}
		return nil
	}
	var obj toolChoiceObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tool_choice: %w", err)
	}
	*c = ToolChoice{
		Type:         obj.Type,
		Function:     obj.Function,
		Custom:       obj.Custom,
		AllowedTools: obj.AllowedTools,
	}
	return nil
}

// ChatCompletion is a non-streaming response.
type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []Choice     `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
	VMX     *ResponseVMX `json:"vmx,omitempty"`
}

type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
	Logprobs     any         `json:"logprobs"`
}

type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ChatCompletionChunk is one element of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	VMX     *ResponseVMX  `json:"vmx,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type ChunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ResponseVMX is appended to responses and chunks.
type ResponseVMX struct {
	Events  []models.AuditEvent `json:"events"`
	Metrics VMXMetrics          `json:"metrics"`
}

type VMXMetrics struct {
	GateDurationMs     *int64   `json:"gateDurationMs"`
	RoutingDurationMs  *int64   `json:"routingDurationMs"`
	TimeToFirstTokenMs *int64   `json:"timeToFirstTokenMs"`
	TokensPerSecond    *float64 `json:"tokensPerSecond"`
}

// ErrorResponse is the OpenAI-compatible error body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
}
