package bedrock

import (
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

var stopReasons = map[types.StopReason]string{
	types.StopReasonEndTurn:                           mappers.FinishStop,
	types.StopReasonStopSequence:                      mappers.FinishStop,
	types.StopReasonGuardrailIntervened:               mappers.FinishStop,
	types.StopReasonMaxTokens:                         mappers.FinishLength,
	types.StopReason("model_context_window_exceeded"): mappers.FinishLength,
	types.StopReasonToolUse:                           mappers.FinishToolCalls,
	types.StopReasonContentFiltered:                   mappers.FinishContentFilter,
}

func finishReason(reason types.StopReason) string {
	if mapped, ok := stopReasons[reason]; ok {
		return mapped
	}
	return mappers.FinishStop
}

func convertUsage(u *types.TokenUsage) *mappers.Usage {
	if u == nil {
		return nil
	}
	return &mappers.Usage{
		PromptTokens:     int(aws.ToInt32(u.InputTokens)),
		CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		PromptTokensDetails: &mappers.PromptTokensDetails{
			CachedTokens: int(aws.ToInt32(u.CacheReadInputTokens)),
		},
	}
}

// completionID prefers the vendor request id.
func completionID(requestID string) string {
	if requestID != "" {
		return requestID
	}
	return "awsbedrock-" + uuid.NewString()
}

func convertOutput(out *bedrockruntime.ConverseOutput, id, model string, created int64) (*mappers.ChatCompletion, error) {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, apierr.Internal(CodeUnexpectedResponse, "AWS Bedrock returned no message output")
	}

	var text strings.Builder
	var calls []mappers.ToolCall
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			name := aws.ToString(b.Value.Name)
			if name == "" || b.Value.Input == nil {
				continue
			}
			args, err := documentJSON(b.Value.Input)
			if err != nil {
				return nil, apierr.Internal(CodeUnexpectedResponse, "AWS Bedrock returned unreadable tool input").WithCause(err)
			}
			toolID := aws.ToString(b.Value.ToolUseId)
			if toolID == "" {
				toolID = uuid.NewString()
			}
			calls = append(calls, mappers.ToolCall{
				ID:       toolID,
				Type:     "function",
				Function: &mappers.FunctionCall{Name: name, Arguments: args},
			})
		case *types.ContentBlockMemberReasoningContent:
			if r, ok := b.Value.(*types.ReasoningContentBlockMemberReasoningText); ok {
				text.WriteString(aws.ToString(r.Value.Text))
			}
		}
	}

	return &mappers.ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Usage:   convertUsage(out.Usage),
		Choices: []mappers.Choice{{
			Index: 0,
			Message: mappers.ChatMessage{
				Role:      "assistant",
				Content:   mappers.TextContent(text.String()),
				ToolCalls: calls,
			},
			FinishReason: finishReason(out.StopReason),
		}},
	}, nil
}

// documentJSON renders a tool input document as OpenAI arguments. String
// documents are returned verbatim.
func documentJSON(doc document.Interface) (string, error) {
	raw, err := doc.MarshalSmithyDocument()
	if err != nil {
		return "", err
	}
	var s string
	if len(raw) > 0 && raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	return string(raw), nil
}
