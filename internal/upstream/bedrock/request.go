package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

// converseRequest is the shared body of Converse and ConverseStream.
type converseRequest struct {
	modelID     string
	messages    []types.Message
	system      []types.SystemContentBlock
	inference   *types.InferenceConfiguration
	toolConfig  *types.ToolConfiguration
	performance *types.PerformanceConfiguration
}

func (r *converseRequest) converseInput() *bedrockruntime.ConverseInput {
	return &bedrockruntime.ConverseInput{
		ModelId:           aws.String(r.modelID),
		Messages:          r.messages,
		System:            r.system,
		InferenceConfig:   r.inference,
		ToolConfig:        r.toolConfig,
		PerformanceConfig: r.performance,
	}
}

func (r *converseRequest) streamInput() *bedrockruntime.ConverseStreamInput {
	return &bedrockruntime.ConverseStreamInput{
		ModelId:           aws.String(r.modelID),
		Messages:          r.messages,
		System:            r.system,
		InferenceConfig:   r.inference,
		ToolConfig:        r.toolConfig,
		PerformanceConfig: r.performance,
	}
}

type translator struct {
	images *ImageFetcher
	logger *zap.Logger
}

func (t *translator) buildRequest(ctx context.Context, req *mappers.ChatCompletionRequest, modelID string, cfg ConnectionConfig) (*converseRequest, error) {
	messages, err := t.convertMessages(ctx, req.Messages)
	if err != nil {
		return nil, err
	}
	out := &converseRequest{
		modelID:    modelID,
		messages:   messages,
		system:     convertSystem(req.Messages),
		inference:  convertInference(req),
		toolConfig: convertToolConfig(req),
	}
	if cfg.PerformanceConfig != nil && cfg.PerformanceConfig.Latency != "" {
		out.performance = &types.PerformanceConfiguration{
			Latency: types.PerformanceConfigLatency(cfg.PerformanceConfig.Latency),
		}
	}
	return out, nil
}

func isSystemRole(role string) bool {
	return role == "system" || role == "developer"
}

func convertSystem(messages []mappers.ChatMessage) []types.SystemContentBlock {
	var blocks []types.SystemContentBlock
	for _, m := range messages {
		if !isSystemRole(m.Role) {
			continue
		}
		blocks = append(blocks, &types.SystemContentBlockMemberText{Value: m.Content.String()})
	}
	return blocks
}

func convertInference(req *mappers.ChatCompletionRequest) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	empty := true
	if limit := req.ReplyLimit(); limit != nil {
		cfg.MaxTokens = aws.Int32(int32(*limit))
		empty = false
	}
	if req.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*req.Temperature))
		empty = false
	}
	if req.TopP != nil {
		cfg.TopP = aws.Float32(float32(*req.TopP))
		empty = false
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = []string(req.Stop)
		empty = false
	}
	if empty {
		return nil
	}
	return cfg
}

func (t *translator) convertMessages(ctx context.Context, in []mappers.ChatMessage) ([]types.Message, error) {
	var out []types.Message
	for i, m := range in {
		switch m.Role {
		case "system", "developer":
			continue
		case "user", "assistant":
			blocks, err := t.convertParts(ctx, m, i)
			if err != nil {
				return nil, err
			}
			if len(blocks) == 0 {
				continue
			}
			role := types.ConversationRoleUser
			if m.Role == "assistant" {
				role = types.ConversationRoleAssistant
			}
			out = append(out, types.Message{Role: role, Content: blocks})
		case "tool", "function":
			result := toolResultBlock(m)
			if n := len(out); n > 0 && hasToolResult(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, result)
				continue
			}
			out = append(out, types.Message{Role: types.ConversationRoleUser, Content: []types.ContentBlock{result}})
		default:
			t.logger.Warn("dropping message with unsupported role", zap.String("role", m.Role), zap.Int("message_index", i))
		}
	}
	return out, nil
}

func hasToolResult(m types.Message) bool {
	for _, b := range m.Content {
		if _, ok := b.(*types.ContentBlockMemberToolResult); ok {
			return true
		}
	}
	return false
}

// legacyToolUseID pairs legacy function_call turns with their function results.
func legacyToolUseID(name string) string {
	return "function-" + name
}

func toolResultBlock(m mappers.ChatMessage) types.ContentBlock {
	id := m.ToolCallID
	if m.Role == "function" {
		id = legacyToolUseID(m.Name)
	}
	var content []types.ToolResultContentBlock
	if m.Content.Parts == nil {
		content = append(content, &types.ToolResultContentBlockMemberText{Value: m.Content.Text})
	}
	for _, p := range m.Content.Parts {
		if p.Type == mappers.PartText {
			content = append(content, &types.ToolResultContentBlockMemberText{Value: p.Text})
		}
	}
	return &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
		ToolUseId: aws.String(id),
		Content:   content,
	}}
}

func (t *translator) convertParts(ctx context.Context, m mappers.ChatMessage, messageIndex int) ([]types.ContentBlock, error) {
	var blocks []types.ContentBlock

	if m.Content.Parts == nil && m.Content.Text != "" {
		blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content.Text})
	}
	for j, p := range m.Content.Parts {
		param := fmt.Sprintf("messages[%d].content[%d]", messageIndex, j)
		switch p.Type {
		case mappers.PartText:
			if p.Text != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: p.Text})
			}
		case mappers.PartImageURL:
			if p.ImageURL == nil {
				return nil, imageFetchError(param, "", fmt.Errorf("missing image_url"))
			}
			format, data, err := t.images.Fetch(ctx, p.ImageURL.URL)
			if err != nil {
				t.logger.Error("failed to fetch image", zap.String("param", param), zap.Error(err))
				return nil, imageFetchError(param, p.ImageURL.URL, err)
			}
			blocks = append(blocks, &types.ContentBlockMemberImage{Value: types.ImageBlock{
				Format: format,
				Source: &types.ImageSourceMemberBytes{Value: data},
			}})
		case mappers.PartFile:
			block, err := documentBlock(p.File, messageIndex, j)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		case mappers.PartInputAudio:
			return nil, (&apierr.Error{
				StatusCode:    http.StatusBadRequest,
				Message:       "Audio input is not supported for AWS Bedrock Converse API",
				Code:          CodeAudioUnsupported,
				Type:          "audio_input_not_supported",
				FailureReason: "Audio input is not supported for AWS Bedrock Converse API",
			}).WithParam(param)
		case mappers.PartRefusal:
			t.logger.Warn("refusal content is not supported by Bedrock Converse, dropping",
				zap.Int("message_index", messageIndex), zap.Int("content_part_index", j))
		}
	}

	if m.Role == "assistant" {
		for _, tc := range m.ToolCalls {
			switch {
			case tc.Function != nil:
				blocks = append(blocks, toolUseBlock(tc.ID, tc.Function.Name, tc.Function.Arguments))
			case tc.Custom != nil:
				blocks = append(blocks, toolUseBlock(tc.ID, tc.Custom.Name, tc.Custom.Input))
			}
		}
		if m.FunctionCall != nil {
			blocks = append(blocks, toolUseBlock(legacyToolUseID(m.FunctionCall.Name), m.FunctionCall.Name, m.FunctionCall.Arguments))
		}
	}
	return blocks, nil
}

func imageFetchError(param, url string, cause error) *apierr.Error {
	return (&apierr.Error{
		StatusCode:    http.StatusBadRequest,
		Message:       fmt.Sprintf("Error fetching image from URL %s on %s", url, param),
		Code:          CodeImageFetch,
		Type:          "image_fetch_error",
		FailureReason: "Failed to fetch image",
	}).WithParam(param).WithCause(cause)
}

func toolUseBlock(id, name, arguments string) types.ContentBlock {
	return &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
		ToolUseId: aws.String(id),
		Name:      aws.String(name),
		Input:     document.NewLazyDocument(parseToolArguments(arguments)),
	}}
}

// parseToolArguments decodes JSON arguments, keeping the raw string when
// they do not parse.
func parseToolArguments(arguments string) any {
	if strings.TrimSpace(arguments) == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(arguments), &v); err != nil {
		return arguments
	}
	return v
}

var documentNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9\s\-\(\)\[\]]+`)

var documentFormats = map[string]types.DocumentFormat{
	".pdf":  types.DocumentFormatPdf,
	".csv":  types.DocumentFormatCsv,
	".doc":  types.DocumentFormatDoc,
	".docx": types.DocumentFormatDocx,
	".xls":  types.DocumentFormatXls,
	".xlsx": types.DocumentFormatXlsx,
	".html": types.DocumentFormatHtml,
	".md":   types.DocumentFormatMd,
	".txt":  types.DocumentFormatTxt,
}

func documentBlock(f *mappers.FilePart, messageIndex, partIndex int) (types.ContentBlock, error) {
	param := fmt.Sprintf("messages[%d].content[%d]", messageIndex, partIndex)
	if f == nil || f.FileData == "" {
		return nil, (&apierr.Error{
			StatusCode:    http.StatusBadRequest,
			Message:       "File parts must carry inline file_data for AWS Bedrock Converse API",
			Code:          CodeFileDataRequired,
			Type:          "invalid_request_error",
			FailureReason: "Unsupported input",
		}).WithParam(param)
	}

	payload := f.FileData
	if strings.HasPrefix(payload, "data:") {
		if _, after, ok := strings.Cut(payload, ","); ok {
			payload = after
		}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apierr.Validation(apierr.CodeInvalidRequest, "file_data must be base64 encoded").WithParam(param).WithCause(err)
	}

	ext := strings.ToLower(path.Ext(f.Filename))
	format, ok := documentFormats[ext]
	if !ok {
		format = types.DocumentFormatTxt
	}
	name := strings.TrimSpace(documentNameUnsafe.ReplaceAllString(strings.TrimSuffix(f.Filename, path.Ext(f.Filename)), " "))
	if name == "" {
		name = fmt.Sprintf("document-%d-%d", messageIndex, partIndex)
	}

	return &types.ContentBlockMemberDocument{Value: types.DocumentBlock{
		Name:   aws.String(name),
		Format: format,
		Source: &types.DocumentSourceMemberBytes{Value: data},
	}}, nil
}

var (
	emptyObjectSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	customToolSchema  = map[string]any{
		"type":       "object",
		"properties": map[string]any{"input": map[string]any{"type": "string"}},
		"required":   []any{"input"},
	}
)

func convertToolConfig(req *mappers.ChatCompletionRequest) *types.ToolConfiguration {
	if len(req.Tools) == 0 && len(req.Functions) == 0 {
		return nil
	}

	var allowed map[string]bool
	if req.ToolChoice != nil && req.ToolChoice.AllowedTools != nil {
		allowed = make(map[string]bool, len(req.ToolChoice.AllowedTools.Tools))
		for _, t := range req.ToolChoice.AllowedTools.Tools {
			if name := t.Name(); name != "" {
				allowed[name] = true
			}
		}
	}
	include := func(name string) bool {
		return name != "" && (allowed == nil || allowed[name])
	}

	var tools []types.Tool
	for _, t := range req.Tools {
		switch {
		case t.Function != nil && include(t.Function.Name):
			tools = append(tools, toolSpec(t.Function.Name, t.Function.Description, t.Function.Parameters))
		case t.Custom != nil && include(t.Custom.Name):
			tools = append(tools, toolSpec(t.Custom.Name, t.Custom.Description, customToolSchema))
		}
	}
	for _, fn := range req.Functions {
		if include(fn.Name) {
			tools = append(tools, toolSpec(fn.Name, fn.Description, fn.Parameters))
		}
	}
	if len(tools) == 0 {
		return nil
	}
	return &types.ToolConfiguration{Tools: tools, ToolChoice: convertToolChoice(req.ToolChoice)}
}

func toolSpec(name, description string, schema map[string]any) types.Tool {
	if schema == nil {
		schema = emptyObjectSchema
	}
	spec := types.ToolSpecification{
		Name:        aws.String(name),
		InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
	}
	if description != "" {
		spec.Description = aws.String(description)
	}
	return &types.ToolMemberToolSpec{Value: spec}
}

func convertToolChoice(choice *mappers.ToolChoice) types.ToolChoice {
	if choice == nil {
		return nil
	}
	switch {
	case choice.Mode == "auto":
		return &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
	case choice.Mode == "required":
		return &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
	case choice.Type == "function" && choice.Function != nil:
		return &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(choice.Function.Name)}}
	case choice.Type == "custom" && choice.Custom != nil:
		return &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(choice.Custom.Name)}}
	case choice.Type == "allowed_tools" && choice.AllowedTools != nil:
		if choice.AllowedTools.Mode == "required" {
			return &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
		}
		return &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
	}
	return nil
}
