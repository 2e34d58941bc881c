package upstream

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

// DefaultMaxReplyTokens is reserved when the request sets no reply limit.
const DefaultMaxReplyTokens = 4096

const (
	charsPerToken      = 4
	tokensPerMessage   = 4
	tokensPerImagePart = 85
)

// EstimateRequestTokens approximates prompt tokens from message text, tool
// definitions and attachments. Exact tokenization is vendor specific.
func EstimateRequestTokens(req *mappers.ChatCompletionRequest) int {
	if req == nil {
		return 0
	}
	chars := 0
	tokens := 0
	for _, m := range req.Messages {
		tokens += tokensPerMessage
		chars += utf8.RuneCountInString(m.Role) + utf8.RuneCountInString(m.Name)
		if m.Content.Parts == nil {
			chars += utf8.RuneCountInString(m.Content.Text)
		}
		for _, p := range m.Content.Parts {
			switch p.Type {
			case mappers.PartText:
				chars += utf8.RuneCountInString(p.Text)
			case mappers.PartImageURL:
				tokens += tokensPerImagePart
			case mappers.PartFile:
				if p.File != nil {
					chars += len(p.File.FileData) * 3 / 4
				}
			}
		}
		for _, tc := range m.ToolCalls {
			if tc.Function != nil {
				chars += utf8.RuneCountInString(tc.Function.Name) + utf8.RuneCountInString(tc.Function.Arguments)
			}
			if tc.Custom != nil {
				chars += utf8.RuneCountInString(tc.Custom.Name) + utf8.RuneCountInString(tc.Custom.Input)
			}
		}
	}
	for _, t := range req.Tools {
		if b, err := json.Marshal(t); err == nil {
			chars += len(b)
		}
	}
	return tokens + (chars+charsPerToken-1)/charsPerToken
}

// EstimateMaxReplyTokens returns the request's reply limit or fallback.
func EstimateMaxReplyTokens(req *mappers.ChatCompletionRequest, fallback int) int {
	if req != nil {
		if limit := req.ReplyLimit(); limit != nil && *limit > 0 {
			return *limit
		}
	}
	if fallback <= 0 {
		return DefaultMaxReplyTokens
	}
	return fallback
}
