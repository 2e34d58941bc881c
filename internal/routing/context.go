package routing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

// BuildVariables assembles the evaluation context for one request. The
// request object carries derived fields next to the payload: lastMessage,
// firstMessage, allMessagesContent, messagesCount and toolsCount.
func BuildVariables(resource *models.Resource, req *mappers.ChatCompletionRequest, inputTokens int) (*Variables, error) {
	resourceMap, err := toMap(resource)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}

	var requestMap map[string]any
	if raw := req.Raw(); len(raw) > 0 {
		err = json.Unmarshal(raw, &requestMap)
	} else {
		requestMap, err = toMap(req)
	}
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if requestMap == nil {
		requestMap = map[string]any{}
	}

	var texts []string
	for _, m := range req.Messages {
		if s := m.Content.String(); s != "" {
			texts = append(texts, s)
		}
	}
	if messages, _ := requestMap["messages"].([]any); len(messages) > 0 {
		requestMap["firstMessage"] = messages[0]
		requestMap["lastMessage"] = messages[len(messages)-1]
	}
	requestMap["allMessagesContent"] = strings.Join(texts, " ")
	requestMap["messagesCount"] = int64(len(req.Messages))
	requestMap["toolsCount"] = int64(len(req.Tools))

	return &Variables{
		Resource:            resourceMap,
		Request:             requestMap,
		Tokens:              map[string]any{"input": int64(inputTokens)},
		DefaultConnectionID: resource.Model.ConnectionID,
		DefaultModel:        resource.Model.Model,
	}, nil
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Lookup resolves a dotted field path such as "request.lastMessage.content"
// or "request.messages[0].role" against the context. ok is false when any
// segment is missing.
func Lookup(vars *Variables, path string) (any, bool) {
	var cur any = vars.root()
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	path = strings.NewReplacer("[", ".", "]", "", "\"", "", "'", "").Replace(strings.TrimSpace(path))
	var out []string
	for _, seg := range strings.Split(path, ".") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
