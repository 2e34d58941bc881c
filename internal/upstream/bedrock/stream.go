package bedrock

import (
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

// EventReader is the subset of the ConverseStream event stream the adapter reads.
type EventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Err() error
	Close() error
}

// chunkStream translates ConverseStream events into canonical chunks.
type chunkStream struct {
	reader    EventReader
	id        string
	model     string
	created   int64
	closeOnce sync.Once
	closeErr  error
}

func newChunkStream(reader EventReader, id, model string, created int64) *chunkStream {
	return &chunkStream{reader: reader, id: id, model: model, created: created}
}

func (s *chunkStream) Recv() (*mappers.ChatCompletionChunk, error) {
	for {
		event, ok := <-s.reader.Events()
		if !ok {
			if err := s.reader.Err(); err != nil {
				return nil, mapError(err)
			}
			return nil, io.EOF
		}
		if chunk := s.translate(event); chunk != nil {
			return chunk, nil
		}
	}
}

func (s *chunkStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.reader.Close()
	})
	return s.closeErr
}

func (s *chunkStream) newChunk() *mappers.ChatCompletionChunk {
	return &mappers.ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []mappers.ChunkChoice{},
	}
}

func (s *chunkStream) withDelta(delta mappers.ChunkDelta) *mappers.ChatCompletionChunk {
	chunk := s.newChunk()
	delta.Role = "assistant"
	chunk.Choices = append(chunk.Choices, mappers.ChunkChoice{Index: 0, Delta: delta})
	return chunk
}

// translate returns nil for events that carry nothing for the caller.
func (s *chunkStream) translate(event types.ConverseStreamOutput) *mappers.ChatCompletionChunk {
	switch e := event.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		index := int(aws.ToInt32(e.Value.ContentBlockIndex))
		return s.withDelta(mappers.ChunkDelta{ToolCalls: []mappers.ToolCall{{
			Index:    &index,
			ID:       aws.ToString(start.Value.ToolUseId),
			Type:     "function",
			Function: &mappers.FunctionCall{Name: aws.ToString(start.Value.Name)},
		}}})

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		index := int(aws.ToInt32(e.Value.ContentBlockIndex))
		switch d := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			if d.Value == "" {
				return nil
			}
			return s.withDelta(mappers.ChunkDelta{Content: d.Value})
		case *types.ContentBlockDeltaMemberToolUse:
			return s.withDelta(mappers.ChunkDelta{ToolCalls: []mappers.ToolCall{{
				Index:    &index,
				Function: &mappers.FunctionCall{Arguments: aws.ToString(d.Value.Input)},
			}}})
		case *types.ContentBlockDeltaMemberReasoningContent:
			if r, ok := d.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && r.Value != "" {
				return s.withDelta(mappers.ChunkDelta{Content: r.Value})
			}
		}
		return nil

	case *types.ConverseStreamOutputMemberMessageStop:
		reason := finishReason(e.Value.StopReason)
		chunk := s.newChunk()
		chunk.Choices = append(chunk.Choices, mappers.ChunkChoice{Index: 0, FinishReason: &reason})
		return chunk

	case *types.ConverseStreamOutputMemberMetadata:
		if e.Value.Usage == nil {
			return nil
		}
		chunk := s.newChunk()
		chunk.Usage = convertUsage(e.Value.Usage)
		return chunk
	}
	return nil
}
