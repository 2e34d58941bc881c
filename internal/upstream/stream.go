package upstream

import (
	"io"
	"sync"

	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

// Stream yields chunks in order. Recv returns io.EOF after the last chunk;
// any other error is an *apierr.Error that aborts the stream.
type Stream interface {
	Recv() (*mappers.ChatCompletionChunk, error)
	Close() error
}

// Aborter is implemented by streams that record why the consumer stopped
// reading before the end. Abort is followed by Close.
type Aborter interface {
	Abort(err error)
}

// SliceStream replays a fixed chunk sequence, optionally ending with an error.
type SliceStream struct {
	mu     sync.Mutex
	chunks []*mappers.ChatCompletionChunk
	err     error
	closed  bool
	aborted error
}

func NewSliceStream(chunks ...*mappers.ChatCompletionChunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

// FailWith makes the stream return err once the chunks are drained.
func (s *SliceStream) FailWith(err error) *SliceStream {
	s.err = err
	return s
}

func (s *SliceStream) Recv() (*mappers.ChatCompletionChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SliceStream) Abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = err
}

// Aborted returns the error passed to Abort.
func (s *SliceStream) Aborted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
