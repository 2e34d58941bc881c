package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/audit"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
	"github.com/pysugar/completion-gateway/internal/upstream"
)

// trackedStream decorates vendor chunks with vmx metadata and records the
// attempt once the stream ends, fails or is closed.
type trackedStream struct {
	ctx     context.Context
	inner   upstream.Stream
	run     *run
	att     *attempt
	headers map[string]string

	once     sync.Once
	ttftMs   *int64
	usage    *mappers.Usage
	captured bytes.Buffer
}

func newTrackedStream(ctx context.Context, r *run, att *attempt, resp *upstream.Response) *trackedStream {
	return &trackedStream{ctx: ctx, inner: resp.Stream, run: r, att: att, headers: resp.Headers}
}

func (s *trackedStream) Recv() (*mappers.ChatCompletionChunk, error) {
	chunk, err := s.inner.Recv()
	if errors.Is(err, io.EOF) {
		s.finish(nil)
		return nil, io.EOF
	}
	if err != nil {
		s.finish(err)
		return nil, err
	}

	if s.ttftMs == nil {
		elapsed := time.Since(s.att.providerAt)
		ms := elapsed.Milliseconds()
		s.ttftMs = &ms
		s.run.s.metrics.ObserveStage(StageFirstToken, elapsed)
	}
	var tps *float64
	if chunk.Usage != nil {
		if s.usage == nil {
			s.usage = chunk.Usage
		}
		if secs := time.Since(s.att.providerAt).Seconds(); secs > 0 {
			v := float64(chunk.Usage.TotalTokens) / secs
			tps = &v
		}
	}
	s.capture(chunk)
	chunk.VMX = s.run.responseVMX(s.att, s.ttftMs, tps)
	return chunk, nil
}

// Abort records the stream as failed with err, for a consumer that gave up
// on a misbehaving stream.
func (s *trackedStream) Abort(err error) {
	s.finish(err)
}

// Close stops the vendor stream. A stream closed before its end is
// recorded with whatever usage was seen.
func (s *trackedStream) Close() error {
	err := s.inner.Close()
	s.finish(nil)
	return err
}

func (s *trackedStream) capture(chunk *mappers.ChatCompletionChunk) {
	if s.captured.Len() >= audit.MaxResponseSize {
		return
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	s.captured.Write(b)
	s.captured.WriteByte('\n')
}

func (s *trackedStream) finish(err error) {
	s.once.Do(func() {
		if err == nil {
			s.run.succeed(s.ctx, s.att, s.usage, s.captured.String(), s.headers)
			return
		}
		// headers are already sent, so a mid-stream failure cannot fall back
		s.run.release(s.ctx, s.att)
		s.run.attemptFailed(s.att, err, true)
		e := apierr.From(err)
		entry := s.run.auditEntry(s.att, e.StatusCode)
		entry.FailureReason = e.FailureReason
		entry.ErrorMessage = e.Message
		entry.ResponseHeaders = s.headers
		entry.ResponseData = s.captured.String()
		s.run.push(entry)
	})
}
