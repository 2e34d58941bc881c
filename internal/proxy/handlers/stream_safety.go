package handlers

import (
	"crypto/sha256"
	"time"
)

const (
	defaultMaxRepeats  = 10
	defaultIdleTimeout = 5 * time.Minute
)

// StreamSafetyChecker aborts runaway streams: a vendor repeating the same
// chunk, or going silent between chunks for longer than the idle timeout.
type StreamSafetyChecker struct {
	maxRepeats  int
	idleTimeout time.Duration
	now         func() time.Time

	lastHash    [32]byte
	repeatCount int
	lastChunkAt time.Time
}

func NewStreamSafetyChecker() *StreamSafetyChecker {
	return &StreamSafetyChecker{
		maxRepeats:  defaultMaxRepeats,
		idleTimeout: defaultIdleTimeout,
		now:         time.Now,
	}
}

// CheckChunk inspects one encoded chunk. It returns a non-empty reason when
// the stream should be terminated.
func (s *StreamSafetyChecker) CheckChunk(data []byte) (abort bool, reason string) {
	now := s.now()
	if !s.lastChunkAt.IsZero() && now.Sub(s.lastChunkAt) > s.idleTimeout {
		return true, "stream timeout exceeded"
	}
	s.lastChunkAt = now

	if len(data) == 0 {
		return false, ""
	}
	hash := sha256.Sum256(data)
	if hash != s.lastHash {
		s.lastHash = hash
		s.repeatCount = 0
		return false, ""
	}
	s.repeatCount++
	if s.repeatCount >= s.maxRepeats {
		return true, "repeated chunk detected"
	}
	return false, ""
}
