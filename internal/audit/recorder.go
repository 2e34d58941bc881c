// Package audit persists completion audit records asynchronously and keeps
// a window of the most recent ones in memory.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/util"
)

const (
	// MaxPayloadSize limits stored request payloads to 1MB.
	MaxPayloadSize = 1024 * 1024
	// MaxResponseSize limits stored response data to 512KB.
	MaxResponseSize = 512 * 1024

	defaultRecent    = 100
	queueSize        = 1024
	batchSize        = 50
	flushInterval    = time.Second
	maxWriteAttempts = 3
	truncatedMarker  = "...[truncated]"
)

type scope struct{ workspaceID, environmentID string }

// Sink receives finished completions.
type Sink interface {
	Push(entry models.CompletionAudit)
}

// Recorder is the audit sink backed by gorm. Writes are batched by a single
// worker; a batch that keeps failing is dropped.
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
	recent int

	queue  chan models.CompletionAudit
	done   chan struct{}
	sendMu sync.RWMutex
	closed bool

	recentMu   sync.RWMutex
	recentLogs []models.CompletionAudit
	stats      map[scope]*models.AuditStats

	dropped atomic.Int64

	retryBackoff time.Duration
}

// NewRecorder starts the write worker. recent sizes the in-memory window.
func NewRecorder(db *gorm.DB, recent int, logger *zap.Logger) *Recorder {
	if recent <= 0 {
		recent = defaultRecent
	}
	r := &Recorder{
		db:           db,
		logger:       logger,
		recent:       recent,
		queue:        make(chan models.CompletionAudit, queueSize),
		done:         make(chan struct{}),
		recentLogs:   make([]models.CompletionAudit, 0, recent),
		stats:        make(map[scope]*models.AuditStats),
		retryBackoff: 200 * time.Millisecond,
	}
	go r.run()
	return r
}

// Push records entry without blocking. When the queue is full the entry is
// kept in memory only.
func (r *Recorder) Push(entry models.CompletionAudit) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	entry.RequestPayload = util.Clip(entry.RequestPayload, MaxPayloadSize, truncatedMarker)
	entry.ResponseData = util.Clip(entry.ResponseData, MaxResponseSize, truncatedMarker)

	r.recentMu.Lock()
	key := scope{entry.WorkspaceID, entry.EnvironmentID}
	st, ok := r.stats[key]
	if !ok {
		st = &models.AuditStats{}
		r.stats[key] = st
	}
	st.TotalRequests++
	if entry.StatusCode >= 200 && entry.StatusCode < 400 {
		st.SuccessCount++
	} else {
		st.ErrorCount++
	}
	r.recentLogs = append([]models.CompletionAudit{entry}, r.recentLogs...)
	if len(r.recentLogs) > r.recent {
		r.recentLogs = r.recentLogs[:r.recent]
	}
	r.recentMu.Unlock()

	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
		r.logger.Warn("Audit queue full, dropping record", zap.String("request_id", entry.RequestID))
	}
}

// Recent returns up to limit of the newest in-memory records of one
// environment, newest first. limit <= 0 returns the whole window.
func (r *Recorder) Recent(workspaceID, environmentID string, limit int) []models.CompletionAudit {
	r.recentMu.RLock()
	defer r.recentMu.RUnlock()
	out := make([]models.CompletionAudit, 0)
	for _, entry := range r.recentLogs {
		if entry.WorkspaceID != workspaceID || entry.EnvironmentID != environmentID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stats counts the completions of one environment pushed since startup.
func (r *Recorder) Stats(workspaceID, environmentID string) models.AuditStats {
	r.recentMu.RLock()
	defer r.recentMu.RUnlock()
	if st, ok := r.stats[scope{workspaceID, environmentID}]; ok {
		return *st
	}
	return models.AuditStats{}
}

// Dropped counts records that never reached the database.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Query pages persisted records of one environment, newest first.
func (r *Recorder) Query(ctx context.Context, workspaceID, environmentID string, page, pageSize int) ([]models.CompletionAudit, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultRecent
	}
	var (
		rows  []models.CompletionAudit
		total int64
	)
	q := r.db.WithContext(ctx).Model(&models.CompletionAudit{}).
		Where("workspace_id = ? AND environment_id = ?", workspaceID, environmentID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("timestamp DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// Close flushes queued records and stops the worker.
func (r *Recorder) Close(ctx context.Context) error {
	r.sendMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.sendMu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]models.CompletionAudit, 0, batchSize)
	for {
		select {
		case entry, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []models.CompletionAudit) {
	if len(batch) == 0 {
		return
	}
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if err = r.db.CreateInBatches(&batch, batchSize).Error; err == nil {
			return
		}
		if attempt < maxWriteAttempts {
			time.Sleep(r.retryBackoff * time.Duration(attempt))
		}
	}
	r.dropped.Add(int64(len(batch)))
	r.logger.Error("Failed to persist audit batch", zap.Int("records", len(batch)), zap.Error(err))
}
