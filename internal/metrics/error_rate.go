package metrics

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Series identifies the completions an error rate is computed over.
type Series struct {
	WorkspaceID   string
	EnvironmentID string
	Resource      string
	ConnectionID  string
	Model         string
}

type outcome struct {
	at     time.Time
	status int
}

const (
	defaultRetention = time.Hour
	defaultMaxSeries = 10_000
	maxPerSeries     = 50_000
)

// ErrorRateTracker keeps a sliding window of completion outcomes per Series.
type ErrorRateTracker struct {
	mu        sync.Mutex
	series    map[Series][]outcome
	retention time.Duration
	maxSeries int
	now       func() time.Time
}

func NewErrorRateTracker() *ErrorRateTracker {
	return &ErrorRateTracker{
		series:    make(map[Series][]outcome),
		retention: defaultRetention,
		maxSeries: defaultMaxSeries,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (t *ErrorRateTracker) WithClock(now func() time.Time) *ErrorRateTracker {
	t.now = now
	return t
}

// WithRetention bounds how far back ErrorRate can look.
func (t *ErrorRateTracker) WithRetention(d time.Duration) *ErrorRateTracker {
	t.retention = d
	return t
}

// Record adds one completion outcome with its HTTP status.
func (t *ErrorRateTracker) Record(s Series, status int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	list, ok := t.series[s]
	if !ok && len(t.series) >= t.maxSeries {
		t.evictLocked(now)
		if len(t.series) >= t.maxSeries {
			return
		}
	}
	list = trim(list, now.Add(-t.retention))
	if len(list) >= maxPerSeries {
		list = list[1:]
	}
	t.series[s] = append(list, outcome{at: now, status: status})
}

// ErrorRate returns the percentage (0-100) of outcomes in the last window
// whose status matches filter: "any" counts every status >= 400, a class
// such as "5xx" counts that hundred, anything else is an exact code.
// No outcomes yields 0.
func (t *ErrorRateTracker) ErrorRate(_ context.Context, s Series, window time.Duration, filter string) (float64, error) {
	match, err := statusMatcher(filter)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	since := t.now().Add(-window)
	var total, failed int
	for _, o := range t.series[s] {
		if o.at.Before(since) {
			continue
		}
		total++
		if match(o.status) {
			failed++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) * 100 / float64(total), nil
}

func statusMatcher(filter string) (func(int) bool, error) {
	filter = strings.ToLower(strings.TrimSpace(filter))
	switch {
	case filter == "" || filter == "any":
		return func(s int) bool { return s >= 400 }, nil
	case len(filter) == 3 && strings.HasSuffix(filter, "xx"):
		class, err := strconv.Atoi(filter[:1])
		if err != nil {
			return nil, errInvalidFilter(filter)
		}
		return func(s int) bool { return s/100 == class }, nil
	}
	code, err := strconv.Atoi(filter)
	if err != nil {
		return nil, errInvalidFilter(filter)
	}
	return func(s int) bool { return s == code }, nil
}

type errInvalidFilter string

func (e errInvalidFilter) Error() string {
	return "invalid status filter " + strconv.Quote(string(e))
}

func trim(list []outcome, since time.Time) []outcome {
	i := 0
	for i < len(list) && list[i].at.Before(since) {
		i++
	}
	return list[i:]
}

func (t *ErrorRateTracker) evictLocked(now time.Time) {
	since := now.Add(-t.retention)
	for s, list := range t.series {
		if list = trim(list, since); len(list) == 0 {
			delete(t.series, s)
		} else {
			t.series[s] = list
		}
	}
}
