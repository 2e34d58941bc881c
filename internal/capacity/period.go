package capacity

import (
	"math"
	"time"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

// Unbounded is the remaining time of a lifetime period.
const Unbounded = -1

// RemainingSeconds returns the whole seconds until the end of the period
// containing now. Minute and hour use clock arithmetic; day, week and month
// count to the next UTC boundary, with weeks starting on Sunday. Lifetime
// returns Unbounded.
func RemainingSeconds(period models.CapacityPeriod, now time.Time) int64 {
	now = now.UTC()
	switch period {
	case models.PeriodMinute:
		return int64(60 - now.Second())
	case models.PeriodHour:
		return int64(3600 - (now.Minute()*60 + now.Second()))
	case models.PeriodDay:
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		return ceilSeconds(next.Sub(now))
	case models.PeriodWeek:
		days := 7 - int(now.Weekday())
		next := time.Date(now.Year(), now.Month(), now.Day()+days, 0, 0, 0, 0, time.UTC)
		return ceilSeconds(next.Sub(now))
	case models.PeriodMonth:
		next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		return ceilSeconds(next.Sub(now))
	}
	return Unbounded
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

// ttl converts remaining seconds to a key expiry; zero means no expiry.
func ttl(remaining int64) time.Duration {
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining) * time.Second
}
