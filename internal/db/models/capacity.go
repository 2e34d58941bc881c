package models

// CapacityPeriod is the accounting window of a capacity entry.
type CapacityPeriod string

const (
	PeriodMinute   CapacityPeriod = "minute"
	PeriodHour     CapacityPeriod = "hour"
	PeriodDay      CapacityPeriod = "day"
	PeriodWeek     CapacityPeriod = "week"
	PeriodMonth    CapacityPeriod = "month"
	PeriodLifetime CapacityPeriod = "lifetime"
)

// CapacityDimension splits one entry's counters by a request attribute.
type CapacityDimension string

const DimensionSourceIP CapacityDimension = "source-ip"

// CapacityEntry is a declared rate limit. A zero limit means "not set".
type CapacityEntry struct {
	Period    CapacityPeriod    `json:"period"`
	Requests  int64             `json:"requests,omitempty"`
	Tokens    int64             `json:"tokens,omitempty"`
	Enabled   bool              `json:"enabled"`
	Dimension CapacityDimension `json:"dimension,omitempty"`
}

// EnabledCapacity filters out disabled entries, preserving order.
func EnabledCapacity(entries []CapacityEntry) []CapacityEntry {
	out := make([]CapacityEntry, 0, len(entries))
	for _, e := range entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}
