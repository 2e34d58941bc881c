package capacity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

func bandRequest(resource string, tokens int64, usage map[string]Usage) PoolRequest {
	pool := &models.PoolDefinition{Definition: []models.PoolDefinitionEntry{
		{Name: "gold", Rank: 1, MinReservation: 40, MaxReservation: 100, Resources: []string{"support"}},
		{Name: "silver", Rank: 2, MinReservation: 20, MaxReservation: 80, Resources: []string{"search", "summaries"}},
		{Name: "bronze", Rank: 3, MinReservation: 10, MaxReservation: 50, Resources: []string{"batch"}},
	}}
	entry, _ := pool.EntryForResource(resource)
	read := func(_ context.Context, r string) (Usage, error) {
		return usage[r], nil
	}
	return PoolRequest{
		Pool:     pool,
		Entry:    entry,
		Resource: resource,
		Capacity: models.CapacityEntry{Period: models.PeriodMinute, Tokens: 1000, Enabled: true},
		Tokens:   tokens,
		Usage:    read,
	}
}

func TestReservationBand(t *testing.T) {
	cases := []struct {
		name     string
		resource string
		tokens   int64
		usage    map[string]Usage
		allowed  bool
	}{
		{"idle pool admits", "batch", 100, nil, true},
		{"within own minimum", "batch", 100, map[string]Usage{"support": {Tokens: 300}, "search": {Tokens: 500}}, true},
		{"above max band", "batch", 100, map[string]Usage{"batch": {Tokens: 450}}, false},
		// gold still holds 400 unused: 400 used + 250 + 400 > 1000
		{"protected by better rank", "batch", 250, map[string]Usage{"batch": {Tokens: 200}, "search": {Tokens: 100}, "summaries": {Tokens: 100}}, false},
		{"worse rank not protected", "support", 500, map[string]Usage{"support": {Tokens: 450}}, true},
		{"entries sum their resources", "search", 100, map[string]Usage{"search": {Tokens: 400}, "summaries": {Tokens: 300}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := ReservationBand{}.Admit(context.Background(), bandRequest(tc.resource, tc.tokens, tc.usage))
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, d.Allowed, d.Reason)
			if !tc.allowed {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestReservationBandRequestsFallback(t *testing.T) {
	req := bandRequest("batch", 500, map[string]Usage{"batch": {Requests: 1, Tokens: 10_000}})
	req.Capacity = models.CapacityEntry{Period: models.PeriodMinute, Requests: 10, Enabled: true}

	d, err := ReservationBand{}.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	req.Usage = func(context.Context, string) (Usage, error) { return Usage{Requests: 5}, nil }
	d, err = ReservationBand{}.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "requests per minute")
}

func TestReservationBandUsageError(t *testing.T) {
	req := bandRequest("batch", 1, nil)
	req.Usage = func(context.Context, string) (Usage, error) { return Usage{}, errors.New("down") }
	_, err := ReservationBand{}.Admit(context.Background(), req)
	require.Error(t, err)
}
