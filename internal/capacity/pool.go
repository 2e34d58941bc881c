package capacity

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

// PoolRequest is what a pool strategy sees for one admission.
type PoolRequest struct {
	Pool     *models.PoolDefinition
	Entry    models.PoolDefinitionEntry
	Resource string
	// Capacity is the connection's minute entry the pool shares.
	Capacity models.CapacityEntry
	Tokens   int64
	// Usage reads a pooled resource's current minute usage on the connection.
	Usage func(ctx context.Context, resource string) (Usage, error)
}

type PoolDecision struct {
	Allowed bool
	Reason  string
}

// PoolStrategy allocates a connection's minute headroom across the
// resources of a pool.
type PoolStrategy interface {
	Name() string
	Admit(ctx context.Context, req PoolRequest) (PoolDecision, error)
}

// ReservationBand gives every pool entry a [min, max] band, in percent of
// the shared minute capacity. An entry never exceeds its max band. Below its
// min band it is always admitted. Otherwise it may only use headroom that is
// not still reserved by the unused minimum of entries ranked equal or
// better (lower Rank).
type ReservationBand struct{}

func (ReservationBand) Name() string { return "reservation-band" }

func (ReservationBand) Admit(ctx context.Context, req PoolRequest) (PoolDecision, error) {
	limit, cost, unit := req.Capacity.Tokens, req.Tokens, "tokens"
	if limit <= 0 {
		limit, cost, unit = req.Capacity.Requests, 1, "requests"
	}
	if limit <= 0 {
		return PoolDecision{Allowed: true}, nil
	}

	used, err := entryUsage(ctx, req, unit)
	if err != nil {
		return PoolDecision{}, err
	}

	self := used[req.Entry.Name]
	band := func(pct float64) int64 { return int64(float64(limit) * pct / 100) }

	if req.Entry.MaxReservation > 0 && self+cost > band(req.Entry.MaxReservation) {
		return PoolDecision{Reason: fmt.Sprintf(
			"Pool %s has reached its maximum reservation of %g%% (%d %s per minute)",
			req.Entry.Name, req.Entry.MaxReservation, band(req.Entry.MaxReservation), unit)}, nil
	}
	if self+cost <= band(req.Entry.MinReservation) {
		return PoolDecision{Allowed: true}, nil
	}

	var total, protected int64
	for _, e := range req.Pool.Definition {
		total += used[e.Name]
		if e.Name == req.Entry.Name || e.Rank > req.Entry.Rank {
			continue
		}
		if unused := band(e.MinReservation) - used[e.Name]; unused > 0 {
			protected += unused
		}
	}
	if total+cost+protected > limit {
		return PoolDecision{Reason: fmt.Sprintf(
			"Pool %s exceeds the shared capacity of %d %s per minute; %d are reserved for higher-priority pools",
			req.Entry.Name, limit, unit, protected)}, nil
	}
	return PoolDecision{Allowed: true}, nil
}

// entryUsage sums each pool entry's resources' minute usage in unit.
func entryUsage(ctx context.Context, req PoolRequest, unit string) (map[string]int64, error) {
	type job struct {
		entry    string
		resource string
	}
	var jobs []job
	for _, e := range req.Pool.Definition {
		for _, r := range e.Resources {
			jobs = append(jobs, job{entry: e.Name, resource: r})
		}
	}

	values := make([]int64, len(jobs))
	eg, ctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		eg.Go(func() error {
			u, err := req.Usage(ctx, j.resource)
			if err != nil {
				return err
			}
			if unit == "tokens" {
				values[i] = u.Tokens
			} else {
				values[i] = u.Requests
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	used := make(map[string]int64, len(req.Pool.Definition))
	for i, j := range jobs {
		used[j.entry] += values[i]
	}
	return used, nil
}
