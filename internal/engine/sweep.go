package engine

import (
	"context"
	"fmt"
	"time"
)

type SweepResult struct {
	Expired int64 `json:"expired"`
	Purged  int64 `json:"purged"`
}

// Sweep expires overdue pending drafts and purges terminal drafts older than
// the retention window. Both steps are idempotent and only touch rows that
// already qualify, so a concurrent terminal action either lands first or
// finds the draft expired.
func (e Engine) Sweep(ctx context.Context) (SweepResult, error) {
	now := e.now()
	start := time.Now()
	var res SweepResult
	expired, err := e.Repo.ExpireOverdue(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire overdue drafts: %w", err)
	}
	res.Expired = expired
	purged, err := e.Repo.PurgeTerminal(ctx, now.Add(-e.cfg().Drafts.Retention))
	if err != nil {
		return res, fmt.Errorf("purge terminal drafts: %w", err)
	}
	res.Purged = purged
	e.log().Info("sweep.done",
		"expired", res.Expired,
		"purged", res.Purged,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}
