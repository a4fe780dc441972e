package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// RunSweep runs Presence.Sweep whenever the cron expression is due, checked once per
// minute, until ctx is done.
func (p *Presence) RunSweep(ctx context.Context, expr string) error {
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return fmt.Errorf("presence sweep: invalid cron expression %q", expr)
	}
	p.log.Info().Str("schedule", expr).Msg("presence sweep scheduled")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			due, err := gron.IsDue(expr, now.Truncate(time.Minute))
			if err != nil || !due {
				continue
			}
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := p.Sweep(sweepCtx)
			cancel()
			if err != nil {
				p.log.Error().Err(err).Msg("presence sweep")
				continue
			}
			if n > 0 {
				p.log.Info().Int("reconciled", n).Msg("presence sweep")
			}
		}
	}
}
