package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs the pruner on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	log     zerolog.Logger
	timeout time.Duration
}

// NewScheduler validates spec (standard five-field syntax or a descriptor
// such as "@daily") and registers the prune job.
func NewScheduler(spec string, pruner *Pruner, log zerolog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		cron:    cron.New(),
		log:     log.With().Str("component", "maintenance").Logger(),
		timeout: 5 * time.Minute,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.runPrune(pruner) }); err != nil {
		return nil, fmt.Errorf("schedule prune: %w", err)
	}
	return s, nil
}

func (s *Scheduler) runPrune(pruner *Pruner) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	pruned, err := pruner.PruneStaleOverrides(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("prune stale overrides")
		return
	}
	s.log.Info().Int("pruned", len(pruned)).Msg("prune stale overrides finished")
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
