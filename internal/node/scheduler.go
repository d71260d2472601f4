package node

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// SyncScheduler periodically reconciles every stored channel with its
// counterparty.
type SyncScheduler struct {
	scheduler gocron.Scheduler
	node      *Node
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewSyncScheduler runs SyncAll every interval. Each pass is bounded by the
// interval itself so a slow peer cannot pile up passes.
func NewSyncScheduler(n *Node, interval time.Duration, logger zerolog.Logger) (*SyncScheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive")
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	out := &SyncScheduler{
		scheduler: s,
		node:      n,
		timeout:   interval,
		logger:    logger.With().Str("service", "sync_scheduler").Logger(),
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(out.run),
		gocron.WithName("channel-sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("schedule sync: %w", err)
	}
	return out, nil
}

func (s *SyncScheduler) Start() {
	s.logger.Info().Msg("starting periodic sync")
	s.scheduler.Start()
}

func (s *SyncScheduler) Stop() error {
	return s.scheduler.Shutdown()
}

func (s *SyncScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	if err := s.node.SyncAll(ctx); err != nil {
		s.logger.Warn().Err(err).Dur("took", time.Since(start)).Msg("periodic sync incomplete")
		return
	}
	s.logger.Debug().Dur("took", time.Since(start)).Msg("periodic sync done")
}
