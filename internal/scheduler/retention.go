// Package scheduler runs the periodic maintenance jobs.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/shard"
)

// RetentionScheduler expires shards past the configured age on a cron
// schedule.
type RetentionScheduler struct {
	engine   *shard.Engine
	database *db.DB
	schedule string
	maxAgeS  int64
	cron     *cron.Cron
	running  bool
	mu       sync.Mutex
	logger   zerolog.Logger
}

// RetentionConfig holds configuration for the retention scheduler.
type RetentionConfig struct {
	Engine   *shard.Engine
	Database *db.DB
	Schedule string // cron schedule (e.g. "0 3 * * *" = 3am daily)
	MaxAgeS  int64  // retention horizon in seconds
	Logger   zerolog.Logger
}

// NewRetentionScheduler validates the schedule and builds the scheduler.
func NewRetentionScheduler(cfg RetentionConfig) (*RetentionScheduler, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, err
	}

	s := &RetentionScheduler{
		engine:   cfg.Engine,
		database: cfg.Database,
		schedule: schedule,
		maxAgeS:  cfg.MaxAgeS,
		logger:   cfg.Logger.With().Str("component", "retention-scheduler").Logger(),
	}

	s.logger.Info().
		Str("schedule", schedule).
		Int64("max_age_s", cfg.MaxAgeS).
		Msg("Retention scheduler initialized")

	return s, nil
}

// Start begins scheduled execution.
func (s *RetentionScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true
	return nil
}

// sweep removes shards older than the horizon.
func (s *RetentionScheduler) sweep() {
	if s.maxAgeS <= 0 {
		return
	}
	horizon := (time.Now().Unix() - s.maxAgeS) * s.database.Precision.Factor()

	// The engine is only touched under the database apply locks.
	var (
		removed int
		err     error
	)
	s.database.WithApplyLock(func() {
		removed, err = s.engine.Expire(horizon)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Retention sweep completed")
	}
}

// Close stops scheduled execution.
func (s *RetentionScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	return nil
}
