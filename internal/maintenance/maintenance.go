// Package maintenance runs the periodic compaction sweep: decayed violations
// and expired penalties are physically pruned, and stale counter buckets are
// dropped. The sweep is an optimization only; skipping it never changes
// moderation behavior.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "warden/pkg/logx"
)

const defaultSchedule = "*/30 * * * *"

// StateCompacter prunes decayed subject state; the pipeline implements it.
type StateCompacter interface {
	Compact(ctx context.Context) (int, error)
}

// CounterCompacter is implemented by counter backends that hold buckets in
// process memory (the redis backend expires keys by TTL instead).
type CounterCompacter interface {
	Compact(now time.Time) int
}

type Config struct {
	Schedule string // cron expression; empty means every 30 minutes
}

type Service struct {
	pipe     StateCompacter
	counters CounterCompacter
	log      logx.Logger

	c        *cron.Cron
	schedule cron.Schedule

	// running guards against overlapping sweeps when one runs longer than the
	// schedule interval.
	running sync.Mutex
}

func New(cfg Config, pipe StateCompacter, counters CounterCompacter, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = defaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", spec, err)
	}
	return &Service{
		pipe:     pipe,
		counters: counters,
		log:      log,
		c:        cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		schedule: schedule,
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	s.c.Schedule(s.schedule, cron.FuncJob(func() {
		s.RunOnce(ctx)
	}))
	s.c.Start()
	s.log.Info("maintenance started")
}

func (s *Service) Stop() {
	<-s.c.Stop().Done()
	s.log.Info("maintenance stopped")
}

// RunOnce performs one sweep. Safe to call manually; overlapping sweeps are
// skipped.
func (s *Service) RunOnce(ctx context.Context) {
	if !s.running.TryLock() {
		s.log.Debug("compaction sweep still running, skipping")
		return
	}
	defer s.running.Unlock()

	start := time.Now()
	subjects, err := s.pipe.Compact(ctx)
	if err != nil {
		s.log.Warn("state compaction failed", logx.Err(err))
	}
	buckets := 0
	if s.counters != nil {
		buckets = s.counters.Compact(time.Now())
	}
	s.log.Info("compaction sweep done",
		logx.Int("subjects", subjects),
		logx.Int("counter_buckets", buckets),
		logx.Duration("took", time.Since(start)))
}
