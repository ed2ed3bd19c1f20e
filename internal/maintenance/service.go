package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"tgfleet/internal/jobs"
	logx "tgfleet/pkg/logx"
)

const (
	defaultSchedule = "@hourly"
	// Keep terminal job memory and the persisted snapshot bounded. Jobs can
	// be created frequently and keeping all records forever steadily
	// retains disk and memory.
	defaultLogRetention = 24 * time.Hour
	defaultJobTTL       = 7 * 24 * time.Hour
	defaultMaxTerminal  = 200
)

type Config struct {
	Schedule string
	// LogRetention is how long a terminal job keeps its log entries.
	LogRetention time.Duration
	// JobTTL is how long terminal job records are retained at all.
	JobTTL time.Duration
	// MaxTerminalJobs caps retained terminal records, oldest evicted first.
	MaxTerminalJobs int
}

// Service is the periodic janitor for terminal jobs: old logs are dropped
// first, then whole records past their retention. Running jobs are never
// touched.
type Service struct {
	cfg Config
	mgr *jobs.Manager
	log logx.Logger

	c *cron.Cron
}

func New(cfg Config, mgr *jobs.Manager, log logx.Logger) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = defaultLogRetention
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = defaultJobTTL
	}
	if cfg.MaxTerminalJobs <= 0 {
		cfg.MaxTerminalJobs = defaultMaxTerminal
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, mgr: mgr, log: log}
}

func (s *Service) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, s.runOnce); err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("maintenance started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) runOnce() {
	start := time.Now()

	cleared, err := s.mgr.ClearLogsBefore(start.Add(-s.cfg.LogRetention))
	if err != nil {
		s.log.Warn("log retention sweep failed", logx.Err(err))
	}
	pruned, err := s.mgr.PruneTerminal(s.cfg.JobTTL, s.cfg.MaxTerminalJobs)
	if err != nil {
		s.log.Warn("job prune failed", logx.Err(err))
	}

	if cleared > 0 || pruned > 0 {
		s.log.Info("maintenance sweep",
			logx.Int("log_entries_cleared", cleared),
			logx.Int("jobs_pruned", pruned),
			logx.Duration("dur", time.Since(start)))
	}
}
