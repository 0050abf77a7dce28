// Package retention prunes stored sessions past their retention window on a
// recurring schedule.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pulselink/internal/domain"
)

// Config holds the pruning policy.
type Config struct {
	Schedule string        // cron expression "0 3 * * *" OR duration "24h"
	MaxAge   time.Duration // sessions older than this are removed
	Timeout  time.Duration // budget for one pruning run (default: 1m)
}

// Janitor deletes sessions older than the retention window.
type Janitor struct {
	config Config
	store  domain.SessionStore
	bus    domain.EventBus
	logger *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Janitor. Call Start to begin scheduling runs.
func New(cfg Config, store domain.SessionStore, bus domain.EventBus, logger *slog.Logger) (*Janitor, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention: max age must be positive, got %s", cfg.MaxAge)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	j := &Janitor{
		config: cfg,
		store:  store,
		bus:    bus,
		logger: logger,
		cron:   cron.New(),
	}
	schedule, err := parseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retention: invalid schedule %q: %w", cfg.Schedule, err)
	}
	j.cron.Schedule(schedule, cron.FuncJob(j.run))
	return j, nil
}

// Start begins running the pruning schedule.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		return nil
	}
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.cron.Start()
	j.started = true
	return nil
}

// Stop halts scheduling and waits for a running prune to finish.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return nil
	}
	if j.cancel != nil {
		j.cancel()
	}
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	j.started = false
	return nil
}

func (j *Janitor) run() {
	j.mu.Lock()
	ctx := j.ctx
	j.mu.Unlock()

	if ctx == nil {
		j.logger.Debug("janitor stopped, skipping prune")
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	if _, err := j.Prune(runCtx); err != nil {
		j.logger.Warn("pruning sessions failed", "error", err)
	}
}

// Prune removes sessions started before now minus the retention window and
// reports how many were removed. It can be invoked directly for an on-demand
// sweep.
func (j *Janitor) Prune(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-j.config.MaxAge)
	start := time.Now()
	removed, err := j.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, domain.WrapOp("Janitor.Prune", err)
	}
	if removed > 0 {
		payload, _ := json.Marshal(map[string]any{
			"removed": removed,
			"cutoff":  cutoff,
		})
		j.bus.Publish(ctx, domain.Event{
			Type:      domain.EventSessionsPruned,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
	j.logger.Info("retention sweep completed",
		"removed", removed,
		"cutoff", cutoff.Format(time.RFC3339),
		"duration", time.Since(start))
	return removed, nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay{delay: dur}, nil
}

// constantDelay schedules runs at a fixed interval.
type constantDelay struct {
	delay time.Duration
}

func (c constantDelay) Next(t time.Time) time.Time {
	return t.Add(c.delay)
}
