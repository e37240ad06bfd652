package controller

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Job is a task that fires once per matching day at Hour:Minute.
type Job struct {
	Name string
	// Weekdays restricts the job to those days; empty means every day.
	Weekdays []time.Weekday
	Hour     int
	Minute   int
	Run      func(ctx context.Context)
}

// TriggerConfig holds the cron trigger settings.
type TriggerConfig struct {
	Location      *time.Location
	CheckInterval time.Duration
	Now           func() time.Time
}

// DefaultTriggerConfig checks every 30 seconds in local time.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Location:      time.Local,
		CheckInterval: 30 * time.Second,
		Now:           time.Now,
	}
}

// Trigger fires jobs at their configured wall-clock time.
type Trigger struct {
	config TriggerConfig
	jobs   []Job
	logger *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	lastRun   map[string]string // job name -> date it last fired
}

// NewTrigger creates a trigger for jobs.
func NewTrigger(config TriggerConfig, logger *slog.Logger, jobs ...Job) *Trigger {
	def := DefaultTriggerConfig()
	if config.Location == nil {
		config.Location = def.Location
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		config:  config,
		jobs:    jobs,
		logger:  logger,
		lastRun: make(map[string]string),
	}
}

// Start starts the check loop.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.isRunning {
		t.mu.Unlock()
		return nil
	}
	t.isRunning = true
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.runLoop(ctx)

	for _, j := range t.jobs {
		t.logger.Info("job scheduled",
			"job", j.Name,
			"at", fmt.Sprintf("%02d:%02d", j.Hour, j.Minute),
			"days", weekdayNames(j.Weekdays),
			"location", t.config.Location.String())
	}
	return nil
}

// Stop stops the loop and waits for a firing job to return.
func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.isRunning {
		t.mu.Unlock()
		return nil
	}
	t.isRunning = false
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trigger) runLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}

// Check fires every job whose time is now and that has not fired today. It
// returns the names of the fired jobs.
func (t *Trigger) Check(ctx context.Context) []string {
	now := t.config.Now().In(t.config.Location)
	date := now.Format("2006-01-02")

	var fired []string
	for _, j := range t.jobs {
		if len(j.Weekdays) > 0 && !slices.Contains(j.Weekdays, now.Weekday()) {
			continue
		}
		if now.Hour() != j.Hour || now.Minute() != j.Minute {
			continue
		}

		t.mu.Lock()
		if t.lastRun[j.Name] == date {
			t.mu.Unlock()
			continue
		}
		t.lastRun[j.Name] = date
		t.mu.Unlock()

		t.logger.Info("job firing", "job", j.Name, "date", date)
		j.Run(ctx)
		fired = append(fired, j.Name)
	}
	return fired
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	at, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return at.Hour(), at.Minute(), nil
}

// ParseWeekday accepts English day names in any case, "mon" or "monday".
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func weekdayNames(days []time.Weekday) string {
	if len(days) == 0 {
		return "daily"
	}
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = d.String()
	}
	return strings.Join(names, ",")
}
