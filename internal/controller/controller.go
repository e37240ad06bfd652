// Package controller owns the lifecycle of sync runs: at most one run per
// kind, manual runs preempting scheduled ones, a journal row per run and a
// status view for the CLI and the HTTP API.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/pxarchive/internal/engine"
	"github.com/roach88/pxarchive/internal/store"
)

// Kind names a sync trigger.
type Kind string

const (
	KindScheduled Kind = "scheduled"
	KindManual    Kind = "manual"
)

// Kinds lists every kind in status order.
var Kinds = []Kind{KindScheduled, KindManual}

// ParseKind accepts "scheduled" and "manual".
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// State is the lifecycle state of one kind.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

var (
	// ErrBusy is returned when a run of the kind is already active, or a
	// scheduled run is requested while a manual one is active.
	ErrBusy = errors.New("sync busy")
	// ErrNotRunning is returned by Cancel when the kind is idle.
	ErrNotRunning = errors.New("sync not running")
	// ErrUnknownKind is returned for kinds other than scheduled and manual.
	ErrUnknownKind = errors.New("unknown sync kind")
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("controller shut down")
)

// Runner executes one sync. Implemented by *engine.Engine.
type Runner interface {
	NewRunID() string
	RunWithID(ctx context.Context, runID string, plan engine.Plan, progress engine.ProgressFunc) (engine.Report, error)
}

// Journal persists run rows. Implemented by *store.Store.
type Journal interface {
	BeginRun(ctx context.Context, run store.Run) error
	FinishRun(ctx context.Context, run store.Run) error
}

// Backuper uploads a registry snapshot. Implemented by *backup.Uploader.
type Backuper interface {
	Backup(ctx context.Context) (string, error)
}

// Status is the view of one kind.
type Status struct {
	Kind      Kind            `json:"kind"`
	State     State           `json:"state"`
	RunID     string          `json:"run_id,omitempty"`
	Plan      *PlanView       `json:"plan,omitempty"`
	Progress  engine.Progress `json:"progress"`
	Preempted bool            `json:"preempted,omitempty"`
	Last      *engine.Report  `json:"last,omitempty"`
}

// PlanView is the printable form of a plan.
type PlanView struct {
	Mode  string `json:"mode"`
	Order string `json:"order"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

func viewOf(p engine.Plan) *PlanView {
	return &PlanView{
		Mode:  p.Mode.String(),
		Order: p.Order.String(),
		Start: p.Window.Start,
		End:   p.Window.End,
	}
}

type slot struct {
	state     State
	runID     string
	plan      engine.Plan
	progress  engine.Progress
	last      *engine.Report
	cancel    context.CancelFunc
	done      chan struct{}
	preempted bool
}

// Controller serialises sync runs. It is safe for concurrent use.
type Controller struct {
	runner  Runner
	journal Journal
	backup  Backuper
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	slots  map[Kind]*slot
	closed bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithJournal records every run.
func WithJournal(j Journal) Option {
	return func(c *Controller) {
		c.journal = j
	}
}

// WithBackup uploads a snapshot after every completed scheduled run.
func WithBackup(b Backuper) Option {
	return func(c *Controller) {
		c.backup = b
	}
}

// WithNow sets the clock for journal timestamps.
func WithNow(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// New creates a Controller with every kind idle.
func New(runner Runner, opts ...Option) *Controller {
	c := &Controller{
		runner: runner,
		now:    time.Now,
		logger: slog.Default(),
		slots:  make(map[Kind]*slot, len(Kinds)),
	}
	for _, k := range Kinds {
		c.slots[k] = &slot{state: StateIdle}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches a run of kind in the background and returns its run id.
//
// A manual run cancels an active scheduled run, waits for it to stop and
// restarts it with the same plan once the manual run ends. The run is
// detached from ctx; use Cancel or Shutdown to stop it.
func (c *Controller) Start(ctx context.Context, kind Kind, plan engine.Plan) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if c.closed {
		return "", ErrClosed
	}
	if s.state == StateRunning {
		return "", fmt.Errorf("start %s sync: %w", kind, ErrBusy)
	}
	if kind == KindScheduled && c.slots[KindManual].state == StateRunning {
		return "", fmt.Errorf("start %s sync: %w", kind, ErrBusy)
	}

	var (
		wait    chan struct{}
		restart *engine.Plan
	)
	if sched := c.slots[KindScheduled]; kind == KindManual && sched.state == StateRunning {
		sched.preempted = true
		sched.cancel()
		wait = sched.done
		p := sched.plan
		restart = &p
		c.logger.Info("scheduled sync preempted", "run_id", sched.runID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runID := c.runner.NewRunID()
	*s = slot{
		state:    StateRunning,
		runID:    runID,
		plan:     plan,
		progress: engine.Progress{RunID: runID},
		last:     s.last,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go c.execute(runCtx, kind, s, runID, plan, wait, restart)
	return runID, nil
}

func (c *Controller) execute(ctx context.Context, kind Kind, s *slot, runID string, plan engine.Plan, wait <-chan struct{}, restart *engine.Plan) {
	c.mu.Lock()
	done, cancel := s.done, s.cancel
	c.mu.Unlock()
	defer cancel()

	if wait != nil {
		<-wait
	}

	started := c.now()
	c.logger.Info("sync started", "kind", string(kind), "run_id", runID, "mode", plan.Mode.String())
	if c.journal != nil {
		run := store.Run{ID: runID, Kind: string(kind), Status: string(StateRunning), StartedAt: started}
		if err := c.journal.BeginRun(context.WithoutCancel(ctx), run); err != nil {
			c.logger.Warn("journal begin failed", "run_id", runID, "error", err)
		}
	}

	logged := -1
	report, err := c.runner.RunWithID(ctx, runID, plan, func(p engine.Progress) {
		c.mu.Lock()
		if s.runID == runID {
			s.progress = p
		}
		c.mu.Unlock()
		// One line per ten percent.
		if step := int(p.Percent) / 10; step > logged {
			logged = step
			c.logger.Info("sync progress", "kind", string(kind), "run_id", runID, "phase", string(p.Phase),
				"ordinal", p.Ordinal, "processed", p.Processed, "total", p.Total,
				"percent", fmt.Sprintf("%.1f", p.Percent))
		}
	})
	state := stateOf(report.Outcome)
	if err != nil {
		state = StateFailed
		report.Outcome = engine.OutcomeFailed
		if report.Error == "" {
			report.Error = err.Error()
		}
	}

	if c.journal != nil {
		run := store.Run{
			ID:          runID,
			Kind:        string(kind),
			Status:      string(state),
			StartedAt:   started,
			FinishedAt:  c.now(),
			Processed:   report.Processed,
			LastOrdinal: report.LastOrdinal,
			Error:       report.Error,
		}
		if err := c.journal.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			c.logger.Warn("journal finish failed", "run_id", runID, "error", err)
		}
	}

	if kind == KindScheduled && state == StateCompleted && c.backup != nil {
		if key, err := c.backup.Backup(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error("registry backup failed", "run_id", runID, "error", err)
		} else {
			c.logger.Info("registry backed up", "run_id", runID, "key", key)
		}
	}

	c.mu.Lock()
	s.state = state
	s.last = &report
	s.cancel = nil
	c.mu.Unlock()
	c.logger.Info("sync ended", "kind", string(kind), "run_id", runID, "state", string(state))

	if restart != nil {
		if _, err := c.Start(context.WithoutCancel(ctx), KindScheduled, *restart); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Error("restart scheduled sync failed", "error", err)
		}
	}
	close(done)
}

func stateOf(o engine.Outcome) State {
	switch o {
	case engine.OutcomeCompleted:
		return StateCompleted
	case engine.OutcomeCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

// Cancel requests the active run of kind to stop after its current item.
func (c *Controller) Cancel(kind Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if s.state != StateRunning || s.cancel == nil {
		return fmt.Errorf("cancel %s sync: %w", kind, ErrNotRunning)
	}
	s.cancel()
	return nil
}

// Wait blocks until the current run of kind has ended. An idle kind returns
// immediately.
func (c *Controller) Wait(ctx context.Context, kind Kind) error {
	c.mu.Lock()
	s, ok := c.slots[kind]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	done := s.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the view of every kind.
func (c *Controller) Status() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(Kinds))
	for _, k := range Kinds {
		s := c.slots[k]
		st := Status{
			Kind:      k,
			State:     s.state,
			RunID:     s.runID,
			Progress:  s.progress,
			Preempted: s.preempted,
		}
		if s.state == StateRunning {
			st.Plan = viewOf(s.plan)
		}
		if s.last != nil {
			last := *s.last
			st.Last = &last
		}
		out = append(out, st)
	}
	return out
}

// Shutdown cancels every active run and waits for them to end. Later Start
// calls fail with ErrClosed.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	var waits []chan struct{}
	for _, k := range Kinds {
		s := c.slots[k]
		if s.state == StateRunning && s.cancel != nil {
			s.cancel()
		}
		if s.done != nil {
			waits = append(waits, s.done)
		}
	}
	c.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
