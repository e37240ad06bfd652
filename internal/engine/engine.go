package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/classify"
	"github.com/roach88/pxarchive/internal/retry"
	"github.com/roach88/pxarchive/internal/source"
	"github.com/roach88/pxarchive/internal/store"
)

// DefaultDriftGap is the pause between two existence checks of the drift
// pass. The source has no batch lookup.
const DefaultDriftGap = 2800 * time.Millisecond

// Mode selects when a walk ends.
type Mode int

const (
	// ModeFull walks the whole window.
	ModeFull Mode = iota
	// ModeCatchUp stops at the first already archived item once every
	// pending item has been rediscovered.
	ModeCatchUp
)

func (m Mode) String() string {
	if m == ModeCatchUp {
		return "catchup"
	}
	return "full"
}

// ParseMode accepts "full" and "catchup".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "full":
		return ModeFull, nil
	case "catchup":
		return ModeCatchUp, nil
	default:
		return 0, fmt.Errorf("unknown sync mode %q", s)
	}
}

// Plan describes one run.
type Plan struct {
	Mode   Mode
	Window source.Window
	Order  source.Order
}

// Outcome is the final status of a run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Phase names the part of a run that is executing.
type Phase string

const (
	PhaseWalk  Phase = "walk"
	PhaseDrift Phase = "drift"
)

// Progress is reported after every processed item.
type Progress struct {
	RunID     string  `json:"run_id"`
	Phase     Phase   `json:"phase"`
	Ordinal   int64   `json:"ordinal"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// ProgressFunc receives progress updates on the run goroutine.
type ProgressFunc func(Progress)

// Report summarises a finished run.
type Report struct {
	RunID       string    `json:"run_id"`
	Outcome     Outcome   `json:"outcome"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Processed   int       `json:"processed"`
	New         int       `json:"new"`
	Reuploaded  int       `json:"reuploaded"`
	Updated     int       `json:"updated"`
	Unchanged   int       `json:"unchanged"`
	Flipped     int       `json:"flipped"`
	Checked     int       `json:"checked"`
	Failed      int       `json:"failed"`
	Drift       int       `json:"drift"`
	LastOrdinal int64     `json:"last_ordinal"`
	Error       string    `json:"error,omitempty"`
}

// Source is the bookmark collection with per-item existence checks.
type Source interface {
	source.Collection
	source.ExistenceChecker
}

// Linker writes records to the archive. Implemented by *archive.Linker.
type Linker interface {
	PublishNew(ctx context.Context, rec artwork.Record) (artwork.Record, error)
	UpdateExisting(ctx context.Context, rec artwork.Record, verdict classify.Verdict) (artwork.Record, error)
	ReplaceFiles(ctx context.Context, rec artwork.Record) (artwork.Record, error)
}

// Catalog is the batched ordinal index. Implemented by *archive.Catalog.
type Catalog interface {
	Due(ordinal int64) bool
	Append(ctx context.Context, ordinal int64, msg int) error
}

// Engine runs reconciliation passes. One Engine may serve several runs, but
// only one at a time: the registry has a single writer.
type Engine struct {
	store    *store.Store
	src      Source
	linker   Linker
	catalog  Catalog
	runIDs   RunIDGenerator
	pageSize int
	driftGap time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCatalog enables catalog maintenance.
func WithCatalog(c Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithPageSize fixes the walker page size. Zero derives it from the
// collection size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		e.pageSize = n
	}
}

// WithDriftGap sets the pause between drift checks.
func WithDriftGap(d time.Duration) Option {
	return func(e *Engine) {
		e.driftGap = d
	}
}

// WithSleep replaces the pause function.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// WithRunIDs sets the run id generator.
func WithRunIDs(g RunIDGenerator) Option {
	return func(e *Engine) {
		e.runIDs = g
	}
}

// WithNow sets the wall clock used for report timestamps.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine.
func New(st *store.Store, src Source, linker Linker, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		src:      src,
		linker:   linker,
		runIDs:   UUIDv7Generator{},
		driftGap: DefaultDriftGap,
		sleep:    retry.Wait,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewRunID allocates a run id from the engine's generator.
func (e *Engine) NewRunID() string {
	return e.runIDs.Generate()
}

type flip struct {
	id     string
	exists bool
}

// run is the state of one Run call.
type run struct {
	e        *Engine
	plan     Plan
	progress ProgressFunc
	report   Report

	clock   *OrdinalClock
	known   map[string]artwork.Record
	pending map[string]bool
	retries []store.PendingItem
	seen    map[string]bool
	flips   []flip
	total   int
	current int64
}

// Run executes plan with a fresh run id. See RunWithID.
func (e *Engine) Run(ctx context.Context, plan Plan, progress ProgressFunc) (Report, error) {
	return e.RunWithID(ctx, e.NewRunID(), plan, progress)
}

// RunWithID executes plan and returns its report.
//
// Cancelling ctx ends the run after the item in flight with outcome
// Cancelled and a nil error. Every processed item is already committed at
// that point. A registry failure or a listing that stays unavailable ends
// the run with outcome Failed and the cause.
func (e *Engine) RunWithID(ctx context.Context, runID string, plan Plan, progress ProgressFunc) (Report, error) {
	r := &run{
		e:        e,
		plan:     plan,
		progress: progress,
		pending:  make(map[string]bool),
		seen:     make(map[string]bool),
		report:   Report{RunID: runID, StartedAt: e.now()},
	}
	// Work started for an item is never cut off by cancellation.
	work := context.WithoutCancel(ctx)

	e.logger.Info("sync run starting",
		"run_id", runID,
		"mode", plan.Mode.String(),
		"order", plan.Order.String(),
		"start", plan.Window.Start,
		"end", plan.Window.End)

	completed, err := r.execute(ctx, work)
	if err == nil || (ctx.Err() != nil && !store.IsPersistenceError(err)) {
		derr := r.detectDrift(ctx, work, err == nil && completed)
		if derr != nil && (err == nil || store.IsPersistenceError(derr)) {
			err = derr
		}
	}
	return r.finish(ctx, err)
}

func (r *run) execute(ctx, work context.Context) (bool, error) {
	if err := r.prepare(work); err != nil {
		return false, err
	}
	if err := r.retryPending(work); err != nil {
		return false, err
	}
	return r.walk(ctx, work)
}

func (r *run) finish(ctx context.Context, err error) (Report, error) {
	rep := &r.report
	rep.FinishedAt = r.e.now()
	if r.clock != nil {
		rep.LastOrdinal = r.clock.Current()
	}

	switch {
	case err == nil:
		rep.Outcome = OutcomeCompleted
	case ctx.Err() != nil && !store.IsPersistenceError(err):
		rep.Outcome = OutcomeCancelled
		err = nil
	default:
		rep.Outcome = OutcomeFailed
		rep.Error = err.Error()
	}

	r.e.logger.Info("sync run finished",
		"run_id", rep.RunID,
		"outcome", string(rep.Outcome),
		"processed", rep.Processed,
		"new", rep.New,
		"reuploaded", rep.Reuploaded,
		"updated", rep.Updated,
		"flipped", rep.Flipped,
		"failed", rep.Failed,
		"drift", rep.Drift,
		"last_ordinal", rep.LastOrdinal,
		"duration", rep.FinishedAt.Sub(rep.StartedAt))
	if err != nil {
		r.e.logger.Error("sync run failed", "run_id", rep.RunID, "error", err)
	}
	return *rep, err
}

// prepare snapshots the registry: the ordinal counter, the known records
// and the pending ids.
func (r *run) prepare(ctx context.Context) error {
	last, err := r.e.store.LastOrdinal(ctx)
	if err != nil {
		return err
	}
	r.clock = NewOrdinalClock(last)
	r.current = last

	records, err := r.e.store.Records(ctx)
	if err != nil {
		return err
	}
	r.known = make(map[string]artwork.Record, len(records))
	for _, rec := range records {
		r.known[rec.ID] = rec
	}

	pending, err := r.e.store.Pending(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		switch p.Stage {
		case store.StagePublish:
			r.pending[p.ID] = true
		case store.StageUpdate, store.StageCatalog:
			r.retries = append(r.retries, p)
		}
	}
	return nil
}

// retryPending re-renders captions and catalog entries that failed in an
// earlier run. Publish failures are retried when the walk rediscovers them.
func (r *run) retryPending(ctx context.Context) error {
	for _, p := range r.retries {
		id, stage := p.ID, p.Stage
		rec, ok := r.known[id]
		if !ok {
			if err := r.e.store.ClearPending(ctx, id, stage); err != nil {
				return err
			}
			continue
		}

		var err error
		switch stage {
		case store.StageUpdate:
			_, err = r.e.linker.UpdateExisting(ctx, rec, classify.Unchanged)
		case store.StageCatalog:
			if r.e.catalog != nil && rec.Links.Published() {
				err = r.e.catalog.Append(ctx, rec.Ordinal, rec.Links.Broadcast)
			}
		}
		if err != nil {
			if perr := r.itemFailed(ctx, newItemError(id, rec.Ordinal, stage, err)); perr != nil {
				return perr
			}
			continue
		}
		if err := r.e.store.ClearPending(ctx, id, stage); err != nil {
			return err
		}
		r.e.logger.Info("pending item recovered", "id", id, "stage", string(stage))
	}
	return nil
}

// walk processes the window. A catch-up walk always pages newest first so
// that it can stop at the first archived item; with OldestFirst the items it
// collected are then processed oldest first, keeping ordinals in bookmark
// order.
func (r *run) walk(ctx, work context.Context) (bool, error) {
	order := r.plan.Order
	var stop func(source.RawItem) bool
	if r.plan.Mode == ModeCatchUp {
		order = source.NewestFirst
		stop = func(item source.RawItem) bool {
			_, known := r.known[item.ID]
			return known && len(r.pending) == 0
		}
	}

	walker := source.NewWalker(r.e.src, r.e.pageSize, source.WithLogger(r.e.logger))
	cursor := walker.Walk(r.plan.Window, order, stop)
	defer func() { r.report.Drift = cursor.Drift() }()

	if order != r.plan.Order {
		items, err := r.collect(ctx, cursor)
		if err != nil {
			return false, err
		}
		r.total = len(items)
		for i := len(items) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			if err := r.step(work, items[i]); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		item, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("walk collection: %w", err)
		}
		r.total = cursor.Total()
		if err := r.step(work, item); err != nil {
			return false, err
		}
	}
}

// collect drains cursor. Collected items count as rediscovered, so the
// catch-up stop can fire once every pending item has come up.
func (r *run) collect(ctx context.Context, cursor *source.Cursor) ([]source.RawItem, error) {
	var items []source.RawItem
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("walk collection: %w", err)
		}
		delete(r.pending, item.ID)
		items = append(items, item)
	}
}

// step processes one item and parks it if it fails. Only run-level errors
// are returned.
func (r *run) step(ctx context.Context, item source.RawItem) error {
	if err := r.process(ctx, item); err != nil {
		if !IsItemError(err) {
			return err
		}
		if err := r.itemFailed(ctx, err); err != nil {
			return err
		}
	}
	r.report.Processed++
	r.emit(PhaseWalk, r.report.Processed, r.total)
	return nil
}

func (r *run) emit(phase Phase, done, total int) {
	if r.progress == nil {
		return
	}
	pct := 0.0
	if total > 0 {
		pct = min(100, float64(done)*100/float64(total))
	}
	r.progress(Progress{
		RunID:     r.report.RunID,
		Phase:     phase,
		Ordinal:   r.current,
		Processed: done,
		Total:     total,
		Percent:   pct,
	})
}

// process classifies one listing entry and applies the verdict.
func (r *run) process(ctx context.Context, item source.RawItem) error {
	delete(r.pending, item.ID)
	r.seen[item.ID] = true

	rec, found, err := r.e.store.Lookup(ctx, item.ID)
	if err != nil {
		return err
	}
	var existing *artwork.Record
	if found {
		existing = &rec
		r.current = rec.Ordinal
	}

	verdict := classify.Classify(item, existing)
	r.e.logger.Debug("item classified", "id", item.ID, "verdict", verdict.String())

	switch verdict {
	case classify.New:
		return r.publish(ctx, item)
	case classify.Reupload, classify.MetadataOnly:
		return r.update(ctx, item, rec, verdict)
	default:
		r.report.Unchanged++
		if classify.ExistenceFlip(item, rec) {
			r.flips = append(r.flips, flip{id: rec.ID, exists: item.Available()})
		}
		return nil
	}
}

func (r *run) publish(ctx context.Context, item source.RawItem) error {
	ordinal := r.clock.Peek()
	rec := artwork.Record{
		ID:        item.ID,
		Ordinal:   ordinal,
		Kind:      item.Kind,
		Existence: item.Available(),
		Meta:      item.Meta(),
	}
	if rec.Existence {
		rec.Version = 1
	}

	published, err := r.e.linker.PublishNew(ctx, rec)
	if err != nil {
		return newItemError(item.ID, ordinal, store.StagePublish, err)
	}
	if err := r.e.commitNew(ctx, published); err != nil {
		return err
	}
	r.clock.Advance(ordinal)
	r.current = ordinal
	r.report.New++
	r.e.logger.Info("record archived", "id", published.ID, "ordinal", ordinal, "broadcast", published.Links.Broadcast)
	return nil
}

func (r *run) update(ctx context.Context, item source.RawItem, rec artwork.Record, verdict classify.Verdict) error {
	next := rec.Clone()
	next.Kind = item.Kind
	next.Meta = item.Meta()
	next.Existence = item.Available()

	out, err := r.e.linker.UpdateExisting(ctx, next, verdict)
	if err != nil {
		return newItemError(item.ID, rec.Ordinal, store.StageUpdate, err)
	}
	if err := r.e.store.Commit(ctx, out); err != nil {
		return err
	}

	if verdict == classify.Reupload {
		r.report.Reuploaded++
	} else {
		r.report.Updated++
	}
	if rec.Existence != out.Existence {
		r.report.Flipped++
	}
	r.e.logger.Info("record updated", "id", out.ID, "ordinal", out.Ordinal, "verdict", verdict.String(), "version", out.Version)
	return nil
}

// itemFailed parks an item-level failure for the next run. Only registry
// failures are returned.
func (r *run) itemFailed(ctx context.Context, err error) error {
	var ie *ItemError
	if !errors.As(err, &ie) {
		return err
	}
	r.report.Failed++
	r.e.logger.Warn("item failed",
		"id", ie.ItemID,
		"ordinal", ie.Ordinal,
		"code", string(ie.Code),
		"stage", string(ie.Stage),
		"error", ie.Err)
	return r.e.store.MarkPending(ctx, ie.ItemID, ie.Stage, ie.Err)
}

// commitNew commits a freshly published record and appends its catalog
// entry when due. Catalog failures are parked; only registry failures are
// returned.
func (e *Engine) commitNew(ctx context.Context, rec artwork.Record) error {
	if err := e.store.Commit(ctx, rec); err != nil {
		e.logger.Error("commit after publish failed",
			"id", rec.ID,
			"ordinal", rec.Ordinal,
			"broadcast", rec.Links.Broadcast,
			"error", err)
		return err
	}
	if e.catalog == nil || !e.catalog.Due(rec.Ordinal) || !rec.Links.Published() {
		return nil
	}
	if err := e.catalog.Append(ctx, rec.Ordinal, rec.Links.Broadcast); err != nil {
		e.logger.Warn("catalog append failed", "ordinal", rec.Ordinal, "error", err)
		return e.store.MarkPending(ctx, rec.ID, store.StageCatalog, err)
	}
	return nil
}
