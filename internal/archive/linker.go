package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/classify"
	"github.com/roach88/pxarchive/internal/retry"
)

// Forward-probe defaults. The backend mirrors a broadcast message into the
// discussion group asynchronously, usually within a few ids of the marker.
const (
	DefaultProbeWindow = 4
	DefaultProbeRounds = 5
	DefaultProbeGap    = 2800 * time.Millisecond
)

// Targets names the two archive chats.
type Targets struct {
	Broadcast  ChatID
	Discussion ChatID
}

// Linker performs the two-target write of one record.
type Linker struct {
	api     API
	media   Media
	targets Targets
	caption CaptionFunc
	logger  *slog.Logger

	probeWindow int
	probeRounds int
	probeGap    time.Duration
	callGap     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// LinkerOption configures a Linker.
type LinkerOption func(*Linker)

// WithCaption replaces DefaultCaption.
func WithCaption(f CaptionFunc) LinkerOption {
	return func(l *Linker) {
		l.caption = f
	}
}

// WithProbe sets the forward-probe window size, round count and the pause
// before every round. Non-positive values keep the defaults.
func WithProbe(window, rounds int, gap time.Duration) LinkerOption {
	return func(l *Linker) {
		if window > 0 {
			l.probeWindow = window
		}
		if rounds > 0 {
			l.probeRounds = rounds
		}
		if gap > 0 {
			l.probeGap = gap
		}
	}
}

// WithCallGap sets the pause between consecutive companion uploads.
func WithCallGap(d time.Duration) LinkerOption {
	return func(l *Linker) {
		l.callGap = d
	}
}

// WithSleep replaces the pause function.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) LinkerOption {
	return func(l *Linker) {
		l.sleep = sleep
	}
}

// WithLinkerLogger sets the logger.
func WithLinkerLogger(logger *slog.Logger) LinkerOption {
	return func(l *Linker) {
		l.logger = logger
	}
}

// NewLinker creates a linker writing to targets.
func NewLinker(api API, media Media, targets Targets, opts ...LinkerOption) *Linker {
	l := &Linker{
		api:         api,
		media:       media,
		targets:     targets,
		caption:     DefaultCaption,
		logger:      slog.Default(),
		probeWindow: DefaultProbeWindow,
		probeRounds: DefaultProbeRounds,
		probeGap:    DefaultProbeGap,
		sleep:       retry.Wait,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Caption renders rec with the configured caption function.
func (l *Linker) Caption(rec artwork.Record) string {
	return l.caption(rec)
}

// PublishNew archives a record that has no messages yet and returns it with
// its links set. Available records without page files are acquired at their
// version (1 if unset) first.
//
// The broadcast message is kept only when its discussion mirror was found
// and every page was uploaded; otherwise it is deleted and the record is
// returned unchanged with the error.
func (l *Linker) PublishNew(ctx context.Context, rec artwork.Record) (artwork.Record, error) {
	// One item is never abandoned halfway; cancellation is observed by the
	// caller between items.
	ctx = context.WithoutCancel(ctx)
	out := rec.Clone()

	if out.Existence && len(out.PageFiles) == 0 {
		version := max(1, out.Version)
		files, err := l.media.Acquire(ctx, out, version)
		if err != nil {
			return rec, &MediaError{ID: rec.ID, Err: err}
		}
		out.PageFiles = files
		out.Version = version
	}
	cover, err := l.media.Cover(ctx, out)
	if err != nil {
		return rec, &MediaError{ID: rec.ID, Err: err}
	}

	watermark, err := l.api.ProbeWatermark(ctx, l.targets.Discussion)
	if err != nil {
		return rec, &WriteError{Op: "probe watermark", Chat: l.targets.Discussion, Err: err}
	}

	broadcast, err := l.api.SendCover(ctx, l.targets.Broadcast, cover, l.caption(out))
	if err != nil {
		return rec, &WriteError{Op: "send cover", Chat: l.targets.Broadcast, Err: err}
	}

	discussion, err := l.resolve(ctx, watermark, broadcast)
	if err != nil {
		return rec, l.rollback(ctx, broadcast, err)
	}

	if err := l.api.UnpinAll(ctx, l.targets.Discussion); err != nil {
		l.logger.Warn("unpin discussion failed", "id", rec.ID, "error", err)
	}

	companions, err := l.upload(ctx, discussion, out.PageFiles)
	if err != nil {
		return rec, l.rollback(ctx, broadcast, err)
	}

	out.Links = artwork.Links{Broadcast: broadcast, Discussion: discussion, Companions: companions}
	l.logger.Info("record published",
		"id", out.ID,
		"ordinal", out.Ordinal,
		"broadcast", broadcast,
		"discussion", discussion,
		"files", len(companions))
	return out, nil
}

// UpdateExisting applies verdict to a published record. MetadataOnly and
// Unchanged re-render the caption in place; Reupload re-acquires the pages
// under the next version, replaces the cover and uploads the new pages
// under the existing discussion message. Old companions stay in the group.
//
// A record that was never published only has its files refreshed.
func (l *Linker) UpdateExisting(ctx context.Context, rec artwork.Record, verdict classify.Verdict) (artwork.Record, error) {
	ctx = context.WithoutCancel(ctx)
	out := rec.Clone()

	if verdict == classify.Reupload && out.Existence {
		version := out.Version + 1
		files, err := l.media.Acquire(ctx, out, version)
		if err != nil {
			return rec, &MediaError{ID: rec.ID, Err: err}
		}
		out.PageFiles = files
		out.Version = version
	}

	if !out.Links.Published() {
		return out, nil
	}
	broadcast := out.Links.Broadcast

	if verdict != classify.Reupload || !out.Existence {
		if err := l.api.EditCaption(ctx, l.targets.Broadcast, broadcast, l.caption(out)); err != nil {
			return rec, &WriteError{Op: "edit caption", Chat: l.targets.Broadcast, Message: broadcast, Err: err}
		}
		return out, nil
	}

	return l.replaceFiles(ctx, rec, out)
}

// ReplaceFiles publishes the page files rec already carries as the new file
// set of a published record: the cover is replaced and the files are
// uploaded under the existing discussion message.
func (l *Linker) ReplaceFiles(ctx context.Context, rec artwork.Record) (artwork.Record, error) {
	ctx = context.WithoutCancel(ctx)
	out := rec.Clone()
	if !out.Links.Published() {
		return out, nil
	}
	return l.replaceFiles(ctx, rec, out)
}

func (l *Linker) replaceFiles(ctx context.Context, rec, out artwork.Record) (artwork.Record, error) {
	broadcast := out.Links.Broadcast
	cover, err := l.media.Cover(ctx, out)
	if err != nil {
		return rec, &MediaError{ID: rec.ID, Err: err}
	}
	if err := l.api.EditCover(ctx, l.targets.Broadcast, broadcast, cover, l.caption(out)); err != nil {
		return rec, &WriteError{Op: "edit cover", Chat: l.targets.Broadcast, Message: broadcast, Err: err}
	}

	companions, err := l.upload(ctx, out.Links.Discussion, out.PageFiles)
	if err != nil {
		return rec, err
	}
	out.Links.Companions = companions
	l.logger.Info("record files replaced", "id", out.ID, "ordinal", out.Ordinal, "version", out.Version)
	return out, nil
}

// resolve scans the ids after watermark for the discussion message that
// mirrors broadcast. The mirror may land behind unrelated messages, so the
// whole window is scanned every round.
func (l *Linker) resolve(ctx context.Context, watermark, broadcast int) (int, error) {
	want := Origin{Chat: l.targets.Broadcast, Message: broadcast}
	for round := 1; round <= l.probeRounds; round++ {
		if err := l.sleep(ctx, l.probeGap); err != nil {
			return 0, err
		}
		for id := watermark + 1; id <= watermark+l.probeWindow; id++ {
			origin, err := l.api.ResolveForwardOrigin(ctx, l.targets.Discussion, id)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					l.logger.Debug("probe lookup failed", "message", id, "error", err)
				}
				continue
			}
			if origin == want {
				return id, nil
			}
		}
		l.logger.Debug("discussion mirror not visible yet", "broadcast", broadcast, "round", round)
	}
	return 0, fmt.Errorf("%w: broadcast %d, ids %d..%d, %d rounds",
		ErrLinkNotFound, broadcast, watermark+1, watermark+l.probeWindow, l.probeRounds)
}

func (l *Linker) upload(ctx context.Context, threadRoot int, files []string) ([]int, error) {
	ids := make([]int, 0, len(files))
	for i, name := range files {
		if i > 0 && l.callGap > 0 {
			if err := l.sleep(ctx, l.callGap); err != nil {
				return nil, err
			}
		}
		id, err := l.api.SendFile(ctx, l.targets.Discussion, threadRoot, l.media.File(name))
		if err != nil {
			return nil, &WriteError{Op: "send file " + name, Chat: l.targets.Discussion, Message: threadRoot, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// rollback deletes the broadcast message of a failed publish.
func (l *Linker) rollback(ctx context.Context, broadcast int, cause error) error {
	if err := l.api.DeleteMessage(ctx, l.targets.Broadcast, broadcast); err != nil {
		l.logger.Error("rollback of broadcast message failed", "broadcast", broadcast, "error", err)
		return errors.Join(cause, &WriteError{Op: "delete", Chat: l.targets.Broadcast, Message: broadcast, Err: err})
	}
	l.logger.Warn("broadcast message rolled back", "broadcast", broadcast, "error", cause)
	return cause
}
