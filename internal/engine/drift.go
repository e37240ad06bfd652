package engine

import (
	"context"
	"slices"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/classify"
	"github.com/roach88/pxarchive/internal/store"
)

// detectDrift applies the existence flips observed during the walk and,
// when remote is set, checks every archived record the walk did not reach.
//
// Remote checks are paced by the drift gap. A failed check leaves the record
// untouched; the next completed run asks again.
func (r *run) detectDrift(ctx, work context.Context, remote bool) error {
	for _, f := range r.flips {
		if err := r.applyFlip(work, f.id, f.exists); err != nil {
			return err
		}
	}
	if !remote {
		return nil
	}

	unseen := make([]artwork.Record, 0, len(r.known))
	for id, rec := range r.known {
		if !r.seen[id] {
			unseen = append(unseen, rec)
		}
	}
	slices.SortFunc(unseen, func(a, b artwork.Record) int {
		return int(a.Ordinal - b.Ordinal)
	})

	for i, rec := range unseen {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 && r.e.driftGap > 0 {
			if err := r.e.sleep(ctx, r.e.driftGap); err != nil {
				return err
			}
		}

		exists, err := r.e.src.Exists(work, rec.ID)
		if err != nil {
			r.e.logger.Warn("existence check failed", "id", rec.ID, "ordinal", rec.Ordinal, "error", err)
			continue
		}
		r.report.Checked++
		r.current = rec.Ordinal
		if exists != rec.Existence {
			if err := r.applyFlip(work, rec.ID, exists); err != nil {
				return err
			}
		}
		r.emit(PhaseDrift, i+1, len(unseen))
	}
	return nil
}

// applyFlip records a new existence flag and re-renders the caption. A
// caption failure is parked as a pending update.
func (r *run) applyFlip(ctx context.Context, id string, exists bool) error {
	if err := r.e.store.MarkExistence(ctx, id, exists); err != nil {
		return err
	}
	rec, found, err := r.e.store.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	r.report.Flipped++
	r.e.logger.Info("existence changed", "id", id, "ordinal", rec.Ordinal, "exists", exists)

	if _, err := r.e.linker.UpdateExisting(ctx, rec, classify.Unchanged); err != nil {
		return r.itemFailed(ctx, newItemError(id, rec.Ordinal, store.StageUpdate, err))
	}
	return nil
}
