// Package media acquires page files from the source and prepares the
// covers the archive's photo limits accept.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/retry"
	"github.com/roach88/pxarchive/internal/source"
)

// ErrUnsupportedKind is returned for kinds that have no downloadable files.
var ErrUnsupportedKind = errors.New("kind has no downloadable files")

// Source is the subset of the source client media needs.
type Source interface {
	PageURLs(ctx context.Context, id string) ([]string, error)
	Ugoira(ctx context.Context, id string) (source.UgoiraMeta, error)
	Download(ctx context.Context, rawURL, referer, dst string) error
}

// Options configures a Library.
type Options struct {
	// SaveDir holds acquired page files.
	SaveDir string
	// TempDir holds frame archives and prepared covers.
	TempDir string
	// Placeholder is the cover of records without pages.
	Placeholder string

	MaxCoverDim   int
	MaxCoverBytes int64

	// DownloadGap is the pause between two page downloads.
	DownloadGap time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
	Logger      *slog.Logger
}

// Library stores page files on local disk.
type Library struct {
	src  Source
	opts Options
}

// New creates a Library. Zero limits default to 2160px and 10MB.
func New(src Source, opts Options) *Library {
	if opts.MaxCoverDim <= 0 {
		opts.MaxCoverDim = 2160
	}
	if opts.MaxCoverBytes <= 0 {
		opts.MaxCoverBytes = 10 << 20
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(opts.SaveDir, "tmp")
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Wait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Library{src: src, opts: opts}
}

// File resolves a page file name under SaveDir. Absolute paths, as given by
// manual input, are used as is.
func (l *Library) File(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.opts.SaveDir, name)
}

// Acquire downloads the pages of rec under version. Files already present
// are not downloaded again.
func (l *Library) Acquire(ctx context.Context, rec artwork.Record, version int) ([]string, error) {
	switch {
	case rec.Kind.IsPictureSet():
		return l.acquirePictures(ctx, rec, version)
	case rec.Kind.IsAnimated():
		return l.acquireAnimation(ctx, rec, version)
	default:
		return nil, fmt.Errorf("%s: %w", rec.Kind, ErrUnsupportedKind)
	}
}

func (l *Library) acquirePictures(ctx context.Context, rec artwork.Record, version int) ([]string, error) {
	urls, err := l.src.PageURLs(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("list pages: source returned no pages")
	}

	names := make([]string, 0, len(urls))
	downloaded := 0
	for _, raw := range urls {
		name, err := pageName(raw, version)
		if err != nil {
			return nil, err
		}
		names = append(names, name)

		dst := l.File(name)
		if exists(dst) {
			continue
		}
		if downloaded > 0 && l.opts.DownloadGap > 0 {
			if err := l.opts.Sleep(ctx, l.opts.DownloadGap); err != nil {
				return nil, err
			}
		}
		if err := l.src.Download(ctx, raw, rec.Referer(), dst); err != nil {
			return nil, fmt.Errorf("download page %s: %w", name, err)
		}
		downloaded++
	}
	l.opts.Logger.Debug("pages acquired", "id", rec.ID, "version", version, "pages", len(names), "downloaded", downloaded)
	return names, nil
}

func (l *Library) acquireAnimation(ctx context.Context, rec artwork.Record, version int) ([]string, error) {
	name := artwork.VersionedName(rec.ID+".gif", version)
	dst := l.File(name)
	if exists(dst) {
		return []string{name}, nil
	}

	meta, err := l.src.Ugoira(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("frame manifest: %w", err)
	}
	if len(meta.Frames) == 0 {
		return nil, fmt.Errorf("frame manifest: no frames")
	}

	zipPath := filepath.Join(l.opts.TempDir, rec.ID+".zip")
	if err := l.src.Download(ctx, meta.OriginalSrc, rec.Referer(), zipPath); err != nil {
		return nil, fmt.Errorf("download frames: %w", err)
	}
	defer os.Remove(zipPath)

	if err := encodeAnimation(zipPath, meta.Frames, dst); err != nil {
		return nil, fmt.Errorf("encode animation: %w", err)
	}
	l.opts.Logger.Debug("animation acquired", "id", rec.ID, "version", version, "frames", len(meta.Frames))
	return []string{name}, nil
}

// pageName derives the versioned local name of an original file URL.
func pageName(raw string, version int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return "", fmt.Errorf("page url %q has no file name", raw)
	}
	return artwork.VersionedName(base, version), nil
}

func exists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
