package media

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Sweep removes regular files under dir last modified before now-ttl and
// returns how many were removed. A missing dir is not an error.
func Sweep(dir string, ttl time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-ttl)
	removed := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		slog.Info("outdated files removed", "dir", dir, "count", removed)
	}
	return removed, nil
}
