package media

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/roach88/pxarchive/internal/artwork"
)

// Cover returns a photo path for rec's broadcast message: the first page
// when it already fits the limits, else a JPEG copy of its first frame scaled
// down to fit. Records without pages get the placeholder.
func (l *Library) Cover(ctx context.Context, rec artwork.Record) (string, error) {
	if len(rec.PageFiles) == 0 {
		if l.opts.Placeholder == "" {
			return "", fmt.Errorf("no placeholder cover configured")
		}
		return l.opts.Placeholder, nil
	}
	return l.prepareCover(l.File(rec.PageFiles[0]))
}

func (l *Library) prepareCover(src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat cover: %w", err)
	}
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open cover: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode cover: %w", err)
	}

	rate := 1.0
	if info.Size() > l.opts.MaxCoverBytes {
		rate = math.Sqrt(float64(l.opts.MaxCoverBytes) / float64(info.Size()))
	}
	b := img.Bounds()
	if longest := max(b.Dx(), b.Dy()); longest > l.opts.MaxCoverDim {
		rate = min(rate, float64(l.opts.MaxCoverDim)/float64(longest))
	}
	if rate == 1 && format != "gif" {
		return src, nil
	}

	w := max(1, int(float64(b.Dx())*rate))
	h := max(1, int(float64(b.Dy())*rate))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(l.opts.TempDir, "cover_"+stem+".jpg")
	if err := writeJPEG(out, dst); err != nil {
		return "", fmt.Errorf("write cover: %w", err)
	}
	return out, nil
}

func writeJPEG(p string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
