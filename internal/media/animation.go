package media

import (
	"archive/zip"
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/roach88/pxarchive/internal/source"
)

// encodeAnimation assembles the frames listed in the manifest from the zip
// at zipPath into an animated GIF at dst.
func encodeAnimation(zipPath string, frames []source.Frame, dst string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open frames: %w", err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	anim := &gif.GIF{}
	for _, frame := range frames {
		f, ok := files[frame.File]
		if !ok {
			return fmt.Errorf("frame %s missing from archive", frame.File)
		}
		img, err := decodeZipImage(f)
		if err != nil {
			return fmt.Errorf("frame %s: %w", frame.File, err)
		}
		bounds := img.Bounds()
		paletted := image.NewPaletted(bounds, palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, bounds, img, bounds.Min)

		anim.Image = append(anim.Image, paletted)
		// GIF delays are in hundredths of a second.
		anim.Delay = append(anim.Delay, max(1, frame.Delay/10))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gif.EncodeAll(out, anim); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func decodeZipImage(f *zip.File) (image.Image, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, _, err := image.Decode(rc)
	return img, err
}
