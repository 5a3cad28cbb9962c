package upload

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultThumbSize bounds the longer edge of generated thumbnails.
const DefaultThumbSize = 320

// Thumbnail writes a JPEG no larger than maxDim on either side into dir and
// returns its path. Images already within bounds are re-encoded unscaled.
func Thumbnail(src, dir string, maxDim int) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxDim || h > maxDim {
		if w >= h {
			h = max(1, h*maxDim/w)
			w = maxDim
		} else {
			w = max(1, w*maxDim/h)
			h = maxDim
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create thumbnail dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(dir, base+"_thumb.jpg")
	of, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create thumbnail: %w", err)
	}
	if err := jpeg.Encode(of, dst, &jpeg.Options{Quality: 80}); err != nil {
		of.Close()
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return out, of.Close()
}
