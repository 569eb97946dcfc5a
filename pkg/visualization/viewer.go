// Package visualization renders averaged composites to image files.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"orthostream/internal/models"
)

// Viewer extracts the ortho planes from a composite image
type Viewer struct {
	// pixels is the row-major n x 3n composite
	pixels []float32

	n  int
	nz int
}

// NewViewer wraps a composite of n rows by 3n columns whose X and Y planes
// are nz rows tall
func NewViewer(pixels []float32, n, nz int) (*Viewer, error) {
	if n < 1 || nz < 1 || nz > n {
		return nil, fmt.Errorf("invalid composite size n=%d nz=%d", n, nz)
	}
	if len(pixels) != 3*n*n {
		return nil, fmt.Errorf("composite has %d pixels, expected %d", len(pixels), 3*n*n)
	}
	return &Viewer{pixels: pixels, n: n, nz: nz}, nil
}

// NewViewerFromUpdate wraps the pixels of a published update
func NewViewerFromUpdate(u models.Update, nz int) (*Viewer, error) {
	if u.Width != 3*u.Height {
		return nil, fmt.Errorf("update is %dx%d, expected width 3*height", u.Width, u.Height)
	}
	return NewViewer(u.Pixels, u.Height, nz)
}

// bounds returns the composite region holding the plane
func (v *Viewer) bounds(axis models.Axis) (image.Rectangle, error) {
	switch axis {
	case models.AxisX:
		return image.Rect(0, 0, v.n, v.nz), nil
	case models.AxisY:
		return image.Rect(v.n, 0, 2*v.n, v.nz), nil
	case models.AxisZ:
		return image.Rect(2*v.n, 0, 3*v.n, v.n), nil
	}
	return image.Rectangle{}, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// Plane returns the raw values of one plane, row-major
func (v *Viewer) Plane(axis models.Axis) ([]float32, error) {
	r, err := v.bounds(axis)
	if err != nil {
		return nil, err
	}
	return v.region(r), nil
}

func (v *Viewer) region(r image.Rectangle) []float32 {
	out := make([]float32, 0, r.Dx()*r.Dy())
	stride := 3 * v.n
	for y := r.Min.Y; y < r.Max.Y; y++ {
		out = append(out, v.pixels[y*stride+r.Min.X:y*stride+r.Max.X]...)
	}
	return out
}

// ExtractSlice renders one plane as a 16-bit grayscale image, stretched to
// the plane's own value range
func (v *Viewer) ExtractSlice(axis models.Axis) (image.Image, error) {
	r, err := v.bounds(axis)
	if err != nil {
		return nil, err
	}
	return toGray16(v.region(r), r.Dx(), r.Dy()), nil
}

// Composite renders the full n x 3n composite
func (v *Viewer) Composite() image.Image {
	return toGray16(v.pixels, 3*v.n, v.n)
}

// toGray16 maps [min, max] of values to the full 16-bit range. A constant
// image renders black.
func toGray16(values []float32, width, height int) *image.Gray16 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, val := range values {
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}

	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f := float64(values[y*width+x])
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			value := uint16(math.Max(0, math.Min(65535, (f-lo)*scale)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// SaveSlice encodes img to filename. The format follows the extension:
// .jpg and .jpeg write JPEG, everything else PNG. The file is written under
// a temporary name and renamed, so readers never see a partial image.
func SaveSlice(img image.Image, filename string) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(tmp, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(tmp, img)
	}
	if err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// SavePlanes writes the three planes next to each other as
// <prefix>_x<ext>, <prefix>_y<ext> and <prefix>_z<ext> in outputDir
func (v *Viewer) SavePlanes(outputDir, prefix, ext string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for _, axis := range []models.Axis{models.AxisX, models.AxisY, models.AxisZ} {
		img, err := v.ExtractSlice(axis)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s%s", prefix, axis, ext))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
