package models

// PixelFormat is the encoding of a detector frame payload
type PixelFormat int

const (
	// PixelUint8 is one unsigned byte per pixel
	PixelUint8 PixelFormat = iota
	// PixelUint16LE is two little-endian bytes per pixel
	PixelUint16LE
	// PixelFloat32LE is an IEEE-754 float32 per pixel, little-endian
	PixelFloat32LE
)

// BytesPerPixel returns the payload size of a single pixel
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelUint16LE:
		return 2
	case PixelFloat32LE:
		return 4
	default:
		return 1
	}
}

// Frame is a raw detector frame as delivered by the frame source
type Frame struct {
	// UniqueID is the detector's frame counter, informational only
	UniqueID uint64

	// Width and Height are the declared dimensions of the payload
	Width  int
	Height int

	Format PixelFormat
	Data   []byte
}

// Projection is one detector image paired with the rotation angle it was
// stored at. Image is row-major, Height rows of Width pixels.
// A projection stored in the ring buffer is never modified again.
type Projection struct {
	Image []float32

	// Angle in radians
	Angle float64
}
