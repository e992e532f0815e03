package detect

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/andresmejia3/facegate/internal/types"
)

// Aligner cuts a square, roll-corrected crop around a detected face.
type Aligner struct {
	Size       int     // output edge in pixels
	Margin     float64 // padding around the box as a fraction of its larger side
	MaxYaw     float64 // degrees, beyond this the embedding is unreliable
	MinVisible float64 // fraction of the box that must lie inside the frame
}

// DefaultAligner matches the 112px input most face embedding models expect.
func DefaultAligner() Aligner {
	return Aligner{Size: 112, Margin: 0.2, MaxYaw: 45, MinVisible: 0.6}
}

// Crop returns the aligned face crop. Boxes that are mostly outside the frame or poses
// turned too far from the camera yield ErrExtractionFailed.
func (a Aligner) Crop(img image.Image, face types.Face) (image.Image, error) {
	bounds := types.FromImage(img.Bounds())
	box := face.Box
	if box.Empty() {
		return nil, fmt.Errorf("%w: empty box", ErrExtractionFailed)
	}
	visible := box.Intersect(bounds)
	if float64(visible.Area()) < a.MinVisible*float64(box.Area()) {
		return nil, fmt.Errorf("%w: face outside frame", ErrExtractionFailed)
	}
	if a.MaxYaw > 0 && math.Abs(face.Pose.Yaw) > a.MaxYaw {
		return nil, fmt.Errorf("%w: yaw %.1f exceeds %.1f", ErrExtractionFailed, face.Pose.Yaw, a.MaxYaw)
	}

	// Square region centred on the face, clamped to the frame
	side := float64(max(box.Width(), box.Height())) * (1 + 2*a.Margin)
	cx := float64(box.Left+box.Right) / 2
	cy := float64(box.Top+box.Bottom) / 2
	region := types.Rect{
		Left:   int(math.Floor(cx - side/2)),
		Top:    int(math.Floor(cy - side/2)),
		Right:  int(math.Ceil(cx + side/2)),
		Bottom: int(math.Ceil(cy + side/2)),
	}.Intersect(bounds)

	size := a.Size
	if size <= 0 {
		size = 112
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))

	// Source-to-destination transform: undo the roll around the face centre and scale
	// the square onto the output.
	scale := float64(size) / side
	theta := -face.Pose.Roll * math.Pi / 180
	cos, sin := math.Cos(theta)*scale, math.Sin(theta)*scale
	half := float64(size) / 2
	s2d := f64.Aff3{
		cos, -sin, half - (cos*cx - sin*cy),
		sin, cos, half - (sin*cx + cos*cy),
	}
	draw.BiLinear.Transform(dst, s2d, img, region.Image(), draw.Src, nil)
	return dst, nil
}

// DecodeFrame decodes a JPEG frame.
func DecodeFrame(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// EncodeJPEG encodes a crop for the extractor and for enrollment storage.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
