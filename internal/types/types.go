package types

import (
	"image"
	"time"
)

// Frame represents a single camera frame handed to the pipeline
type Frame struct {
	Index     int
	Data      []byte // JPEG encoded
	Timestamp time.Time
}

// Rect is a box in frame pixel coordinates. Right and Bottom are exclusive.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }

// Empty reports whether the box has no area.
func (r Rect) Empty() bool { return r.Right <= r.Left || r.Bottom <= r.Top }

func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width() * r.Height()
}

// Intersect returns the overlap of both boxes, or the zero Rect if they don't overlap.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		Left:   max(r.Left, o.Left),
		Top:    max(r.Top, o.Top),
		Right:  min(r.Right, o.Right),
		Bottom: min(r.Bottom, o.Bottom),
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// IoU computes Intersection over Union of two boxes.
func (r Rect) IoU(o Rect) float64 {
	inter := r.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Image converts the box to an image.Rectangle.
func (r Rect) Image() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Right, r.Bottom)
}

// FromImage converts an image.Rectangle to a Rect.
func FromImage(r image.Rectangle) Rect {
	return Rect{Left: r.Min.X, Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y}
}

// Pose is the head orientation in degrees. Positive yaw turns to the subject's right,
// positive pitch looks up, positive roll tilts clockwise.
type Pose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Face is a single detection returned by the engine
type Face struct {
	Box        Rect    `json:"box"`
	Pose       Pose    `json:"pose"`
	Quality    float64 `json:"quality"`
	EyesOpen   float64 `json:"eyes_open"`   // 0 closed, 1 fully open
	SpoofScore float64 `json:"spoof_score"` // 0 live, 1 presentation attack
}
