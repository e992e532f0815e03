package detect

import (
	"context"
	"errors"

	"github.com/andresmejia3/facegate/internal/types"
)

var (
	// ErrNoFace is the normal per-frame outcome when nothing usable is in view.
	ErrNoFace = errors.New("no face detected")
	// ErrExtractionFailed means a face was found but no embedding could be produced.
	ErrExtractionFailed = errors.New("embedding extraction failed")
	// ErrUnavailable means the detector or extractor can no longer serve requests at all.
	ErrUnavailable = errors.New("face engine unavailable")
)

// Detector finds faces in a JPEG encoded frame.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]types.Face, error)
}

// Extractor turns an aligned JPEG face crop into an identity embedding.
type Extractor interface {
	Extract(ctx context.Context, crop []byte) ([]float32, error)
}

// Primary picks the largest face. Multiple people in view resolve to whoever is closest.
func Primary(faces []types.Face) (types.Face, error) {
	if len(faces) == 0 {
		return types.Face{}, ErrNoFace
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Box.Area() > best.Box.Area() {
			best = f
		}
	}
	if best.Box.Empty() {
		return types.Face{}, ErrNoFace
	}
	return best, nil
}
