package detect

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facegate/internal/testutil"
	"github.com/andresmejia3/facegate/internal/types"
)

func TestPrimary(t *testing.T) {
	small := types.Face{Box: types.Rect{Left: 0, Top: 0, Right: 10, Bottom: 10}}
	large := types.Face{Box: types.Rect{Left: 100, Top: 100, Right: 200, Bottom: 220}, Quality: 0.9}

	got, err := Primary([]types.Face{small, large})
	require.NoError(t, err)
	assert.Equal(t, large, got)

	_, err = Primary(nil)
	assert.ErrorIs(t, err, ErrNoFace)

	_, err = Primary([]types.Face{{}})
	assert.ErrorIs(t, err, ErrNoFace)
}

func TestAlignerCrop(t *testing.T) {
	img, err := DecodeFrame(testutil.MakeJPEG(t, 320, 240))
	require.NoError(t, err)
	a := DefaultAligner()

	tests := []struct {
		name    string
		face    types.Face
		wantErr bool
	}{
		{"Centered frontal", types.Face{Box: types.Rect{Left: 110, Top: 60, Right: 210, Bottom: 180}}, false},
		{"Near edge is clamped", types.Face{Box: types.Rect{Left: 250, Top: 150, Right: 320, Bottom: 240}}, false},
		{"Rolled head", types.Face{Box: types.Rect{Left: 110, Top: 60, Right: 210, Bottom: 180}, Pose: types.Pose{Roll: 25}}, false},
		{"Mostly outside", types.Face{Box: types.Rect{Left: 300, Top: 200, Right: 400, Bottom: 300}}, true},
		{"Extreme yaw", types.Face{Box: types.Rect{Left: 110, Top: 60, Right: 210, Bottom: 180}, Pose: types.Pose{Yaw: 70}}, true},
		{"Empty box", types.Face{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop, err := a.Crop(img, tt.face)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrExtractionFailed), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 112, 112), crop.Bounds())
		})
	}
}

func TestEncodeJPEGRoundTripsSize(t *testing.T) {
	data, err := EncodeJPEG(image.NewRGBA(image.Rect(0, 0, 112, 112)))
	require.NoError(t, err)
	img, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, 112, img.Bounds().Dx())
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte("not a jpeg"))
	assert.Error(t, err)
}
