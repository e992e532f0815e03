package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/testutil"
	"github.com/andresmejia3/facegate/internal/types"
)

func newMemoryStore(t *testing.T, names ...string) *store.Store {
	t.Helper()
	st := store.New(store.NewMemory(), 3, testutil.MakeNoopLogger())
	require.NoError(t, st.LoadAll(context.Background()))
	for i, name := range names {
		emb := []float32{0, 0, 0}
		emb[i%3] = 1
		_, err := st.Insert(context.Background(), name, nil, emb)
		require.NoError(t, err)
	}
	return st
}

func capture() pipeline.EnrollmentReady {
	return pipeline.EnrollmentReady{
		SessionID: "s1",
		Image:     []byte{0xFF, 0xD8, 0xFF, 0xD9},
		Embedding: []float32{0.6, 0.8, 0},
	}
}

func TestValidateSessionFlags(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("x"), 0o644))

	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{"file", Options{InputPath: video}, ""},
		{"device with format", Options{InputPath: "/dev/video0", Format: "v4l2"}, ""},
		{"stream url", Options{InputPath: "rtsp://camera.local/stream"}, ""},
		{"missing input", Options{}, "input is required"},
		{"missing file", Options{InputPath: filepath.Join(dir, "nope.mp4")}, "does not exist"},
		{"directory", Options{InputPath: dir}, "is a directory"},
		{"negative fps", Options{InputPath: video, FPS: -1}, "fps must be >= 0"},
		{"threshold too high", Options{InputPath: video, MatchThreshold: 1.5}, "match threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSessionFlags(&tt.opts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPromptName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		eof   bool
	}{
		{"typed name", "  Alice \n", "Alice", false},
		{"enter accepts suggestion", "\n", "User003", false},
		{"last line without newline", "Bob", "Bob", true},
		{"no input", "", "User003", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := promptName(bufio.NewReader(strings.NewReader(tt.input)), &out, "User003")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.eof, err != nil)
			assert.Contains(t, out.String(), "[User003]")
		})
	}
}

func TestEnrollCapture(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate is re-prompted", func(t *testing.T) {
		st := newMemoryStore(t, "Alice")
		var out bytes.Buffer
		in := bufio.NewReader(strings.NewReader("alice\nCarol\n"))

		id, name, err := enrollCapture(ctx, st, capture(), "", in, &out)
		require.NoError(t, err)
		assert.Equal(t, int64(2), id)
		assert.Equal(t, "Carol", name)
		assert.Contains(t, out.String(), "already enrolled")
		assert.Equal(t, 2, st.Len())
	})

	t.Run("empty answer takes default name", func(t *testing.T) {
		st := newMemoryStore(t, "Alice")
		_, name, err := enrollCapture(ctx, st, capture(), "", bufio.NewReader(strings.NewReader("\n")), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, "User002", name)
	})

	t.Run("preset duplicate fails", func(t *testing.T) {
		st := newMemoryStore(t, "Alice")
		_, _, err := enrollCapture(ctx, st, capture(), "ALICE", bufio.NewReader(strings.NewReader("")), &bytes.Buffer{})
		assert.ErrorIs(t, err, store.ErrDuplicateName)
	})

	t.Run("duplicate at end of input fails", func(t *testing.T) {
		st := newMemoryStore(t, "Alice")
		_, _, err := enrollCapture(ctx, st, capture(), "", bufio.NewReader(strings.NewReader("Alice")), &bytes.Buffer{})
		assert.ErrorIs(t, err, store.ErrDuplicateName)
		assert.Equal(t, 1, st.Len())
	})
}

func TestHandleDecisionOutput(t *testing.T) {
	tests := []struct {
		name     string
		decision pipeline.Decision
		want     string
	}{
		{"verified", pipeline.VerifyResult{Success: true, Name: "Alice", ID: 1, Score: 0.91}, "✅ Verified: Alice (ID: 1, similarity 0.91)"},
		{"not recognized", pipeline.VerifyResult{Score: 0.42}, "❌ Not recognized (best similarity 0.42)"},
		{"liveness passed", pipeline.LivenessResult{Passed: true}, "✅ Liveness check passed"},
		{"liveness failed", pipeline.LivenessResult{Reason: "timeout"}, "❌ Liveness check failed: timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, handleDecision(context.Background(), tt.decision, Options{}, nil, &out))
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

type stubDetector struct {
	faces []types.Face
	err   error
}

func (s stubDetector) Detect(context.Context, []byte) ([]types.Face, error) {
	return s.faces, s.err
}

type stubExtractor struct {
	emb []float32
}

func (s stubExtractor) Extract(_ context.Context, crop []byte) ([]float32, error) {
	if len(crop) == 0 {
		return nil, errors.New("empty crop")
	}
	return s.emb, nil
}

func TestIdentifyImage(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t, "Alice", "Bob")
	frame := testutil.MakeJPEG(t, 320, 240)
	small := types.Face{Box: types.Rect{Left: 10, Top: 10, Right: 40, Bottom: 40}}
	big := types.Face{Box: types.Rect{Left: 110, Top: 70, Right: 210, Bottom: 170}}

	t.Run("largest face matches", func(t *testing.T) {
		d := stubDetector{faces: []types.Face{small, big}}
		res, err := identifyImage(ctx, d, stubExtractor{emb: []float32{0, 1, 0}}, detect.DefaultAligner(), st, frame, 0.6)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Faces)
		assert.True(t, res.Matched)
		assert.Equal(t, "Bob", res.Best.Record.Name)
		assert.InDelta(t, 1.0, res.Best.Score, 1e-6)
	})

	t.Run("below threshold", func(t *testing.T) {
		d := stubDetector{faces: []types.Face{big}}
		res, err := identifyImage(ctx, d, stubExtractor{emb: []float32{0, 0, 1}}, detect.DefaultAligner(), st, frame, 0.6)
		require.NoError(t, err)
		assert.False(t, res.Matched)
	})

	t.Run("no face", func(t *testing.T) {
		_, err := identifyImage(ctx, stubDetector{}, stubExtractor{}, detect.DefaultAligner(), st, frame, 0.6)
		assert.ErrorIs(t, err, detect.ErrNoFace)
	})

	t.Run("turned away", func(t *testing.T) {
		turned := big
		turned.Pose.Yaw = 80
		_, err := identifyImage(ctx, stubDetector{faces: []types.Face{turned}}, stubExtractor{}, detect.DefaultAligner(), st, frame, 0.6)
		assert.ErrorIs(t, err, detect.ErrExtractionFailed)
	})
}

func TestRunList(t *testing.T) {
	var out bytes.Buffer
	runList(&out, nil)
	assert.Equal(t, "No identities enrolled.\n", out.String())

	out.Reset()
	runList(&out, []store.Record{
		{ID: 1, Name: "Alice", Embedding: make([]float32, 512), Image: []byte{1, 2, 3}, CreatedAt: time.Now()},
		{ID: 4, Name: "Bob", Embedding: make([]float32, 512)},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[2], "Alice")
	assert.Contains(t, lines[2], "3B")
	assert.Contains(t, lines[3], "Bob")
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	log := testutil.MakeNoopLogger()

	t.Run("memory", func(t *testing.T) {
		b, err := openBackend(ctx, &config.Config{Store: config.Store{Driver: config.DriverMemory}}, log)
		require.NoError(t, err)
		assert.IsType(t, &store.Memory{}, b)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "facegate.db")
		b, err := openBackend(ctx, &config.Config{Store: config.Store{Driver: config.DriverSQLite, SQLitePath: path}}, log)
		require.NoError(t, err)
		defer b.Close()
		assert.FileExists(t, path)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := openBackend(ctx, &config.Config{Store: config.Store{Driver: "redis"}}, log)
		assert.ErrorContains(t, err, "unknown store driver")
	})
}

func TestUnavailableBackend(t *testing.T) {
	cause := errors.New("connection refused")
	st := store.New(unavailableBackend{err: cause}, 3, testutil.MakeNoopLogger())

	var loadErr *store.LoadError
	require.ErrorAs(t, st.LoadAll(context.Background()), &loadErr)
	assert.Equal(t, 0, st.Len())

	_, err := st.Insert(context.Background(), "Alice", nil, []float32{1, 0, 0})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, st.Len())
	assert.ErrorIs(t, st.Clear(context.Background()), cause)
}

type recordingSink struct {
	mu        sync.Mutex
	decisions []pipeline.Decision
	overlays  int
}

func (r *recordingSink) HandleDecision(d pipeline.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recordingSink) HandleOverlay(pipeline.Overlay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlays++
}

func (r *recordingSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.decisions), r.overlays
}

type failingPublisher struct {
	mu    sync.Mutex
	calls int
}

func (f *failingPublisher) Publish(pipeline.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestForwardEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decisions := make(chan pipeline.Decision)
	overlays := make(chan pipeline.Overlay)
	sink := &recordingSink{}
	pub := &failingPublisher{}

	done := make(chan struct{})
	go func() {
		forwardEvents(ctx, decisions, overlays, sink, pub, testutil.MakeNoopLogger())
		close(done)
	}()

	decisions <- pipeline.VerifyResult{SessionID: "a", Success: true}
	overlays <- pipeline.Overlay{Mode: pipeline.ModeVerify}
	decisions <- pipeline.LivenessResult{SessionID: "b", Passed: true}

	assert.Eventually(t, func() bool {
		d, o := sink.counts()
		return d == 2 && o == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, pub.count(), "publish failures do not stop forwarding")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwardEvents did not stop on cancel")
	}
}
