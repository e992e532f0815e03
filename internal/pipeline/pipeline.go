package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
)

const decisionBuffer = 16

// Matcher finds the closest enrolled identity. *store.Store satisfies it.
type Matcher interface {
	Match(embedding []float32) (store.Match, bool)
}

// FrameSource hands out frames one at a time. Take blocks until a frame is available and
// returns io.EOF once the source is exhausted.
type FrameSource interface {
	Take(ctx context.Context) (types.Frame, error)
}

// Config holds the per-mode thresholds. Timing is measured on frame timestamps.
type Config struct {
	VerifyTimeout   time.Duration // from the first usable face of a verify session
	MatchThreshold  float64       // cosine similarity needed to accept a match
	RegisterHold    time.Duration // how long a face must stay stable and frontal
	StableIoU       float64       // overlap with the previous box that still counts as stable
	MaxFrontalYaw   float64       // degrees
	MaxFrontalPitch float64       // degrees
	MinQuality      float64
	Liveness        liveness.Config
}

func DefaultConfig() Config {
	return Config{
		VerifyTimeout:   10 * time.Second,
		MatchThreshold:  0.6,
		RegisterHold:    time.Second,
		StableIoU:       0.7,
		MaxFrontalYaw:   15,
		MaxFrontalPitch: 15,
		MinQuality:      0.5,
		Liveness:        liveness.DefaultConfig(),
	}
}

// Components are the collaborators the pipeline drives. Rand is optional.
type Components struct {
	Detector  detect.Detector
	Extractor detect.Extractor
	Aligner   detect.Aligner
	Matcher   Matcher
	Rand      *rand.Rand
}

type registerState struct {
	holdStart time.Time
	last      *types.Rect
	frozenBox types.Rect
}

type verifyState struct {
	best    store.Match
	hasBest bool
}

// session is the transient state of the active mode. Only the analysis goroutine touches it.
type session struct {
	id      string
	gen     uint64
	cancels uint64
	mode    Mode
	state   State
	started time.Time

	reg  registerState
	ver  verifyState
	live *liveness.Session
}

// usable is a face that made it through alignment and extraction.
type usable struct {
	face      types.Face
	crop      []byte
	embedding []float32
}

// Pipeline turns a stream of frames into overlays and decisions. Process must be driven
// from one goroutine at a time; SetMode, SetRunning and CancelRegister are safe from any
// goroutine and take effect at the next frame boundary.
type Pipeline struct {
	detector  detect.Detector
	extractor detect.Extractor
	aligner   detect.Aligner
	matcher   Matcher
	rng       *rand.Rand
	cfg       Config
	log       *logger.Logger

	running atomic.Bool

	mu      sync.Mutex
	mode    Mode
	gen     uint64
	cancels uint64
	err     error

	procMu sync.Mutex
	sess   session

	decisions chan Decision
	overlays  chan Overlay
}

// New creates a running pipeline in the given mode.
func New(c Components, mode Mode, cfg Config, log *logger.Logger) *Pipeline {
	rng := c.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	p := &Pipeline{
		detector:  c.Detector,
		extractor: c.Extractor,
		aligner:   c.Aligner,
		matcher:   c.Matcher,
		rng:       rng,
		cfg:       cfg,
		log:       log,
		mode:      mode,
		gen:       1,
		decisions: make(chan Decision, decisionBuffer),
		overlays:  make(chan Overlay, 1),
	}
	p.running.Store(true)
	return p
}

// Decisions delivers enrollment, verify and liveness outcomes.
func (p *Pipeline) Decisions() <-chan Decision { return p.decisions }

// Overlays delivers the latest overlay. Unread overlays are replaced, never queued.
func (p *Pipeline) Overlays() <-chan Overlay { return p.overlays }

func (p *Pipeline) SetRunning(running bool) { p.running.Store(running) }
func (p *Pipeline) Running() bool           { return p.running.Load() }

// SetMode switches mode and discards all session state, even when the mode is unchanged.
// Switching to register this way starts a new registration.
func (p *Pipeline) SetMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = m
	p.gen++
}

func (p *Pipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// CancelRegister discards a frozen registration capture and resumes accumulation.
func (p *Pipeline) CancelRegister() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
}

// Err reports why the pipeline stopped for good, or nil. Once the detector or extractor
// reports detect.ErrUnavailable no further frames are analysed and no decisions are made.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
		p.log.Error("face engine unavailable, pipeline stopped", "session", p.sess.id, "error", err)
	}
}

// Run feeds frames from src into Process until the source is exhausted, ctx is done or the
// engine becomes unavailable.
func (p *Pipeline) Run(ctx context.Context, src FrameSource) error {
	for {
		if err := p.Err(); err != nil {
			return err
		}
		frame, err := src.Take(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		p.Process(ctx, frame)
	}
}

// Process analyses one frame. Frames arriving while the pipeline is stopped are discarded.
func (p *Pipeline) Process(ctx context.Context, frame types.Frame) {
	if !p.running.Load() {
		return
	}
	p.procMu.Lock()
	defer p.procMu.Unlock()
	if !p.running.Load() || p.Err() != nil {
		return
	}

	now := frame.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	p.sync()
	s := &p.sess

	if s.state == StateFrozen {
		box := s.reg.frozenBox
		p.publishOverlay(Overlay{At: now, Box: &box, Mode: s.mode, State: s.state})
		return
	}

	face, err := p.detect(ctx, frame.Data)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, detect.ErrUnavailable) {
			p.fail(err)
			p.publishOverlay(Overlay{At: now, Mode: s.mode, State: s.state})
			return
		}
		p.noFace(now)
		p.publishOverlay(Overlay{At: now, Mode: s.mode, State: s.state, Prompt: p.prompt()})
		return
	}

	box := face.Box
	if s.state == StateDecided {
		p.publishOverlay(Overlay{At: now, Box: &box, Mode: s.mode, State: s.state})
		return
	}

	u, err := p.extract(ctx, frame.Data, face)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, detect.ErrUnavailable) {
			p.fail(err)
			p.publishOverlay(Overlay{At: now, Box: &box, Mode: s.mode, State: s.state})
			return
		}
		p.log.Debug("no usable face", "frame", frame.Index, "error", err)
		p.noFace(now)
		p.publishOverlay(Overlay{At: now, Box: &box, Mode: s.mode, State: s.state, Prompt: p.prompt()})
		return
	}

	switch s.mode {
	case ModeRegister:
		p.register(u, now)
	case ModeVerify:
		p.verify(u, now)
	case ModeLiveness:
		p.liveness(u, now)
	}

	if s.state == StateFrozen {
		box = s.reg.frozenBox
	}
	p.publishOverlay(Overlay{At: now, Box: &box, Mode: s.mode, State: s.state, Prompt: p.prompt()})
}

// sync applies mode switches and cancellations requested since the last frame.
func (p *Pipeline) sync() {
	p.mu.Lock()
	mode, gen, cancels := p.mode, p.gen, p.cancels
	p.mu.Unlock()

	s := &p.sess
	if s.gen != gen {
		p.reset(mode, gen, cancels)
		return
	}
	if s.cancels != cancels {
		s.cancels = cancels
		if s.mode == ModeRegister {
			p.log.Debug("registration cancelled", "session", s.id)
			p.reset(mode, gen, cancels)
		}
	}
}

func (p *Pipeline) reset(mode Mode, gen, cancels uint64) {
	p.sess = session{
		id:      uuid.NewString(),
		gen:     gen,
		cancels: cancels,
		mode:    mode,
		state:   StateIdle,
	}
	if mode == ModeLiveness {
		p.sess.live = liveness.NewSession(p.cfg.Liveness, liveness.RandomSequence(p.cfg.Liveness.Actions, p.rng))
	}
	p.log.Debug("session reset", "session", p.sess.id, "mode", mode)
}

func (p *Pipeline) detect(ctx context.Context, frame []byte) (types.Face, error) {
	faces, err := p.detector.Detect(ctx, frame)
	if err != nil {
		if !errors.Is(err, detect.ErrNoFace) && !errors.Is(err, detect.ErrUnavailable) && ctx.Err() == nil {
			p.log.Warn("detection failed, skipping frame", "error", err)
		}
		return types.Face{}, err
	}
	return detect.Primary(faces)
}

func (p *Pipeline) extract(ctx context.Context, frame []byte, face types.Face) (usable, error) {
	img, err := detect.DecodeFrame(frame)
	if err != nil {
		return usable{}, err
	}
	aligned, err := p.aligner.Crop(img, face)
	if err != nil {
		return usable{}, err
	}
	crop, err := detect.EncodeJPEG(aligned)
	if err != nil {
		return usable{}, err
	}
	emb, err := p.extractor.Extract(ctx, crop)
	if err != nil {
		return usable{}, err
	}
	if len(emb) == 0 {
		return usable{}, detect.ErrExtractionFailed
	}
	return usable{face: face, crop: crop, embedding: emb}, nil
}

// noFace handles a frame without a usable face. Register holds restart; verify and
// liveness sessions still run out of time.
func (p *Pipeline) noFace(now time.Time) {
	s := &p.sess
	switch s.mode {
	case ModeRegister:
		s.reg.holdStart = time.Time{}
		s.reg.last = nil
	case ModeVerify:
		if s.state == StateAccumulating && now.Sub(s.started) > p.cfg.VerifyTimeout {
			p.verifyFailed(now)
		}
	case ModeLiveness:
		if s.state != StateDecided && s.live.Expire(now) == liveness.Failed {
			p.livenessDecided(now)
		}
	}
}

func (p *Pipeline) frontal(f types.Face) bool {
	return math.Abs(f.Pose.Yaw) <= p.cfg.MaxFrontalYaw &&
		math.Abs(f.Pose.Pitch) <= p.cfg.MaxFrontalPitch &&
		f.Quality >= p.cfg.MinQuality
}

func (p *Pipeline) register(u usable, now time.Time) {
	s := &p.sess
	s.state = StateAccumulating

	if !p.frontal(u.face) {
		s.reg.holdStart = time.Time{}
		s.reg.last = nil
		return
	}

	box := u.face.Box
	if s.reg.last == nil || s.reg.last.IoU(box) < p.cfg.StableIoU {
		s.reg.holdStart = now
	}
	s.reg.last = &box

	if now.Sub(s.reg.holdStart) < p.cfg.RegisterHold {
		return
	}

	s.state = StateFrozen
	s.reg.frozenBox = box
	p.emit(EnrollmentReady{
		SessionID: s.id,
		Image:     u.crop,
		Embedding: u.embedding,
		Box:       box,
		At:        now,
	})
}

func (p *Pipeline) verify(u usable, now time.Time) {
	s := &p.sess
	if s.state == StateIdle {
		s.state = StateAccumulating
		s.started = now
	}
	if now.Sub(s.started) > p.cfg.VerifyTimeout {
		p.verifyFailed(now)
		return
	}

	m, ok := p.matcher.Match(u.embedding)
	if !ok {
		return
	}
	if !s.ver.hasBest || m.Score > s.ver.best.Score {
		s.ver.best = m
		s.ver.hasBest = true
	}
	if m.Score < p.cfg.MatchThreshold {
		return
	}

	s.state = StateDecided
	p.emit(VerifyResult{
		SessionID: s.id,
		Success:   true,
		Name:      m.Record.Name,
		ID:        m.Record.ID,
		Score:     m.Score,
		At:        now,
	})
}

func (p *Pipeline) verifyFailed(now time.Time) {
	s := &p.sess
	s.state = StateDecided
	p.emit(VerifyResult{SessionID: s.id, Success: false, Score: s.ver.best.Score, At: now})
}

func (p *Pipeline) liveness(u usable, now time.Time) {
	s := &p.sess
	st := s.live.Observe(liveness.Observation{Face: u.face, Embedding: u.embedding, At: now})
	if st.Terminal() {
		p.livenessDecided(now)
		return
	}
	s.state = StateAccumulating
}

func (p *Pipeline) livenessDecided(now time.Time) {
	s := &p.sess
	s.state = StateDecided
	p.emit(LivenessResult{
		SessionID: s.id,
		Passed:    s.live.State() == liveness.Passed,
		Reason:    s.live.Reason(),
		At:        now,
	})
}

func (p *Pipeline) prompt() string {
	s := &p.sess
	if s.mode != ModeLiveness || s.live == nil {
		return ""
	}
	if a, ok := s.live.Prompt(); ok {
		return a.String()
	}
	return ""
}

// emit hands a decision to the listener without blocking. Decisions from a session that was
// reset while the frame was in flight are dropped.
func (p *Pipeline) emit(d Decision) {
	p.mu.Lock()
	stale := p.gen != p.sess.gen
	p.mu.Unlock()
	if stale {
		p.log.Debug("dropping decision from superseded session", "kind", d.Kind(), "session", p.sess.id)
		return
	}

	select {
	case p.decisions <- d:
		p.log.Debug("decision", "kind", d.Kind(), "session", p.sess.id)
	default:
		p.log.Warn("decision listener is not keeping up, dropping decision", "kind", d.Kind())
	}
}

func (p *Pipeline) publishOverlay(o Overlay) {
	for {
		select {
		case p.overlays <- o:
			return
		default:
		}
		select {
		case <-p.overlays:
		default:
		}
	}
}
