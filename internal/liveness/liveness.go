package liveness

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

// Action is one step of a challenge.
type Action int

const (
	LookLeft Action = iota
	LookRight
	LookUp
	Blink
)

var allActions = []Action{LookLeft, LookRight, LookUp, Blink}

func (a Action) String() string {
	switch a {
	case LookLeft:
		return "look left"
	case LookRight:
		return "look right"
	case LookUp:
		return "look up"
	case Blink:
		return "blink"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// State of a challenge session.
type State int

const (
	WaitingForFace State = iota
	InProgress
	Passed
	Failed
)

func (s State) String() string {
	switch s {
	case WaitingForFace:
		return "waiting_for_face"
	case InProgress:
		return "in_progress"
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the session is finished.
func (s State) Terminal() bool { return s == Passed || s == Failed }

// Failure reasons.
const (
	ReasonTimeout         = "timeout"
	ReasonSpoof           = "spoof detected"
	ReasonIdentityChanged = "identity changed"
)

// Config tunes challenge generation and gesture recognition.
type Config struct {
	Actions        int           // challenge length, 1 to 4
	Deadline       time.Duration // measured from the first observed face
	TurnAngle      float64       // |yaw| in degrees for look left / right
	NodAngle       float64       // pitch in degrees for look up
	BlinkThreshold float64       // eyes-open score below this counts as a blink
	SpoofThreshold float64       // spoof score at or above this fails the session
	Consistency    float64       // minimum cosine similarity to the first embedding; 0 disables
}

func DefaultConfig() Config {
	return Config{
		Actions:        3,
		Deadline:       10 * time.Second,
		TurnAngle:      20,
		NodAngle:       15,
		BlinkThreshold: 0.2,
		SpoofThreshold: 0.8,
		Consistency:    0.5,
	}
}

// Observation is what the pipeline knows about the subject in one frame.
type Observation struct {
	Face      types.Face
	Embedding []float32
	At        time.Time
}

// RandomSequence draws n distinct actions in random order.
func RandomSequence(n int, r *rand.Rand) []Action {
	n = max(1, min(n, len(allActions)))
	seq := append([]Action(nil), allActions...)
	r.Shuffle(len(seq), func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })
	return seq[:n]
}

// Session tracks one challenge. It is not safe for concurrent use; the pipeline drives it
// from its analysis goroutine.
type Session struct {
	cfg      Config
	seq      []Action
	idx      int
	state    State
	deadline time.Time
	anchor   []float32
	reason   string
}

// NewSession creates a session for the given ordered sequence.
func NewSession(cfg Config, seq []Action) *Session {
	return &Session{cfg: cfg, seq: append([]Action(nil), seq...), state: WaitingForFace}
}

func (s *Session) State() State        { return s.state }
func (s *Session) Reason() string      { return s.reason }
func (s *Session) Deadline() time.Time { return s.deadline }
func (s *Session) Sequence() []Action  { return append([]Action(nil), s.seq...) }

// Progress returns completed and total actions.
func (s *Session) Progress() (int, int) { return s.idx, len(s.seq) }

// Prompt returns the action the subject should perform next.
func (s *Session) Prompt() (Action, bool) {
	if s.state.Terminal() || s.idx >= len(s.seq) {
		return 0, false
	}
	return s.seq[s.idx], true
}

// Observe feeds one frame into the challenge. The first observation starts the clock.
// Poses that don't match the next required action are ignored.
func (s *Session) Observe(obs Observation) State {
	if s.state.Terminal() {
		return s.state
	}
	if s.state == WaitingForFace {
		s.state = InProgress
		s.deadline = obs.At.Add(s.cfg.Deadline)
		s.anchor = append([]float32(nil), obs.Embedding...)
	}

	if obs.At.After(s.deadline) {
		return s.fail(ReasonTimeout)
	}
	if s.cfg.SpoofThreshold > 0 && obs.Face.SpoofScore >= s.cfg.SpoofThreshold {
		return s.fail(ReasonSpoof)
	}
	if s.cfg.Consistency > 0 && len(s.anchor) > 0 && len(obs.Embedding) > 0 &&
		utils.CosineSimilarity(s.anchor, obs.Embedding) < s.cfg.Consistency {
		return s.fail(ReasonIdentityChanged)
	}

	if s.idx < len(s.seq) && s.matches(s.seq[s.idx], obs.Face) {
		s.idx++
	}
	if s.idx >= len(s.seq) {
		s.state = Passed
	}
	return s.state
}

// Expire fails an in-progress session whose deadline has passed. The pipeline calls it on
// frames without a usable face, so walking out of view still times out.
func (s *Session) Expire(now time.Time) State {
	if s.state == InProgress && now.After(s.deadline) {
		return s.fail(ReasonTimeout)
	}
	return s.state
}

func (s *Session) fail(reason string) State {
	s.state = Failed
	s.reason = reason
	return s.state
}

func (s *Session) matches(a Action, f types.Face) bool {
	switch a {
	case LookLeft:
		return f.Pose.Yaw <= -s.cfg.TurnAngle
	case LookRight:
		return f.Pose.Yaw >= s.cfg.TurnAngle
	case LookUp:
		return f.Pose.Pitch >= s.cfg.NodAngle
	case Blink:
		return f.EyesOpen < s.cfg.BlinkThreshold
	}
	return false
}
