package pipeline

import (
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// Decision is a discrete outcome of a session. Exactly one is emitted per completed
// registration hold, verify session or liveness challenge.
type Decision interface {
	Kind() string
}

// EnrollmentReady carries the frozen capture of a registration session. Nothing is stored
// until a caller confirms it with a display name.
type EnrollmentReady struct {
	SessionID string     `json:"session_id"`
	Image     []byte     `json:"-"` // JPEG face crop
	Embedding []float32  `json:"-"`
	Box       types.Rect `json:"box"`
	At        time.Time  `json:"at"`
}

type VerifyResult struct {
	SessionID string    `json:"session_id"`
	Success   bool      `json:"success"`
	Name      string    `json:"name,omitempty"`
	ID        int64     `json:"id,omitempty"`
	Score     float64   `json:"score"` // best similarity seen in the session
	At        time.Time `json:"at"`
}

type LivenessResult struct {
	SessionID string    `json:"session_id"`
	Passed    bool      `json:"passed"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

func (EnrollmentReady) Kind() string { return "enrollment_ready" }
func (VerifyResult) Kind() string    { return "verify_result" }
func (LivenessResult) Kind() string  { return "liveness_result" }

// Overlay is the geometry and status to draw for one processed frame. Box is nil when no
// face is in view.
type Overlay struct {
	At     time.Time   `json:"at"`
	Box    *types.Rect `json:"box"`
	Mode   Mode        `json:"mode"`
	State  State       `json:"state"`
	Prompt string      `json:"prompt,omitempty"`
}
