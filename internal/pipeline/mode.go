package pipeline

import (
	"fmt"
	"strings"
)

// Mode selects what the pipeline does with a usable face.
type Mode int

const (
	ModeRegister Mode = iota
	ModeVerify
	ModeLiveness
)

func (m Mode) String() string {
	switch m {
	case ModeRegister:
		return "register"
	case ModeVerify:
		return "verify"
	case ModeLiveness:
		return "liveness_test"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the String form, case-insensitively. "liveness" is an alias for
// liveness_test.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "register":
		return ModeRegister, nil
	case "verify":
		return ModeVerify, nil
	case "liveness_test", "liveness":
		return ModeLiveness, nil
	}
	return 0, fmt.Errorf("unknown mode %q (want register, verify or liveness_test)", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// State is where the current session is in its lifecycle:
// Idle -> Accumulating -> Frozen (register) | Decided (verify, liveness) -> Idle on reset.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFrozen
	StateDecided
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFrozen:
		return "frozen"
	case StateDecided:
		return "decided"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
