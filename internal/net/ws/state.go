package ws

import (
	"errors"
	"math"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNotConnected      = errors.New("ws: not connected")
	ErrIllegalTransition = errors.New("ws: illegal state transition")
	ErrClosed            = errors.New("ws: manager closed")
)

// legalEdges lists every permitted transition. Disconnect reaches
// Disconnected from any other state.
var legalEdges = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Error, Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
	Error:        {Connecting, Reconnecting, Disconnected},
}

func legal(from, to State) bool {
	for _, candidate := range legalEdges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StateChange is delivered to subscribers for every transition.
type StateChange struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// MaxDelay is where Delay saturates once base × 1.5^n no longer fits in a
// time.Duration.
const MaxDelay = time.Duration(math.MaxInt64)

// Delay returns base × 1.5^n, the wait before reconnect attempt n, saturating
// at MaxDelay.
func Delay(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(base) * math.Pow(1.5, float64(n))
	if d >= float64(math.MaxInt64) {
		return MaxDelay
	}
	return time.Duration(d)
}
