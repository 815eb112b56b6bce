package bus

import "time"

// Action is what happens to a delivery whose handling failed.
type Action int

const (
	// ActionRetry republishes to a retry queue.
	ActionRetry Action = iota
	// ActionDeadLetter publishes to the dead-letter exchange. Terminal.
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision is the ladder's verdict for one failed delivery.
type Decision struct {
	Action Action
	// Position is the 1-based retry queue the message goes to. Zero for dead letters.
	Position int
	// RetryCount is the x-retry-count header value to publish with.
	RetryCount int
	// Delay is how long the retry queue holds the message.
	Delay time.Duration
}

// Ladder is the ordered delay schedule applied to failed deliveries.
// Its length is the maximum number of retries.
type Ladder struct {
	Delays []time.Duration
}

// DefaultLadder retries after 1s, 5s and 15s.
func DefaultLadder() Ladder {
	return Ladder{Delays: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}}
}

// MaxAttempts is the retry count at which a delivery becomes terminal.
func (l Ladder) MaxAttempts() int { return len(l.Delays) }

// Next decides the escalation for a failed delivery that arrived with retryCount.
// Counts at or beyond MaxAttempts dead-letter with the count unchanged.
func (l Ladder) Next(retryCount int) Decision {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= l.MaxAttempts() {
		return Decision{Action: ActionDeadLetter, RetryCount: retryCount}
	}
	return Decision{
		Action:     ActionRetry,
		Position:   retryCount + 1,
		RetryCount: retryCount + 1,
		Delay:      l.Delays[retryCount],
	}
}
