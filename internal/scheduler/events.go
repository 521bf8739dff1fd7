package scheduler

// Event types published by the scheduler.
const (
	// EventSequenceStateChanged fires on every lifecycle transition.
	EventSequenceStateChanged = "sequence.state_changed"

	// EventShotCompleted fires after each shot's result is recorded,
	// whatever its outcome.
	EventShotCompleted = "shot.completed"
)

// Event is one state-change or shot-completion notification, delivered to
// WebSocket subscribers and mirrored onto the core event topics.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Broadcaster delivers scheduler events to observers. Implementations
// must not block: the scheduler publishes from its control loop.
type Broadcaster interface {
	Broadcast(event Event)
}

// MultiBroadcaster fans one event out to several broadcasters.
func MultiBroadcaster(broadcasters ...Broadcaster) Broadcaster {
	return multiBroadcaster(broadcasters)
}

type multiBroadcaster []Broadcaster

func (m multiBroadcaster) Broadcast(event Event) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(event)
		}
	}
}
