package manager

// EventKind discriminates subscriber deliveries.
type EventKind string

const (
	// EventData carries a chunk of session output.
	EventData EventKind = "data"
	// EventExit reports the session ended. An administrative dispose is
	// delivered as an exit with nil code and signal.
	EventExit EventKind = "exit"
)

// Event is what attached subscribers receive.
type Event struct {
	Kind          EventKind
	SessionID     string
	WorkspacePath string
	Slot          string
	Data          string
	ExitCode      *int
	Signal        *string
}

// Binding mirrors a host session plus UI-facing derived state and the set
// of locally attached subscribers. It exists only while this manager has
// attached to the session; durable state lives in the store.
type Binding struct {
	SessionID     string
	WorkspacePath string
	Slot          string
	Command       string
	Args          []string

	subscribers          map[string]struct{}
	quickCommandExecuted bool
	lastExitCode         *int
	lastSignal           *string
	closed               bool
}

func newBinding(sessionID, workspacePath, slot, command string, args []string) *Binding {
	return &Binding{
		SessionID:     sessionID,
		WorkspacePath: workspacePath,
		Slot:          slot,
		Command:       command,
		Args:          args,
		subscribers:   make(map[string]struct{}),
	}
}

// sink is one subscriber's delivery channel. A closed done channel marks the
// subscriber gone; it is pruned on the next delivery.
type sink struct {
	ch   chan<- Event
	done <-chan struct{}
}
