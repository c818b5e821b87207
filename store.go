package idempotency

import "context"

// Store defines the registry of idempotency entries.
//
// Implementations must make Begin an atomic check-and-insert: for a given key
// exactly one caller observes StateAcquired while the entry is live.
type Store interface {
	// Lookup classifies the live entry for key against the caller's fingerprint.
	// Expired entries are reported as StateNotFound.
	Lookup(key, fingerprint string) (Lookup, error)

	// Begin creates an InProgress entry for key if no live entry exists.
	// When another caller already owns the key, the existing entry is
	// classified exactly as Lookup would.
	Begin(key, fingerprint string) (Lookup, error)

	// Complete settles an entry returned by Begin with a response
	Complete(entry *Entry, response *Response) error

	// Fail settles an entry returned by Begin with an error
	Fail(entry *Entry, cause error) error

	// Await blocks until the entry settles, the context ends or the wait bound elapses
	Await(ctx context.Context, entry *Entry) (*Response, error)
}

// State is the classification of a key for a given fingerprint.
type State int

const (
	// StateNotFound means no live entry exists for the key
	StateNotFound State = iota
	// StateConflict means a live entry exists with a different fingerprint
	StateConflict
	// StateInFlight means the matching entry has not settled yet
	StateInFlight
	// StateDone means the matching entry settled as Completed or Failed
	StateDone
	// StateAcquired means Begin created the entry and the caller must execute
	StateAcquired
)

func (s State) String() string {
	switch s {
	case StateNotFound:
		return "not_found"
	case StateConflict:
		return "conflict"
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	case StateAcquired:
		return "acquired"
	default:
		return "unknown"
	}
}

// Lookup is the result of Store.Lookup and Store.Begin.
// Entry is nil only for StateNotFound.
type Lookup struct {
	State State
	Entry *Entry
}
