package chat

import (
	"slices"

	"github.com/MrWong99/chatstream/pkg/types"
)

// Store holds the observable state of one conversation session: the message
// log, the request status, and the last round error. Each facet is
// subscribable on its own.
//
// Every mutation of the log produces a new slice. A snapshot obtained from
// [Store.Messages] is never modified afterwards, and repeated calls without
// an intervening mutation return the identical slice.
type Store struct {
	messages *Cell[[]types.Message]
	status   *Cell[types.Status]
	err      *Cell[error]
}

// NewStore returns a store whose log starts with a copy of initial and whose
// status is [types.StatusReady].
func NewStore(initial []types.Message) *Store {
	return &Store{
		messages: NewCell(cloneMessages(initial), nil),
		status:   NewCell(types.StatusReady, func(a, b types.Status) bool { return a == b }),
		err:      NewCell[error](nil, nil),
	}
}

// Messages returns the current log snapshot. Callers must not modify it.
func (s *Store) Messages() []types.Message { return s.messages.Snapshot() }

// Status returns the current request status.
func (s *Store) Status() types.Status { return s.status.Snapshot() }

// Err returns the error of the last failed round, or nil.
func (s *Store) Err() error { return s.err.Snapshot() }

// SubscribeMessages registers fn to be called after every log mutation.
func (s *Store) SubscribeMessages(fn func()) (unsubscribe func()) {
	return s.messages.Subscribe(fn)
}

// SubscribeStatus registers fn to be called after every status change.
func (s *Store) SubscribeStatus(fn func()) (unsubscribe func()) {
	return s.status.Subscribe(fn)
}

// SubscribeError registers fn to be called after every error assignment.
func (s *Store) SubscribeError(fn func()) (unsubscribe func()) {
	return s.err.Subscribe(fn)
}

// Append adds m to the end of the log.
func (s *Store) Append(m types.Message) {
	m = m.Clone()
	s.messages.Update(func(cur []types.Message) []types.Message {
		next := make([]types.Message, len(cur), len(cur)+1)
		copy(next, cur)
		return append(next, m)
	})
}

// ReplaceTrailing replaces the last message of the log with m, or appends m
// when the log is empty.
func (s *Store) ReplaceTrailing(m types.Message) {
	m = m.Clone()
	s.messages.Update(func(cur []types.Message) []types.Message {
		if len(cur) == 0 {
			return []types.Message{m}
		}
		next := slices.Clone(cur)
		next[len(next)-1] = m
		return next
	})
}

// SetMessages replaces the whole log with a copy of ms.
func (s *Store) SetMessages(ms []types.Message) {
	s.messages.Set(cloneMessages(ms))
}

// SetStatus assigns the status. Assigning the current status is a no-op and
// does not notify. It reports whether the status changed.
func (s *Store) SetStatus(st types.Status) bool {
	return s.status.Set(st)
}

// SetError assigns the error slot, notifying even when err is nil or
// unchanged.
func (s *Store) SetError(err error) {
	s.err.Set(err)
}

func cloneMessages(ms []types.Message) []types.Message {
	out := make([]types.Message, len(ms))
	for i, m := range ms {
		out[i] = m.Clone()
	}
	return out
}
