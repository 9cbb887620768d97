package session

import (
	"fmt"
	"sync"
	"time"
)

// Role identifies who authored a turn
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn represents a single message in a conversation
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is the ordered history of one connection. Turns are only
// appended, except that DropLast rolls back an unanswered user turn after a
// failed generation. It is safe for concurrent use.
type Transcript struct {
	ID        string
	StartTime time.Time

	mu    sync.RWMutex
	turns []Turn
}

// NewTranscript creates an empty transcript
func NewTranscript(id string) *Transcript {
	return &Transcript{
		ID:        id,
		StartTime: time.Now(),
		turns:     []Turn{},
	}
}

// Append adds a turn to the end of the transcript and returns the new length
func (t *Transcript) Append(role Role, content string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, Turn{Role: role, Content: content})
	return len(t.turns)
}

// DropLast removes the final turn if it is a user turn with no reply.
// A failed generation leaves such a turn behind; removing it keeps the
// history sent to the next generation alternating.
func (t *Transcript) DropLast(role Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.turns)
	if n == 0 || t.turns[n-1].Role != role {
		return false
	}
	t.turns = t.turns[:n-1]
	return true
}

// Snapshot returns a copy of the turns
func (t *Transcript) Snapshot() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Alternates reports whether roles strictly alternate user, model, user, ...
func (t *Transcript) Alternates() bool {
	return Validate(t.Snapshot()) == nil
}

// Validate checks that turns alternate starting with a user turn
func Validate(turns []Turn) error {
	for i, turn := range turns {
		want := RoleUser
		if i%2 == 1 {
			want = RoleModel
		}
		if turn.Role != want {
			return fmt.Errorf("turn %d has role %q, want %q", i, turn.Role, want)
		}
	}
	return nil
}
