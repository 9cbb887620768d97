package client

import (
	"sync"
	"time"
)

// Direction says which side a displayed message came from
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Kind separates conversation turns from local status lines
type Kind string

const (
	KindTurn   Kind = "turn"   // A user message or a model reply
	KindNotice Kind = "notice" // Local status such as "still working"
	KindError  Kind = "error"  // A failed or abandoned request
)

// DisplayedMessage is one rendered line of the conversation. Timestamp is
// taken locally when the message is created.
type DisplayedMessage struct {
	Text      string    `json:"text"`
	Direction Direction `json:"direction"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the client's append-only display history
type Log struct {
	mu       sync.Mutex
	msgs     []DisplayedMessage
	now      func() time.Time
	onAppend func(DisplayedMessage)
}

// NewLog creates an empty log. onAppend, if set, is called synchronously
// for every appended message and must not call back into the client.
func NewLog(onAppend func(DisplayedMessage)) *Log {
	return &Log{now: time.Now, onAppend: onAppend}
}

// Append adds a message stamped with the current time
func (l *Log) Append(text string, dir Direction, kind Kind) DisplayedMessage {
	l.mu.Lock()
	msg := DisplayedMessage{Text: text, Direction: dir, Kind: kind, Timestamp: l.now()}
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()

	if l.onAppend != nil {
		l.onAppend(msg)
	}
	return msg
}

// Messages returns a copy of the history
func (l *Log) Messages() []DisplayedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DisplayedMessage, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of messages
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}
