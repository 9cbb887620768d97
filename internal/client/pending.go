package client

import (
	"sync"
	"time"
)

// Texts appended by the pending-response state machine
const (
	StillWorkingText = "Still working on a reply..."
	GaveUpText       = "Sorry, no reply arrived in time. Please try again."
	FailedTextPrefix = "Sorry, something went wrong: "
)

// PendingState is idle or awaiting a reply
type PendingState int

const (
	Idle PendingState = iota
	Awaiting
)

func (s PendingState) String() string {
	if s == Awaiting {
		return "awaiting"
	}
	return "idle"
}

// Timer is the part of *time.Timer the deadlines use
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Pending tracks the single in-flight request and its two deadlines.
//
// Every Begin bumps seq. Deadline callbacks carry the seq they were armed
// with and do nothing unless it is still current and the state is awaiting,
// so a timer that fires after a reply, an error or a newer send is inert.
type Pending struct {
	mu        sync.Mutex
	state     PendingState
	seq       uint64
	soft      Timer
	hard      Timer
	softAfter time.Duration
	hardAfter time.Duration
	afterFunc AfterFunc
	log       *Log
}

// NewPending creates an idle state machine writing to log
func NewPending(log *Log, soft, hard time.Duration, afterFunc AfterFunc) *Pending {
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &Pending{
		softAfter: soft,
		hardAfter: hard,
		afterFunc: afterFunc,
		log:       log,
	}
}

// State returns the current state
func (p *Pending) State() PendingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Begin records an outgoing message and arms fresh deadlines, invalidating
// any left over from an earlier request
func (p *Pending) Begin(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopTimersLocked()
	p.log.Append(text, Outgoing, KindTurn)

	p.seq++
	seq := p.seq
	p.state = Awaiting
	p.soft = p.afterFunc(p.softAfter, func() { p.softExpired(seq) })
	p.hard = p.afterFunc(p.hardAfter, func() { p.hardExpired(seq) })
}

// Reply handles an assistant reply. A reply while idle is shown but has no
// other effect.
func (p *Pending) Reply(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	p.log.Append(text, Incoming, KindTurn)
}

// Fail handles an assistant error or a local send failure
func (p *Pending) Fail(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	p.log.Append(FailedTextPrefix+reason, Incoming, KindError)
}

// Cancel drops the in-flight request without showing anything. Used on
// teardown.
func (p *Pending) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
}

func (p *Pending) softExpired(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Awaiting || seq != p.seq || p.soft == nil {
		return
	}
	p.soft = nil
	p.log.Append(StillWorkingText, Incoming, KindNotice)
}

func (p *Pending) hardExpired(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Awaiting || seq != p.seq {
		return
	}
	p.settleLocked()
	p.log.Append(GaveUpText, Incoming, KindError)
}

// settleLocked returns to idle and invalidates both deadlines
func (p *Pending) settleLocked() {
	p.stopTimersLocked()
	if p.state == Awaiting {
		p.seq++
	}
	p.state = Idle
}

func (p *Pending) stopTimersLocked() {
	if p.soft != nil {
		p.soft.Stop()
		p.soft = nil
	}
	if p.hard != nil {
		p.hard.Stop()
		p.hard = nil
	}
}
