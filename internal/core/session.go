package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/osusync/pbt-server/internal/proto"
)

// SessionState is the lifecycle state of a bridged connection.
type SessionState int32

const (
	// StateActive means the session is registered and relaying.
	StateActive SessionState = iota
	// StateClosing means teardown has started; no further frames relay.
	StateClosing
	// StateClosed means teardown finished and the transport may close.
	StateClosed
)

// CloseKind hints the transport how to close the socket.
type CloseKind int

const (
	// CloseNormal is an ordinary goodbye.
	CloseNormal CloseKind = iota
	// ClosePolicy marks rejections, bans and forced evictions.
	ClosePolicy
)

const sessionSendBuffer = 64

// Session is one bridged connection. It holds a non-owning copy of the
// identity's key fields for routing; the persisted row stays with the store.
type Session struct {
	ID   string
	UID  int64
	Name string // canonical display name, case preserved
	MAC  string
	HWID string

	out  chan proto.Frame
	done chan struct{}

	state        atomic.Int32
	lastActivity atomic.Int64 // unix ms of the last relay-worthy inbound message

	closeMu     sync.Mutex
	closeReason string
	closeKind   CloseKind

	quotaMu        sync.Mutex
	quotaRemaining int
	quotaWindowEnd time.Time

	hbMu      sync.Mutex
	heartbeat *time.Timer
}

// NewSession builds a session for an admitted identity.
func NewSession(uid int64, name, mac, hwid string, now time.Time) *Session {
	s := &Session{
		ID:   uuid.NewString(),
		UID:  uid,
		Name: name,
		MAC:  mac,
		HWID: hwid,
		out:  make(chan proto.Frame, sessionSendBuffer),
		done: make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixMilli())
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Out is drained by the transport write pump.
func (s *Session) Out() <-chan proto.Frame {
	return s.out
}

// Done is closed once teardown has run.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason reports why the session was closed, valid after Done.
func (s *Session) CloseReason() (string, CloseKind) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeReason, s.closeKind
}

// Deliver enqueues an outbound frame without blocking. Frames to a slow or
// closed session are dropped; relay has no persistence guarantee.
func (s *Session) Deliver(f proto.Frame) bool {
	if s.State() != StateActive {
		return false
	}
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

// CloseWith moves the session to Closed exactly once and records the reason.
// Safe to call from timer callbacks, the transport, and admin commands.
func (s *Session) CloseWith(reason string, kind CloseKind) bool {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		return false
	}
	s.closeMu.Lock()
	s.closeReason = reason
	s.closeKind = kind
	s.closeMu.Unlock()

	s.stopTimers()
	s.state.Store(int32(StateClosed))
	close(s.done)
	return true
}

// touch records relay-worthy inbound traffic for the idle sweep.
func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixMilli())
}

// idleFor returns how long the session has gone without relay-worthy traffic.
func (s *Session) idleFor(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-s.lastActivity.Load()) * time.Millisecond
}

// consumeQuota spends one message from the per-minute window, opening a new
// window when the previous one has elapsed. Returns false when exhausted.
func (s *Session) consumeQuota(now time.Time, max int) bool {
	if max <= 0 {
		return true
	}
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	if now.After(s.quotaWindowEnd) || s.quotaWindowEnd.IsZero() {
		s.quotaWindowEnd = now.Add(time.Minute)
		s.quotaRemaining = max
	}
	if s.quotaRemaining == 0 {
		return false
	}
	s.quotaRemaining--
	return true
}

// armHeartbeat starts the liveness timer; expire runs once if no heartbeat
// arrives within d.
func (s *Session) armHeartbeat(d time.Duration, expire func()) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.heartbeat = time.AfterFunc(d, expire)
}

// resetHeartbeat rearms the liveness timer after a heartbeat was received.
func (s *Session) resetHeartbeat(d time.Duration) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.heartbeat != nil {
		s.heartbeat.Reset(d)
	}
}

// stopTimers cancels the liveness timer. Part of teardown, idempotent.
func (s *Session) stopTimers() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}
