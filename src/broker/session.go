package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is one of the session lifecycle states from spec.md §4.10.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateOrphaned
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateOrphaned:
		return "Orphaned"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// ExecStream is the full-duplex byte stream to the shell's pseudo-terminal,
// as returned by the Container Supervisor's openShell. It is satisfied by
// the docker-exec-backed stream in container.go, and by fakes in tests.
type ExecStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Close() error
	// Done is closed when the underlying exec stream ends (shell exited or
	// the connection to the container engine was lost).
	Done() <-chan struct{}
}

// ContainerHandle identifies a live, running, isolated shell container.
// Session ownership of a handle is exclusive: no two live sessions share one.
type ContainerHandle struct {
	ID string
}

// Session is the central entity of the broker: one running shell, inside one
// container, bound to one credential pair, reachable from zero or one socket.
//
// Field mutation discipline (spec.md §5): only the outbound pump appends to
// OutputBuffer; only the Acceptor and the Shutdown Coordinator mutate
// Registry membership; only the inbound pump updates LastActivityAt. All
// other field reads/writes take mu.
type Session struct {
	ID               string
	CredentialDigest string

	Container ContainerHandle
	Exec      ExecStream

	OutputBuffer *RingBuffer

	mu              sync.Mutex
	socket          *websocket.Conn
	state           State
	createdAt       time.Time
	lastActivityAt  time.Time
	orphanDeadline  time.Time
	attaching       bool
	generation      uint64 // bumped on every resume; guards stale orphan-timer callbacks

	cancelPump func() // stops the currently-bound pump, if any
}

// NewSession constructs a session in the Connecting state. The caller is
// expected to populate Container and Exec once provisioning succeeds, then
// call Activate.
func NewSession(id, credentialDigest string, bufferCapacity int) *Session {
	now := time.Now()
	return &Session{
		ID:               id,
		CredentialDigest: credentialDigest,
		OutputBuffer:     NewRingBuffer(bufferCapacity),
		state:            StateConnecting,
		createdAt:        now,
		lastActivityAt:   now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate binds a socket and transitions Connecting/Orphaned -> Active. The
// generation counter is not touched here — for a resume it has already been
// bumped by BeginAttach, before any network I/O; bumping it again here would
// reopen the window BeginAttach closes.
func (s *Session) Activate(conn *websocket.Conn, cancelPump func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.socket = conn
	s.cancelPump = cancelPump
	s.state = StateActive
	s.orphanDeadline = time.Time{}
}

// Orphan transitions Active -> Orphaned: the socket is cleared and an orphan
// deadline is recorded. Returns the generation the orphan timer should be
// armed against, so a racing resume can be detected by the caller.
func (s *Session) Orphan(graceInterval time.Duration) (deadline time.Time, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelPump != nil {
		s.cancelPump()
		s.cancelPump = nil
	}
	s.socket = nil
	s.state = StateOrphaned
	s.lastActivityAt = time.Now()
	s.orphanDeadline = s.lastActivityAt.Add(graceInterval)
	return s.orphanDeadline, s.generation
}

// BeginAttach marks the session as being resumed, preventing a second
// concurrent resume. Returns false if another attach is already in flight or
// the session is not in a resumable state. Bumps the generation counter
// here, before any network I/O (the caller has not yet written a hello
// frame): a racing orphan-timer callback armed against the prior generation
// becomes a no-op even if it fires while the resume is still in flight,
// which is the "resume wins" tie-break spec.md §4.6/§9 requires.
func (s *Session) BeginAttach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attaching || s.state != StateOrphaned {
		return false
	}
	s.attaching = true
	s.generation++
	return true
}

// EndAttach clears the attaching guard, whether the attach succeeded or not.
func (s *Session) EndAttach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attaching = false
}

// MarkTerminating transitions the session towards shutdown regardless of its
// current state (except Terminated, which is left alone). Returns the
// previous state so the caller can decide whether a socket needs closing.
func (s *Session) MarkTerminating() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if prev == StateTerminated {
		return prev
	}
	if s.cancelPump != nil {
		s.cancelPump()
		s.cancelPump = nil
	}
	s.state = StateTerminating
	return prev
}

// MarkTerminated transitions the session to its terminal state.
func (s *Session) MarkTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminated
	s.socket = nil
}

// Socket returns the currently bound socket, or nil.
func (s *Session) Socket() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

// Touch updates lastActivityAt; called by the inbound pump on every frame.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now()
}

// Generation returns the current resume generation counter.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// OrphanDeadline returns the recorded deadline and whether one is set.
func (s *Session) OrphanDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orphanDeadline.IsZero() {
		return time.Time{}, false
	}
	return s.orphanDeadline, true
}

// CreatedAt returns the session's creation timestamp.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}
