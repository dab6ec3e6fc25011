package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ContainerProvisioner is the subset of ContainerSupervisor the broker
// depends on; satisfied by *ContainerSupervisor and by fakes in tests.
type ContainerProvisioner interface {
	Provision(ctx context.Context, sessionID, apiKey, accessToken string, extraEnv map[string]string) (ContainerHandle, error)
	OpenShell(ctx context.Context, handle ContainerHandle, cols, rows uint16) (ExecStream, error)
	Terminate(ctx context.Context, handle ContainerHandle)
}

// Broker wires the Credential Digest, Container Supervisor, Session Registry,
// Orphan Timer, Admission Policy and PTY Pump together behind the two
// connection-acceptor entry points: Accept (fresh session) and Resume
// (reattach to an orphaned one). It mirrors the teacher's SessionManager
// "get-or-create" shape, but splits fresh-provision and resume into separate
// methods because the two paths carry materially different error taxonomies
// (ProvisionFailed/ShellFailed vs. ResumeRejected).
type Broker struct {
	registry   *Registry
	admission  *AdmissionPolicy
	containers ContainerProvisioner
	orphans    *OrphanTimer

	ringBufferCapacity int
	graceIntervalNanos atomic.Int64

	log *logrus.Entry
}

// NewBroker assembles a broker from its components.
func NewBroker(registry *Registry, admission *AdmissionPolicy, containers ContainerProvisioner, orphans *OrphanTimer, ringBufferCapacity int, graceInterval time.Duration, log *logrus.Entry) *Broker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Broker{
		registry:           registry,
		admission:          admission,
		containers:         containers,
		orphans:            orphans,
		ringBufferCapacity: ringBufferCapacity,
		log:                log.WithField("component", "broker"),
	}
	b.graceIntervalNanos.Store(int64(graceInterval))
	return b
}

// SetGraceInterval updates the orphan grace period live; takes effect for
// sessions orphaned after the call (sessions already counting down keep
// their original deadline).
func (b *Broker) SetGraceInterval(d time.Duration) {
	b.graceIntervalNanos.Store(int64(d))
}

// Accept handles a fresh-session handshake (spec.md §4.7 path A): admission
// check, provision, open shell, register, activate, pump, and on disconnect
// either orphan (for later resumption) or tear down entirely. apiKey and
// accessToken are injected into the container as its credential environment
// variables and are never retained beyond the Provision call; extraEnv is
// the auth frame's already allow-list-filtered environmentVariables.
func (b *Broker) Accept(ctx context.Context, conn *websocket.Conn, digest, apiKey, accessToken string, extraEnv map[string]string, cols, rows uint16) {
	if err := b.admission.Admit(digest); err != nil {
		b.closeWithError(conn, err)
		return
	}

	sessionID := uuid.NewString()
	session := NewSession(sessionID, digest, b.ringBufferCapacity)
	b.registry.Create(session)

	handle, err := b.containers.Provision(ctx, sessionID, apiKey, accessToken, extraEnv)
	if err != nil {
		b.registry.Remove(sessionID)
		session.MarkTerminated()
		b.closeWithError(conn, err)
		return
	}
	session.Container = handle

	stream, err := b.containers.OpenShell(ctx, handle, cols, rows)
	if err != nil {
		b.containers.Terminate(context.Background(), handle)
		b.registry.Remove(sessionID)
		session.MarkTerminated()
		b.closeWithError(conn, err)
		return
	}
	session.Exec = stream

	b.log.WithField("session_id", sessionID).Info("session accepted")
	b.writeHello(conn, sessionID, false)
	b.runAndRetire(ctx, session, conn)
}

// Resume handles a reattach handshake (spec.md §4.7 path B). Rejections use
// CodeResumeRejected with the matching sub-reason; the session, if found, is
// left exactly as it was so a later legitimate resume can still succeed.
func (b *Broker) Resume(ctx context.Context, conn *websocket.Conn, sessionID, digest string) {
	session, ok := b.registry.Get(sessionID)
	if !ok {
		b.closeWithError(conn, newError(CodeResumeRejected, ReasonUnknownSession, "no session with that id", nil))
		return
	}
	if session.CredentialDigest != digest {
		b.closeWithError(conn, newError(CodeResumeRejected, ReasonDigestMismatch, "credentials do not match the session's owner", nil))
		return
	}
	if !session.BeginAttach() {
		b.closeWithError(conn, newError(CodeResumeRejected, ReasonSessionBusy, "session is already active or being resumed", nil))
		return
	}
	defer session.EndAttach()

	b.orphans.Cancel(session)
	b.log.WithField("session_id", sessionID).Info("session resumed")
	b.writeHello(conn, sessionID, true)
	b.runAndRetire(ctx, session, conn)
}

// runAndRetire drives the pump to completion, then either arms the orphan
// timer (clean disconnect, grace period begins) or tears the session down
// entirely (the underlying shell itself ended).
func (b *Broker) runAndRetire(ctx context.Context, session *Session, conn *websocket.Conn) {
	RunPump(ctx, session, conn, b.log, func(pumpErr error) {
		if session.Exec != nil {
			select {
			case <-session.Exec.Done():
				b.terminateSession(session)
				return
			default:
			}
		}
		b.orphanSession(session)
	})
}

func (b *Broker) orphanSession(session *Session) {
	deadline, generation := session.Orphan(time.Duration(b.graceIntervalNanos.Load()))
	b.orphans.Arm(session, deadline, generation, b.terminateSession)
	b.log.WithField("session_id", session.ID).WithField("deadline", deadline).Info("session orphaned")
}

// terminateSession tears a session down after a clean shell exit or an
// expired orphan timer; the close code observed by any still-attached client
// is the normal-completion code. These are background, not shutdown-driven,
// teardowns, so there is no caller deadline to respect beyond the container
// supervisor's own fixed bounds.
func (b *Broker) terminateSession(session *Session) {
	b.terminateSessionWithCode(context.Background(), session, CloseNormal)
}

func (b *Broker) terminateSessionWithCode(ctx context.Context, session *Session, closeCode int) {
	prev := session.MarkTerminating()
	if prev == StateTerminated {
		return
	}
	b.orphans.Cancel(session)
	if sock := session.Socket(); sock != nil {
		b.closeWithCode(sock, closeCode, "")
	}
	b.containers.Terminate(ctx, session.Container)
	b.registry.Remove(session.ID)
	session.MarkTerminated()
	b.log.WithField("session_id", session.ID).Info("session terminated")
}

func (b *Broker) writeHello(conn *websocket.Conn, sessionID string, resumed bool) {
	f := helloFrame(sessionID, resumed)
	body, err := json.Marshal(f)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, body)
}

func (b *Broker) closeWithError(conn *websocket.Conn, err error) {
	b.log.WithError(err).Warn("rejecting connection")
	f := errorFrame(err)
	body, mErr := json.Marshal(f)
	if mErr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, body)
	}
	b.closeWithCode(conn, closeCodeForError(err), f.Message)
}

func (b *Broker) closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// Shutdown terminates every registered session concurrently, bounded by
// ctx's deadline (the Shutdown Coordinator derives ctx from the configured
// drain timeout). It is the Shutdown Coordinator's (C9) core operation,
// invoked from main on SIGTERM; see shutdown.go for the signal wiring.
func (b *Broker) Shutdown(ctx context.Context) {
	sessions := b.registry.Snapshot()
	b.log.WithField("count", len(sessions)).Info("shutting down, terminating sessions")

	var wg sync.WaitGroup
	for _, s := range sessions {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sock := s.Socket(); sock != nil {
				b.writeServerShutdown(sock)
			}
			b.terminateSessionWithCode(ctx, s, CloseServerShutdown)
		}()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		b.log.Warn("shutdown deadline exceeded before all sessions finished draining")
	}
}

func (b *Broker) writeServerShutdown(conn *websocket.Conn) {
	body, err := json.Marshal(serverShutdownFrame())
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, body)
}
