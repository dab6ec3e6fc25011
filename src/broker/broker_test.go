package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// fakeProvisioner is an in-memory ContainerProvisioner: Provision succeeds
// immediately unless nextFailure is set (then it returns that error once),
// and OpenShell hands back a fresh fakeExecStream.
type fakeProvisioner struct {
	mu          sync.Mutex
	terminated  []string
	nextFailure error

	lastAPIKey      string
	lastAccessToken string
	lastExtraEnv    map[string]string
}

func (f *fakeProvisioner) Provision(ctx context.Context, sessionID, apiKey, accessToken string, extraEnv map[string]string) (ContainerHandle, error) {
	f.mu.Lock()
	f.lastAPIKey = apiKey
	f.lastAccessToken = accessToken
	f.lastExtraEnv = extraEnv
	f.mu.Unlock()
	if f.nextFailure != nil {
		err := f.nextFailure
		f.nextFailure = nil
		return ContainerHandle{}, err
	}
	return ContainerHandle{ID: "container-" + sessionID}, nil
}

func (f *fakeProvisioner) OpenShell(ctx context.Context, handle ContainerHandle, cols, rows uint16) (ExecStream, error) {
	return newFakeExecStream("welcome\n"), nil
}

func (f *fakeProvisioner) Terminate(ctx context.Context, handle ContainerHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, handle.ID)
}

func newTestBroker(prov *fakeProvisioner) (*Broker, *Registry) {
	registry := NewRegistry()
	admission := NewAdmissionPolicy(registry, 0, 0, 0, 0)
	orphans := NewOrphanTimer()
	log := logrus.NewEntry(logrus.New())
	b := NewBroker(registry, admission, prov, orphans, 0, 50*time.Millisecond, log)
	return b, registry
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestBrokerAcceptThenOrphanOnDisconnect(t *testing.T) {
	prov := &fakeProvisioner{}
	registry := NewRegistry()
	admission := NewAdmissionPolicy(registry, 0, 0, 0, 0)
	orphans := NewOrphanTimer()
	log := logrus.NewEntry(logrus.New())
	// A long grace interval keeps this test from racing the orphan timer's
	// own terminate-on-expiry callback.
	b := NewBroker(registry, admission, prov, orphans, 0, 5*time.Second, log)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		b.Accept(context.Background(), conn, "digest-a", "key-a", "token-a", nil, 80, 24)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := dialWS(t, wsURL)

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, body, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("expected a hello frame, got err: %v", err)
	}
	var hello ServerFrame
	if err := json.Unmarshal(body, &hello); err != nil {
		t.Fatalf("expected hello frame to parse, got %v", err)
	}
	if hello.Type != ServerFrameHello || hello.Resumed {
		t.Fatalf("expected a non-resumed hello frame, got %+v", hello)
	}
	sessionID := hello.SessionID

	client.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s, ok := registry.Get(sessionID); ok && s.State() == StateOrphaned {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected session %s to transition to Orphaned after disconnect", sessionID)
}

func TestBrokerAcceptInjectsCredentialsIntoProvision(t *testing.T) {
	prov := &fakeProvisioner{}
	b, _ := newTestBroker(prov)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		b.Accept(context.Background(), conn, "digest-a", "the-api-key", "the-access-token", map[string]string{"TERM": "xterm-256color"}, 80, 24)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := dialWS(t, wsURL)
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := client.ReadMessage(); err != nil {
		t.Fatalf("expected a hello frame, got err: %v", err)
	}

	prov.mu.Lock()
	defer prov.mu.Unlock()
	if prov.lastAPIKey != "the-api-key" || prov.lastAccessToken != "the-access-token" {
		t.Fatalf("expected credentials to reach Provision, got apiKey=%q accessToken=%q", prov.lastAPIKey, prov.lastAccessToken)
	}
	if prov.lastExtraEnv["TERM"] != "xterm-256color" {
		t.Fatalf("expected extraEnv to reach Provision, got %+v", prov.lastExtraEnv)
	}
}

func TestBrokerResumeRejectsWrongCredentials(t *testing.T) {
	prov := &fakeProvisioner{}
	b, registry := newTestBroker(prov)

	session := NewSession("sess-known", "digest-owner", 0)
	registry.Create(session)
	session.Orphan(time.Hour)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		b.Resume(context.Background(), conn, "sess-known", "digest-attacker")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := dialWS(t, wsURL)
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, body, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error frame, got err: %v", err)
	}
	var frame ServerFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		t.Fatalf("expected error frame to parse, got %v", err)
	}
	if frame.Type != ServerFrameError || frame.Code != CodeResumeRejected || frame.Reason != ReasonDigestMismatch {
		t.Fatalf("expected ResumeRejected/DigestMismatch, got %+v", frame)
	}
}

func TestBrokerAcceptDeniedByAdmission(t *testing.T) {
	prov := &fakeProvisioner{}
	registry := NewRegistry()
	admission := NewAdmissionPolicy(registry, 1, 0, 0, 0)
	registry.Create(NewSession("existing", "digest-a", 0))
	orphans := NewOrphanTimer()
	log := logrus.NewEntry(logrus.New())
	b := NewBroker(registry, admission, prov, orphans, 0, 50*time.Millisecond, log)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		b.Accept(context.Background(), conn, "digest-b", "key-b", "token-b", nil, 80, 24)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := dialWS(t, wsURL)
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, body, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error frame, got err: %v", err)
	}
	var frame ServerFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		t.Fatalf("expected error frame to parse, got %v", err)
	}
	if frame.Type != ServerFrameError || frame.Code != CodeAdmissionDenied {
		t.Fatalf("expected AdmissionDenied, got %+v", frame)
	}
}

func TestBrokerShutdownTerminatesAllSessions(t *testing.T) {
	prov := &fakeProvisioner{}
	b, registry := newTestBroker(prov)

	registry.Create(NewSession("a", "digest-a", 0))
	registry.Create(NewSession("b", "digest-b", 0))

	b.Shutdown(context.Background())

	if registry.Count() != 0 {
		t.Fatalf("expected all sessions removed after shutdown, got %d remaining", registry.Count())
	}
}
