package broker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// fakeExecStream is an in-memory ExecStream for pump tests: Write appends to
// an internal log, Read streams canned output once then blocks until closed.
type fakeExecStream struct {
	mu       sync.Mutex
	written  []byte
	output   []byte
	readOnce bool
	resized  []uint16 // cols,rows pairs flattened
	done     chan struct{}
	closed   bool
}

func newFakeExecStream(output string) *fakeExecStream {
	return &fakeExecStream{output: []byte(output), done: make(chan struct{})}
}

func (f *fakeExecStream) Read(p []byte) (int, error) {
	f.mu.Lock()
	if !f.readOnce {
		f.readOnce = true
		n := copy(p, f.output)
		f.mu.Unlock()
		if n > 0 {
			return n, nil
		}
	} else {
		f.mu.Unlock()
	}
	<-f.done
	return 0, io.EOF
}

func (f *fakeExecStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeExecStream) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized = append(f.resized, cols, rows)
	return nil
}

func (f *fakeExecStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeExecStream) Done() <-chan struct{} { return f.done }

func newTestWSServer(t *testing.T, handler func(*websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handler(conn)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestPumpRepliesOutputAndStdin(t *testing.T) {
	session := NewSession("sess-1", "digest", 0)
	exec := newFakeExecStream("hello from shell")
	session.Exec = exec

	log := logrus.NewEntry(logrus.New())

	srv, wsURL := newTestWSServer(t, func(conn *websocket.Conn) {
		RunPump(context.Background(), session, conn, log, func(error) {})
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("expected a binary replay frame, got err: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got type %d", msgType)
	}
	if !strings.Contains(string(data), "hello from shell") {
		t.Fatalf("expected output to contain shell text, got %q", data)
	}

	stdin := ClientFrame{Type: ClientFrameStdin, Data: "ls\n"}
	b, _ := json.Marshal(stdin)
	if err := client.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write stdin frame failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	exec.mu.Lock()
	got := string(exec.written)
	exec.mu.Unlock()
	if got != "ls\n" {
		t.Fatalf("expected exec stream to receive stdin, got %q", got)
	}

	exec.Close()
}

func TestPumpForwardsResize(t *testing.T) {
	session := NewSession("sess-1", "digest", 0)
	exec := newFakeExecStream("")
	session.Exec = exec
	log := logrus.NewEntry(logrus.New())

	srv, wsURL := newTestWSServer(t, func(conn *websocket.Conn) {
		RunPump(context.Background(), session, conn, log, func(error) {})
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	resize := ClientFrame{Type: ClientFrameResize, Cols: 120, Rows: 40}
	b, _ := json.Marshal(resize)
	if err := client.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write resize frame failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		exec.mu.Lock()
		n := len(exec.resized)
		exec.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.resized) < 2 || exec.resized[0] != 120 || exec.resized[1] != 40 {
		t.Fatalf("expected resize(120,40) to reach the exec stream, got %v", exec.resized)
	}
	exec.Close()
}
