package broker

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Pump binds one WebSocket connection to one session's exec stream and pumps
// bytes in both directions until either side closes. It owns the only two
// goroutines allowed to touch the socket (spec.md §5): outbound copies
// container output to binary WS frames and replays the ring buffer first;
// inbound decodes control frames and binary stdin, updates Touch, and
// forwards resize requests to the exec stream.
type Pump struct {
	session *Session
	conn    *websocket.Conn
	log     *logrus.Entry

	cancel context.CancelFunc
}

// RunPump starts the pump and blocks until the connection or the exec stream
// ends. onDisconnect is invoked exactly once, with the reason the pump
// stopped (io.EOF-like for a clean close, or the triggering error).
func RunPump(parent context.Context, session *Session, conn *websocket.Conn, log *logrus.Entry, onDisconnect func(error)) {
	ctx, cancel := context.WithCancel(parent)
	p := &Pump{session: session, conn: conn, log: log, cancel: cancel}
	session.Activate(conn, cancel)

	done := make(chan error, 2)
	go p.outbound(ctx, done)
	go p.inbound(ctx, done)

	var stopErr error
	select {
	case stopErr = <-done:
	case <-ctx.Done():
		stopErr = ctx.Err()
	}
	cancel()
	_ = conn.Close()
	if onDisconnect != nil {
		onDisconnect(stopErr)
	}
}

// outbound replays buffered output, then streams new bytes from the exec
// stream as binary WS frames until Done fires or the context is cancelled.
func (p *Pump) outbound(ctx context.Context, done chan<- error) {
	if snapshot := p.session.OutputBuffer.Snapshot(); len(snapshot) > 0 {
		if err := p.writeBinary(snapshot); err != nil {
			done <- err
			return
		}
	}

	buf := make([]byte, 32*1024)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	readDone := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		defer close(readDone)
		for {
			n, err := p.session.Exec.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				p.session.OutputBuffer.Append(chunk)
				if werr := p.writeBinary(chunk); werr != nil {
					readErr <- werr
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.session.Exec.Done():
			done <- errors.New("shell exited")
			return
		case err := <-readErr:
			done <- err
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				done <- err
				return
			}
		}
	}
}

func (p *Pump) writeBinary(b []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.BinaryMessage, b)
}

// inbound decodes stdin, resize and ping frames from the client and applies
// them. Binary frames are treated as raw stdin without an envelope.
func (p *Pump) inbound(ctx context.Context, done chan<- error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		p.session.Touch()

		if msgType == websocket.BinaryMessage {
			if _, err := p.session.Exec.Write(data); err != nil {
				done <- err
				return
			}
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.log.WithError(err).Warn("dropping malformed control frame")
			continue
		}

		switch frame.Type {
		case ClientFrameStdin:
			if _, err := p.session.Exec.Write([]byte(frame.Data)); err != nil {
				done <- err
				return
			}
		case ClientFrameResize:
			if err := p.session.Exec.Resize(frame.Cols, frame.Rows); err != nil {
				p.log.WithError(err).Warn("resize failed")
			}
		case ClientFramePing:
			p.writeControlFrame(pongFrame())
		default:
			p.log.WithField("type", frame.Type).Warn("dropping frame with unexpected type on an active session")
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Pump) writeControlFrame(f ServerFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteMessage(websocket.TextMessage, b)
}
