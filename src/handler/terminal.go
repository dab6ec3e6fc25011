package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/ably/cli-terminal-broker/src/broker"
)

var terminalJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// handshakeTimeout bounds how long a client has to send its auth frame after
// the WebSocket upgrade completes (spec.md §4.7 step 1). The value is fixed
// here; config.Config.HandshakeTimeout (BROKER_HANDSHAKE_TIMEOUT) is not
// consulted.
const handshakeTimeout = 20 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TerminalHandler is the Connection Acceptor (C7): it owns the WebSocket
// upgrade and the single auth frame that decides whether a connection
// becomes a fresh session or a resume, then hands the live socket off to the
// broker for the lifetime of the pump.
type TerminalHandler struct {
	broker *broker.Broker
	log    *logrus.Entry
}

// NewTerminalHandler wires a handler to the broker that will own accepted
// sessions. b may be nil in contexts that never call HandleTerminalWS (e.g.
// benchmarks exercising only /healthz).
func NewTerminalHandler(b *broker.Broker) *TerminalHandler {
	return &TerminalHandler{broker: b, log: logrus.NewEntry(logrus.StandardLogger()).WithField("component", "terminal_handler")}
}

// HandleTerminalWS upgrades the connection, reads the auth frame, and
// dispatches to Broker.Accept or Broker.Resume.
// @Summary Open a terminal session
// @Description Upgrades to a WebSocket and streams an interactive shell, per the auth-frame protocol
// @Tags terminal
// @Router /terminal/ws [get]
func (h *TerminalHandler) HandleTerminalWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil || msgType != websocket.TextMessage {
		h.rejectMalformed(conn, "expected a text auth frame")
		return
	}

	var frame broker.ClientFrame
	if err := terminalJSON.Unmarshal(data, &frame); err != nil {
		h.rejectMalformed(conn, "auth frame is not valid JSON")
		return
	}
	if frame.APIKey == "" || frame.AccessToken == "" {
		h.rejectMalformed(conn, "apiKey and accessToken are required")
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	digest := broker.CredentialDigest(frame.APIKey, frame.AccessToken)

	cols, rows := frame.Cols, frame.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ctx := context.Background()
	if frame.SessionID != "" {
		h.broker.Resume(ctx, conn, frame.SessionID, digest)
		return
	}
	env := broker.FilterEnvironmentVariables(frame.EnvironmentVariables)
	h.broker.Accept(ctx, conn, digest, frame.APIKey, frame.AccessToken, env, cols, rows)
}

func (h *TerminalHandler) rejectMalformed(conn *websocket.Conn, message string) {
	h.log.WithField("reason", message).Warn("rejecting malformed auth frame")
	body := []byte(`{"type":"error","code":"AuthMalformed","message":"` + message + `"}`)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, body)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(broker.CloseAuthFailed, message), time.Now().Add(5*time.Second))
	_ = conn.Close()
}
