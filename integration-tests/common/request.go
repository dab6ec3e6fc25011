package common

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// BaseURL is the broker's base HTTP URL, used both for the health check and
// to derive the WebSocket URL.
var BaseURL string

func init() {
	BaseURL = GetEnv("BROKER_BASE_URL", "http://localhost:8080")
}

// GetEnv returns the environment variable value, or def if unset.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// WaitForAPI polls /healthz until it responds 200 or maxRetries is exhausted.
func WaitForAPI(maxRetries int, retryDelay time.Duration) error {
	logrus.Info("waiting for broker to become ready...")
	client := &http.Client{Timeout: 5 * time.Second}

	for i := 0; i < maxRetries; i++ {
		resp, err := client.Get(BaseURL + "/healthz")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			logrus.Info("broker is ready")
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(retryDelay)
		logrus.Debugf("waiting for broker to become ready... (%d/%d)", i+1, maxRetries)
	}

	return fmt.Errorf("broker did not become ready in time")
}

// Probe is the Diagnostic Probe Client (C10): a minimal WebSocket client
// that speaks the broker's auth-frame protocol, used only from this test
// module. It does not replicate the broker's own client library (there
// isn't one yet) — it is deliberately the thinnest possible driver for the
// end-to-end scenarios in the scenario spec.
type Probe struct {
	conn *websocket.Conn
}

// Dial opens a WebSocket connection to the broker's terminal endpoint.
func Dial() (*Probe, error) {
	wsURL := "ws" + strings.TrimPrefix(BaseURL, "http") + "/terminal/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return &Probe{conn: conn}, nil
}

// AuthFrame is the first client->server frame, per the protocol's auth
// handshake.
type AuthFrame struct {
	APIKey      string `json:"apiKey"`
	AccessToken string `json:"accessToken"`
	SessionID   string `json:"sessionId,omitempty"`
}

// Authenticate sends the auth frame (fresh session if sessionID is empty,
// resume otherwise) and returns the parsed hello or error frame.
func (p *Probe) Authenticate(apiKey, accessToken, sessionID string) (*ControlFrame, error) {
	frame := AuthFrame{APIKey: apiKey, AccessToken: accessToken, SessionID: sessionID}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return nil, fmt.Errorf("writing auth frame: %w", err)
	}
	return p.ReadControlFrame()
}

// ControlFrame decodes any of the server's text control frames (hello,
// error, pong, serverShutdown).
type ControlFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Resumed   bool   `json:"resumed,omitempty"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ReadControlFrame reads and decodes the next text frame as a ControlFrame.
func (p *Probe) ReadControlFrame() (*ControlFrame, error) {
	msgType, data, err := p.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("expected a text control frame, got type %d", msgType)
	}
	var cf ControlFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("decoding control frame: %w", err)
	}
	return &cf, nil
}

// SendStdin writes raw bytes as a binary stdin frame.
func (p *Probe) SendStdin(data string) error {
	return p.conn.WriteMessage(websocket.BinaryMessage, []byte(data))
}

// ReadOutputUntil reads binary output frames until the accumulated text
// contains substr or the deadline elapses.
func (p *Probe) ReadOutputUntil(substr string, timeout time.Duration) (string, error) {
	var acc strings.Builder
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return acc.String(), err
		}
		if msgType == websocket.BinaryMessage {
			acc.Write(data)
			if strings.Contains(acc.String(), substr) {
				return acc.String(), nil
			}
		}
	}
}

// ReadOutputUntilAny reads binary output frames until the accumulated text
// contains any one of candidates or the deadline elapses.
func (p *Probe) ReadOutputUntilAny(candidates []string, timeout time.Duration) (string, error) {
	var acc strings.Builder
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return acc.String(), err
		}
		if msgType == websocket.BinaryMessage {
			acc.Write(data)
			text := acc.String()
			for _, c := range candidates {
				if strings.Contains(text, c) {
					return text, nil
				}
			}
		}
	}
}

// Close closes the underlying connection without a close handshake.
func (p *Probe) Close() error {
	return p.conn.Close()
}

// CloseGracefully sends a close frame and waits briefly for the server's own
// close frame, returning the close code the server reported.
func (p *Probe) CloseGracefully(wait time.Duration) int {
	_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = p.conn.SetReadDeadline(time.Now().Add(wait))
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			return 0
		}
	}
}
