package broker

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ClientFrameType enumerates the inbound WebSocket text-frame shapes a
// connected terminal client may send, per spec.md §4.3/§4.5.
type ClientFrameType string

const (
	ClientFrameAuth   ClientFrameType = "auth"
	ClientFrameStdin  ClientFrameType = "stdin"
	ClientFrameResize ClientFrameType = "resize"
	ClientFramePing   ClientFrameType = "ping"
)

// ClientFrame is the envelope for every inbound control frame. Stdin bytes
// travel as a base64-free UTF-8 string in Data to keep the common case
// (typing) cheap to decode; binary WS frames are treated as raw stdin
// without going through this envelope at all (spec.md §4.5).
type ClientFrame struct {
	Type ClientFrameType `json:"type"`

	// auth
	APIKey      string `json:"apiKey,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	SessionID   string `json:"sessionId,omitempty"` // present only when resuming
	Cols        uint16 `json:"cols,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`

	// EnvironmentVariables is only consulted on a fresh (non-resume) auth
	// frame; keys outside the fixed allow-list are dropped by
	// FilterEnvironmentVariables before they ever reach a container.
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`

	// stdin
	Data string `json:"data,omitempty"`

	// resize
	// Cols/Rows reused above
}

// allowedEnvKeys is the fixed allow-list for client-supplied
// environmentVariables (spec.md §6.1): a short list of exact names, plus any
// key under the namespaced prefix.
var allowedEnvKeys = map[string]bool{
	"LANG":      true,
	"TERM":      true,
	"COLORTERM": true,
}

const allowedEnvNamespace = "ABLY_CLI_"

// FilterEnvironmentVariables drops every key not on the fixed allow-list,
// silently, per spec.md §6.1.
func FilterEnvironmentVariables(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if allowedEnvKeys[k] || strings.HasPrefix(k, allowedEnvNamespace) {
			out[k] = v
		}
	}
	return out
}

// ServerFrameType enumerates the outbound control frames the broker sends.
type ServerFrameType string

const (
	ServerFrameHello           ServerFrameType = "hello"
	ServerFrameError           ServerFrameType = "error"
	ServerFramePong            ServerFrameType = "pong"
	ServerFrameServerShutdown  ServerFrameType = "serverShutdown"
)

// WebSocket close codes, per the protocol's close-code table. 1000 and 1011
// are the RFC 6455 standard codes; 4001-4004 are application-defined.
const (
	CloseNormal           = 1000
	CloseInternalError    = 1011
	CloseAuthFailed       = 4001
	CloseAdmissionDenied  = 4002
	CloseResumeRejected   = 4003
	CloseServerShutdown   = 4004
)

// closeCodeForError maps a broker error to the WebSocket close code the
// protocol assigns it.
func closeCodeForError(err error) int {
	be, ok := AsBrokerError(err)
	if !ok {
		return CloseInternalError
	}
	switch be.Code {
	case CodeAuthMalformed, CodeAuthRejected:
		return CloseAuthFailed
	case CodeAdmissionDenied:
		return CloseAdmissionDenied
	case CodeResumeRejected:
		return CloseResumeRejected
	default:
		return CloseInternalError
	}
}

// ServerFrame is the envelope for every outbound control frame. Shell output
// itself is sent as raw binary WS frames, never wrapped in this envelope.
type ServerFrame struct {
	Type ServerFrameType `json:"type"`

	// hello
	SessionID string `json:"sessionId,omitempty"`
	Resumed   bool   `json:"resumed,omitempty"`

	// error
	Code    ErrorCode `json:"code,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
}

func helloFrame(sessionID string, resumed bool) ServerFrame {
	return ServerFrame{Type: ServerFrameHello, SessionID: sessionID, Resumed: resumed}
}

func errorFrame(err error) ServerFrame {
	if be, ok := AsBrokerError(err); ok {
		return ServerFrame{Type: ServerFrameError, Code: be.Code, Reason: be.Reason, Message: be.Message}
	}
	return ServerFrame{Type: ServerFrameError, Code: CodeInternal, Message: err.Error()}
}

func pongFrame() ServerFrame {
	return ServerFrame{Type: ServerFramePong}
}

func serverShutdownFrame() ServerFrame {
	return ServerFrame{Type: ServerFrameServerShutdown}
}
