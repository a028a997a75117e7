package melodix

import "fmt"

// ConfigError signals a caller-supplied configuration mistake: a missing send
// callback, an invalid node option, or a command issued before the bot user id
// is known. Never retried.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("melodix: config error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("melodix: config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError wraps a WebSocket dial/IO failure or a REST network error or
// timeout. REST transport errors are retried per the node's RetryAmount;
// WebSocket transport errors drive the reconnect backoff schedule.
type TransportError struct {
	Msg string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("melodix: transport error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("melodix: transport error: %s", e.Msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusCode implements retrylimit.HTTPError for errors that also carry a
// textual HTTP classification (timeouts and refusals are treated as 5xx-like
// for rate-limiting purposes by the adaptive limiter).
func (e *TransportError) StatusCode() int { return 599 }

// ProtocolError covers a REST request that cannot be encoded or built, and a
// 2xx REST response whose body is not valid JSON. Non-2xx responses are
// RequestError; malformed or unknown websocket frames are only reported
// through the debug event.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("melodix: protocol error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("melodix: protocol error: %s", e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// PreconditionError signals that an operation was attempted in the wrong
// state: resuming with no current track, seeking a non-seekable track,
// playing, connecting, disconnecting or moving a destroyed player. Stop,
// Pause, Seek and SetVolume do not check whether the player is destroyed.
// Surfaced to the caller; never retried.
type PreconditionError struct {
	Op  string
	Msg string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("melodix: precondition failed for %s: %s", e.Op, e.Msg)
}

// SessionError signals that the node's session is no longer valid: either the
// REST client saw a 404 on a session-scoped path, or the websocket closed with
// a code the protocol defines as permanent.
type SessionError struct {
	Msg      string
	Code     int
	Permanent bool
}

func (e *SessionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("melodix: session error (code %d): %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("melodix: session error: %s", e.Msg)
}

// FaultError signals an unrecoverable condition for the affected Player: a
// track exception with severity "fault", or a voice websocket close with a
// code the protocol defines as fatal. The player is destroyed.
type FaultError struct {
	Msg  string
	Code int
}

func (e *FaultError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("melodix: fault (code %d): %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("melodix: fault: %s", e.Msg)
}

// RequestError is returned by the REST client for any non-2xx response other
// than a 404 on a session-scoped path, which is a SessionError. It
// carries the HTTP status and, when the audio server returned one, its
// decoded Lavalink v4 error body.
type RequestError struct {
	Method     string
	Path       string
	Status     int
	Timestamp  int64  `json:"timestamp"`
	ErrorName  string `json:"error"`
	Message    string `json:"message"`
	Trace      string `json:"trace,omitempty"`
	ServerPath string `json:"path,omitempty"`
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("melodix: %s %s: %d %s: %s", e.Method, e.Path, e.Status, e.ErrorName, e.Message)
	}
	return fmt.Sprintf("melodix: %s %s: status %d", e.Method, e.Path, e.Status)
}

// StatusCode implements retrylimit.HTTPError so RequestError participates in
// the adaptive limiter's 429/5xx classification.
func (e *RequestError) StatusCode() int { return e.Status }
