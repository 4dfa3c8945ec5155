package hub

import "time"

const (
	TypeRegister            = "register"
	TypeRegistered          = "registered"
	TypeAuth                = "auth"
	TypeAuthSuccess         = "auth_success"
	TypeAuthFailed          = "auth_failed"
	TypeError               = "error"
	TypeSessionConnected    = "session_connected"
	TypeSessionDisconnected = "session_disconnected"
	TypeSessionList         = "session_list"
	TypeListSessions        = "list_sessions"
	TypeResize              = "resize"
	TypeCreateSession       = "create_session"
	TypeCloseSession        = "close_session"
	TypeViewerConnected     = "viewer_connected"
	TypePing                = "ping"
	TypePong                = "pong"
)

// Error codes carried in error and auth_failed messages.
const (
	ErrCodeInvalidCode    = "INVALID_CODE"
	ErrCodeExpiredCode    = "EXPIRED_CODE"
	ErrCodeAlreadyJoined  = "ALREADY_JOINED"
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeRegistryFull   = "REGISTRY_FULL"
)

// ControlMessage is the JSON shape of every text frame. Code is the pairing
// code in registered and the error code in error.
type ControlMessage struct {
	Type         string        `json:"type"`
	ClientID     string        `json:"client_id,omitempty"`
	Code         string        `json:"code,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	SessionCode  string        `json:"session_code,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	SubSessionID string        `json:"sub_session_id,omitempty"`
	Name         string        `json:"name,omitempty"`
	Sessions     []SessionInfo `json:"sessions,omitempty"`
	Cols         int           `json:"cols,omitempty"`
	Rows         int           `json:"rows,omitempty"`
	ViewerID     string        `json:"viewer_id,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// SessionInfo describes one sub-session in a session_list.
type SessionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func errorMessage(code, message string) ControlMessage {
	return ControlMessage{Type: TypeError, Code: code, Message: message}
}
