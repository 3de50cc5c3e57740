package types

import (
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// BroadcastLevel is the severity attached to an administrative broadcast.
type BroadcastLevel string

const (
	LevelInfo    BroadcastLevel = "info"
	LevelWarning BroadcastLevel = "warning"
	LevelError   BroadcastLevel = "error"
	LevelSuccess BroadcastLevel = "success"
)

// Valid reports whether l is one of the four recognized broadcast levels.
func (l BroadcastLevel) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelSuccess:
		return true
	}
	return false
}

// Session is the persisted per-session state stored under session:{id}.
// Count is monotonically non-decreasing across reconnects as long as the
// session has not expired.
type Session struct {
	Count        int64 `json:"count"`
	CreatedAt    int64 `json:"created_at"`    // epoch seconds
	LastActivity int64 `json:"last_activity"` // epoch seconds
}

// Expired reports whether the session's TTL has elapsed relative to now.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Unix()-s.LastActivity > int64(ttl.Seconds())
}

// MessageRecord is one entry of a session's history list under
// session:{id}:messages. Records are append-only and never mutated.
type MessageRecord struct {
	Content        string         `json:"content"`
	TimestampMs    int64          `json:"timestamp_ms"`
	IsSent         bool           `json:"is_sent"` // true = client-originated
	SessionID      string         `json:"session_id"`
	IsBroadcast    bool           `json:"is_broadcast,omitempty"`
	BroadcastLevel BroadcastLevel `json:"broadcast_level,omitempty"`
}

// BroadcastRequest is a validated request to notify every known session.
// ID is a stable hash assigned by the coordinator so the same broadcast
// arriving over multiple feeds (HTTP, pub/sub, NATS) is applied once.
type BroadcastRequest struct {
	Message     string         `json:"message"`
	Title       string         `json:"title"`
	Level       BroadcastLevel `json:"level"`
	TimestampMs int64          `json:"timestamp_ms"`
	ID          string         `json:"id,omitempty"`
	Origin      string         `json:"origin,omitempty"` // instance id of the publisher
}

// DefaultBroadcastTitle is applied when a request omits the title.
const DefaultBroadcastTitle = "System Message"
