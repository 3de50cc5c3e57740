// Package store abstracts the external key-value service backing sessions,
// message history, and the cross-instance broadcast channel.
//
// Key naming is normative:
//
//	session:{id}           JSON session state, with TTL
//	session:{id}:messages  list of JSON message records, with TTL
//
// Failure policy: lookups degrade to absent on store unavailability; writes
// are logged and counted by callers but never abort a connection.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/adred-codev/chat-relay/internal/types"
)

var (
	// ErrAbsent is returned when a session does not exist or has expired.
	ErrAbsent = errors.New("store: session absent")

	// ErrUnavailable is returned when the backing store cannot be reached
	// within the per-call deadline. Callers fall back: reads treat the
	// session as absent, writes become no-ops.
	ErrUnavailable = errors.New("store: unavailable")
)

// BroadcastChannel is the pub/sub channel carrying broadcast envelopes
// between instances.
const BroadcastChannel = "broadcast"

const (
	sessionKeyPrefix   = "session:"
	messagesKeySuffix  = ":messages"
	sessionScanPattern = "session:*"
)

// SessionKey returns the key holding session state for id.
func SessionKey(id string) string {
	return sessionKeyPrefix + id
}

// MessagesKey returns the key holding the message history list for id.
func MessagesKey(id string) string {
	return sessionKeyPrefix + id + messagesKeySuffix
}

// SessionIDFromKey extracts the session id from either key form, or ""
// if the key does not belong to the session namespace.
func SessionIDFromKey(key string) string {
	if !strings.HasPrefix(key, sessionKeyPrefix) {
		return ""
	}
	id := strings.TrimPrefix(key, sessionKeyPrefix)
	id = strings.TrimSuffix(id, messagesKeySuffix)
	if id == "" || strings.Contains(id, ":") {
		return ""
	}
	return id
}

// Subscription is a live pub/sub stream. Messages yields raw payloads until
// Close is called or the store shuts down.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Store is the typed adapter over the external KV service. All operations
// honor the context deadline; implementations add their own per-call
// timeout when the caller supplied none.
type Store interface {
	SessionGet(ctx context.Context, id string) (*types.Session, error)
	SessionPut(ctx context.Context, id string, s *types.Session, ttl time.Duration) error
	SessionExtend(ctx context.Context, id string, ttl time.Duration) error
	SessionDelete(ctx context.Context, id string) error
	// SessionRemainingTTL returns the remaining TTL of the session key,
	// or ErrAbsent when the key does not exist.
	SessionRemainingTTL(ctx context.Context, id string) (time.Duration, error)

	MessagesAppend(ctx context.Context, id string, rec *types.MessageRecord, ttl time.Duration) error
	MessagesRange(ctx context.Context, id string, start, stop int64) ([]types.MessageRecord, error)

	// ListSessionIDs returns the union of ids derived from session keys and
	// message-list keys. Duplicates from concurrent scans are collapsed.
	ListSessionIDs(ctx context.Context) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
