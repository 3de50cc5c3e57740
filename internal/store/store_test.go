package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionKeys(t *testing.T) {
	assert.Equal(t, "session:abc", SessionKey("abc"))
	assert.Equal(t, "session:abc:messages", MessagesKey("abc"))
}

func TestSessionIDFromKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"session:abc", "abc"},
		{"session:abc:messages", "abc"},
		{"session:550e8400-e29b-41d4-a716-446655440000", "550e8400-e29b-41d4-a716-446655440000"},
		{"session:", ""},
		{"session::messages", ""},
		{"other:abc", ""},
		{"session:a:b", ""}, // nested namespaces are not session keys
		{"", ""},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, SessionIDFromKey(tc.key), "key %q", tc.key)
	}
}
