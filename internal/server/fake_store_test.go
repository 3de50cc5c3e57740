package server

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/chat-relay/internal/store"
	"github.com/adred-codev/chat-relay/internal/types"
)

// fakeStore is an in-memory Store for tests. SessionGet applies the same
// logical-expiry check the real adapter does, against the TTL recorded at
// put time; tests drive expiry by seeding a stale Session.LastActivity.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	messages map[string][]types.MessageRecord
	ttls     map[string]time.Duration

	published [][]byte
	subCh     chan []byte

	pingErr error
	failAll bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*types.Session),
		messages: make(map[string][]types.MessageRecord),
		ttls:     make(map[string]time.Duration),
		subCh:    make(chan []byte, 16),
	}
}

func (f *fakeStore) SessionGet(ctx context.Context, id string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, store.ErrUnavailable
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrAbsent
	}
	if ttl, ok := f.ttls[id]; ok && s.Expired(time.Now(), ttl) {
		return nil, store.ErrAbsent
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) SessionPut(ctx context.Context, id string, s *types.Session, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return store.ErrUnavailable
	}
	cp := *s
	f.sessions[id] = &cp
	f.ttls[id] = ttl
	return nil
}

func (f *fakeStore) SessionExtend(ctx context.Context, id string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return store.ErrUnavailable
	}
	if _, ok := f.sessions[id]; !ok {
		return store.ErrAbsent
	}
	f.ttls[id] = ttl
	return nil
}

func (f *fakeStore) SessionDelete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return store.ErrUnavailable
	}
	delete(f.sessions, id)
	delete(f.messages, id)
	delete(f.ttls, id)
	return nil
}

func (f *fakeStore) SessionRemainingTTL(ctx context.Context, id string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, store.ErrUnavailable
	}
	ttl, ok := f.ttls[id]
	if !ok {
		return 0, store.ErrAbsent
	}
	return ttl, nil
}

func (f *fakeStore) MessagesAppend(ctx context.Context, id string, rec *types.MessageRecord, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return store.ErrUnavailable
	}
	f.messages[id] = append(f.messages[id], *rec)
	return nil
}

func (f *fakeStore) MessagesRange(ctx context.Context, id string, start, stop int64) ([]types.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, store.ErrUnavailable
	}
	list := f.messages[id]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}
	out := make([]types.MessageRecord, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (f *fakeStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, store.ErrUnavailable
	}
	seen := make(map[string]struct{})
	for id := range f.sessions {
		seen[id] = struct{}{}
	}
	for id := range f.messages {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeStore) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return store.ErrUnavailable
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.published = append(f.published, cp)
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	if f.failAll {
		return nil, store.ErrUnavailable
	}
	return &fakeSubscription{ch: f.subCh}, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeStore) records(id string) []types.MessageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.MessageRecord, len(f.messages[id]))
	copy(out, f.messages[id])
	return out
}

func (f *fakeStore) session(id string) *types.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

type fakeSubscription struct {
	ch        chan []byte
	closeOnce sync.Once
}

func (s *fakeSubscription) Messages() <-chan []byte { return s.ch }

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}
