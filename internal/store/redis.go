package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-relay/internal/types"
)

// opTimeout bounds every store call so a stalled Redis cannot wedge a
// connection goroutine.
const opTimeout = 2 * time.Second

// RedisStore backs the Store interface with go-redis. Two logical clients
// are held: the channel client serves pub/sub fan-out only, the shared
// client serves session and message persistence. Both may point at the
// same Redis.
type RedisStore struct {
	channel    *redis.Client
	shared     *redis.Client
	defaultTTL time.Duration
	maxHistory int64
	logger     zerolog.Logger
}

// RedisConfig holds connection parameters for the two logical stores.
type RedisConfig struct {
	ChannelURL string
	SharedURL  string
	DefaultTTL time.Duration
	MaxHistory int64
	Logger     zerolog.Logger
}

// NewRedisStore connects both clients and verifies the shared store is
// reachable. A failed initial ping is not fatal: the adapter starts in
// degraded mode and recovers when Redis returns.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	channelOpts, err := redis.ParseURL(cfg.ChannelURL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel redis url: %w", err)
	}
	sharedOpts, err := redis.ParseURL(cfg.SharedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid message redis url: %w", err)
	}

	s := &RedisStore{
		channel:    redis.NewClient(channelOpts),
		shared:     redis.NewClient(sharedOpts),
		defaultTTL: cfg.DefaultTTL,
		maxHistory: cfg.MaxHistory,
		logger:     cfg.Logger.With().Str("component", "store").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.shared.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unreachable at startup, starting degraded")
	}

	return s, nil
}

// withDeadline adds the per-call timeout unless the caller already set one.
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

// wrapErr maps driver errors onto the adapter's sentinels.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrAbsent
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func (s *RedisStore) SessionGet(ctx context.Context, id string) (*types.Session, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	raw, err := s.shared.Get(ctx, SessionKey(id)).Result()
	if err != nil {
		return nil, wrapErr("session_get", err)
	}

	var sess types.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		// Corrupt state is treated as absent so a reconnecting client can
		// start a fresh session instead of failing forever.
		s.logger.Error().Err(err).Str("session_id", id).Msg("Corrupt session JSON, treating as absent")
		return nil, ErrAbsent
	}

	if sess.Expired(time.Now(), s.defaultTTL) {
		return nil, ErrAbsent
	}

	return &sess, nil
}

func (s *RedisStore) SessionPut(ctx context.Context, id string, sess *types.Session, ttl time.Duration) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session_put: encode: %w", err)
	}

	return wrapErr("session_put", s.shared.Set(ctx, SessionKey(id), raw, ttl).Err())
}

func (s *RedisStore) SessionExtend(ctx context.Context, id string, ttl time.Duration) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	ok, err := s.shared.Expire(ctx, SessionKey(id), ttl).Result()
	if err != nil {
		return wrapErr("session_extend", err)
	}
	if !ok {
		return ErrAbsent
	}

	// Message history shares the session lifetime; a missing list is fine.
	s.shared.Expire(ctx, MessagesKey(id), ttl)
	return nil
}

func (s *RedisStore) SessionDelete(ctx context.Context, id string) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	return wrapErr("session_delete", s.shared.Del(ctx, SessionKey(id), MessagesKey(id)).Err())
}

func (s *RedisStore) SessionRemainingTTL(ctx context.Context, id string) (time.Duration, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	ttl, err := s.shared.TTL(ctx, SessionKey(id)).Result()
	if err != nil {
		return 0, wrapErr("session_ttl", err)
	}
	if ttl < 0 {
		// -2 = key absent, -1 = no TTL set; both mean no usable remaining TTL.
		return 0, ErrAbsent
	}
	return ttl, nil
}

func (s *RedisStore) MessagesAppend(ctx context.Context, id string, rec *types.MessageRecord, ttl time.Duration) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("messages_append: encode: %w", err)
	}

	key := MessagesKey(id)
	pipe := s.shared.TxPipeline()
	pipe.RPush(ctx, key, raw)
	// Server-side history bound; the append resets the list TTL.
	pipe.LTrim(ctx, key, -s.maxHistory, -1)
	pipe.Expire(ctx, key, ttl)
	_, err = pipe.Exec(ctx)
	return wrapErr("messages_append", err)
}

func (s *RedisStore) MessagesRange(ctx context.Context, id string, start, stop int64) ([]types.MessageRecord, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	raws, err := s.shared.LRange(ctx, MessagesKey(id), start, stop).Result()
	if err != nil {
		return nil, wrapErr("messages_range", err)
	}

	records := make([]types.MessageRecord, 0, len(raws))
	for _, raw := range raws {
		var rec types.MessageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Skipping corrupt message record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.shared.Scan(ctx, cursor, sessionScanPattern, 100).Result()
		if err != nil {
			return nil, wrapErr("list_session_ids", err)
		}
		for _, key := range keys {
			if id := SessionIDFromKey(key); id != "" {
				seen[id] = struct{}{}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	return wrapErr("publish", s.channel.Publish(ctx, channel, payload).Err())
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	// No deadline here: the subscription outlives any single call.
	ps := s.channel.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so the readiness flip only
	// happens after the broadcast channel is live.
	confirmCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		ps.Close()
		return nil, wrapErr("subscribe", err)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan []byte, 16),
	}
	go sub.pump()
	return sub, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	return wrapErr("ping", s.shared.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	chanErr := s.channel.Close()
	sharedErr := s.shared.Close()
	if chanErr != nil {
		return chanErr
	}
	return sharedErr
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan []byte
}

func (r *redisSubscription) pump() {
	defer close(r.out)
	for msg := range r.ps.Channel() {
		r.out <- []byte(msg.Payload)
	}
}

func (r *redisSubscription) Messages() <-chan []byte {
	return r.out
}

func (r *redisSubscription) Close() error {
	return r.ps.Close()
}
