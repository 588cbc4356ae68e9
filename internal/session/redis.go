package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares credentials between portal instances.
//
// Layout (prefix "portal" by default):
//   - <prefix>:session:<sid>     hash {token, exp, ver}, expires one TTL after Set created it
//   - <prefix>:sessions          set of live session ids
//   - <prefix>:session-version   store-wide version counter
//   - <prefix>:session-changes   Pub/Sub channel carrying JSON Change values
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

type RedisStoreOptions struct {
	Prefix string
	// TTL is the session lifetime counted from Set. Swap keeps the remaining
	// time, so refreshes never extend it.
	TTL    time.Duration
	Logger *slog.Logger
}

func NewRedisStore(rdb *redis.Client, opts RedisStoreOptions) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if opts.Prefix == "" {
		opts.Prefix = "portal"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, prefix: opts.Prefix, ttl: opts.TTL, log: opts.Logger}, nil
}

// writeScript is the only write path, so version checks and the live set stay atomic.
var writeScript = redis.NewScript(`
-- KEYS[1] = credential hash
-- KEYS[2] = live session set
-- KEYS[3] = version counter
-- ARGV[1] = session id
-- ARGV[2] = token ('' clears)
-- ARGV[3] = expiry, unix nanos (0 = unknown)
-- ARGV[4] = ttl_ms
-- ARGV[5] = expected version (-1 = unconditional)
--
-- Only unconditional writes, or writes that create the hash, arm the TTL;
-- a conditional overwrite keeps the remaining lifetime.
--
-- Returns:
--  >0 new version
--   0 cleared
--  -1 version conflict
--  -2 nothing to clear
local cur = tonumber(redis.call('HGET', KEYS[1], 'ver') or '0')
local expected = tonumber(ARGV[5])
if expected >= 0 and cur ~= expected then
  return -1
end

if ARGV[2] == '' then
  if cur == 0 then
    redis.call('SREM', KEYS[2], ARGV[1])
    return -2
  end
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[1])
  return 0
end

local ver = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], 'token', ARGV[2], 'exp', ARGV[3], 'ver', ver)
if expected < 0 or cur == 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
redis.call('SADD', KEYS[2], ARGV[1])
return ver
`)

const (
	writeConflict = -1
	writeNoop     = -2
)

func (s *RedisStore) Get(ctx context.Context, sid string) (Credential, error) {
	if sid == "" {
		return Credential{}, ErrInvalidSessionID
	}
	fields, err := s.rdb.HGetAll(ctx, s.credKey(sid)).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("session: get: %w", err)
	}
	if len(fields) == 0 || fields["token"] == "" {
		return Credential{}, nil
	}

	ver, err := strconv.ParseUint(fields["ver"], 10, 64)
	if err != nil {
		return Credential{}, fmt.Errorf("session: corrupt version for %s: %w", sid, err)
	}
	c := Credential{Token: fields["token"], Version: ver}
	if exp, err := strconv.ParseInt(fields["exp"], 10, 64); err == nil && exp > 0 {
		c.ExpiresAt = time.Unix(0, exp).UTC()
	}
	return c, nil
}

func (s *RedisStore) Set(ctx context.Context, sid string, c Credential) (Credential, error) {
	return s.write(ctx, sid, -1, c)
}

func (s *RedisStore) Swap(ctx context.Context, sid string, expected uint64, c Credential) (Credential, error) {
	return s.write(ctx, sid, int64(expected), c)
}

func (s *RedisStore) Clear(ctx context.Context, sid string) error {
	_, err := s.write(ctx, sid, -1, Credential{})
	return err
}

func (s *RedisStore) write(ctx context.Context, sid string, expected int64, c Credential) (Credential, error) {
	if sid == "" {
		return Credential{}, ErrInvalidSessionID
	}

	var exp int64
	if !c.ExpiresAt.IsZero() {
		exp = c.ExpiresAt.UnixNano()
	}
	keys := []string{s.credKey(sid), s.liveKey(), s.versionKey()}
	res, err := writeScript.Run(ctx, s.rdb, keys, sid, c.Token, exp, s.ttl.Milliseconds(), expected).Int64()
	if err != nil {
		return Credential{}, fmt.Errorf("session: write: %w", err)
	}

	switch {
	case res == writeConflict:
		return Credential{}, ErrVersionConflict
	case res == writeNoop:
		return Credential{}, nil
	case res == 0:
		s.publish(ctx, Change{SessionID: sid})
		return Credential{}, nil
	}

	c.Version = uint64(res)
	s.publish(ctx, changeOf(sid, c))
	return c, nil
}

// publish is best-effort: subscribers re-read the store before acting on a verdict.
func (s *RedisStore) publish(ctx context.Context, ch Change) {
	payload, err := json.Marshal(ch)
	if err != nil {
		s.log.Warn("session change encode failed", "session_id", ch.SessionID, "err", err)
		return
	}
	if err := s.rdb.Publish(ctx, s.changesChannel(), payload).Err(); err != nil {
		s.log.Warn("session change publish failed", "session_id", ch.SessionID, "err", err)
	}
}

// Sessions returns live ids and prunes ids whose hash already expired.
func (s *RedisStore) Sessions(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.liveKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	exists := make([]*redis.IntCmd, len(ids))
	if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, sid := range ids {
			exists[i] = p.Exists(ctx, s.credKey(sid))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}

	live := make([]string, 0, len(ids))
	var stale []any
	for i, sid := range ids {
		if exists[i].Val() > 0 {
			live = append(live, sid)
		} else {
			stale = append(stale, sid)
		}
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, s.liveKey(), stale...).Err(); err != nil {
			s.log.Warn("session prune failed", "count", len(stale), "err", err)
		}
	}
	sort.Strings(live)
	return live, nil
}

func (s *RedisStore) Subscribe(ctx context.Context) (<-chan Change, error) {
	pubsub := s.rdb.Subscribe(ctx, s.changesChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("session: subscribe: %w", err)
	}

	out := make(chan Change, subscriberBuffer)
	msgs := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ch Change
				if err := json.Unmarshal([]byte(m.Payload), &ch); err != nil {
					s.log.Warn("session change decode failed", "err", err)
					continue
				}
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) credKey(sid string) string { return s.prefix + ":session:" + sid }
func (s *RedisStore) liveKey() string           { return s.prefix + ":sessions" }
func (s *RedisStore) versionKey() string        { return s.prefix + ":session-version" }
func (s *RedisStore) changesChannel() string    { return s.prefix + ":session-changes" }
