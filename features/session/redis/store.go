package redis

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/google/uuid"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/session"
)

// rotateScript consumes a refresh token and emits its replacement in one
// atomic step. A replay of a consumed token destroys the session outright:
// once deletion has happened, every token of that session is invalid.
var rotateScript = goredis.NewScript(`
local refreshKey = KEYS[1]
local consumedKey = KEYS[2]
local newHash = ARGV[1]
local ttlSec = tonumber(ARGV[2])
local nowUnix = ARGV[3]

local sid = redis.call('GET', consumedKey)
if sid then
  local cur = redis.call('HGET', 'session:'..sid, 'refresh_hash')
  if cur then redis.call('DEL', 'refresh:'..cur) end
  redis.call('DEL', 'session:'..sid)
  return {'replay', sid}
end
sid = redis.call('GET', refreshKey)
if not sid then
  return {'unknown'}
end
local tenant = redis.call('HGET', 'session:'..sid, 'tenant')
if not tenant then
  redis.call('DEL', refreshKey)
  return {'unknown'}
end
redis.call('DEL', refreshKey)
redis.call('SET', consumedKey, sid, 'EX', ttlSec)
redis.call('HSET', 'session:'..sid, 'refresh_hash', newHash, 'issued_at', nowUnix)
redis.call('EXPIRE', 'session:'..sid, ttlSec)
redis.call('SET', 'refresh:'..newHash, sid, 'EX', ttlSec)
local level = redis.call('HGET', 'session:'..sid, 'user_level')
return {'ok', sid, tenant, level or ''}
`)

// Create opens a session and returns its first token pair.
func (s *Store) Create(ctx context.Context, tenant, userLevel string, ttl time.Duration) (session.Session, session.TokenPair, error) {
	if tenant == "" {
		return session.Session{}, session.TokenPair{}, fault.New(fault.KindValidation, "tenant is required")
	}
	refresh, err := session.NewToken()
	if err != nil {
		return session.Session{}, session.TokenPair{}, fault.Wrap(fault.KindInternal, "mint refresh token", err)
	}
	access, err := session.NewToken()
	if err != nil {
		return session.Session{}, session.TokenPair{}, fault.Wrap(fault.KindInternal, "mint access token", err)
	}
	now := s.now().UTC()
	sess := session.Session{
		ID:               uuid.NewString(),
		Tenant:           tenant,
		RefreshTokenHash: session.HashToken(refresh),
		UserLevel:        userLevel,
		IssuedAt:         now,
		ExpiresAt:        now.Add(ttl),
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(sess.ID),
		"tenant", sess.Tenant,
		"refresh_hash", sess.RefreshTokenHash,
		"user_level", sess.UserLevel,
		"issued_at", strconv.FormatInt(now.Unix(), 10),
	)
	pipe.Expire(ctx, sessionKey(sess.ID), ttl)
	pipe.Set(ctx, refreshKey(sess.RefreshTokenHash), sess.ID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return session.Session{}, session.TokenPair{}, fault.Wrap(fault.KindTransient, "create session", err)
	}
	return sess, session.TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: ttl}, nil
}

// Rotate exchanges a refresh token for a fresh pair. Single use: the stored
// entry is invalidated before the new pair is emitted, and a replayed token
// fails closed by invalidating the whole session.
func (s *Store) Rotate(ctx context.Context, refreshToken string) (session.Session, session.TokenPair, error) {
	if refreshToken == "" {
		return session.Session{}, session.TokenPair{}, fault.New(fault.KindAuthz, "refresh token is required")
	}
	newRefresh, err := session.NewToken()
	if err != nil {
		return session.Session{}, session.TokenPair{}, fault.Wrap(fault.KindInternal, "mint refresh token", err)
	}
	access, err := session.NewToken()
	if err != nil {
		return session.Session{}, session.TokenPair{}, fault.Wrap(fault.KindInternal, "mint access token", err)
	}
	hash := session.HashToken(refreshToken)
	newHash := session.HashToken(newRefresh)
	const ttl = 24 * time.Hour
	now := s.now().UTC()

	res, err := rotateScript.Run(ctx, s.rdb,
		[]string{refreshKey(hash), consumedKey(hash)},
		newHash, int(ttl.Seconds()), strconv.FormatInt(now.Unix(), 10),
	).Slice()
	if err != nil {
		return session.Session{}, session.TokenPair{}, fault.Wrap(fault.KindTransient, "rotate refresh token", err)
	}
	status, _ := res[0].(string)
	switch status {
	case "ok":
		sid, _ := res[1].(string)
		tenant, _ := res[2].(string)
		level, _ := res[3].(string)
		sess := session.Session{
			ID:               sid,
			Tenant:           tenant,
			RefreshTokenHash: newHash,
			UserLevel:        level,
			IssuedAt:         now,
			ExpiresAt:        now.Add(ttl),
		}
		return sess, session.TokenPair{AccessToken: access, RefreshToken: newRefresh, ExpiresIn: ttl}, nil
	case "replay":
		return session.Session{}, session.TokenPair{}, fault.New(fault.KindAuthz, "refresh token already used; session invalidated")
	default:
		return session.Session{}, session.TokenPair{}, fault.New(fault.KindAuthz, "unknown refresh token")
	}
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (session.Session, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return session.Session{}, false, fault.Wrap(fault.KindTransient, "load session", err)
	}
	if len(vals) == 0 {
		return session.Session{}, false, nil
	}
	issued, _ := strconv.ParseInt(vals["issued_at"], 10, 64)
	return session.Session{
		ID:               id,
		Tenant:           vals["tenant"],
		RefreshTokenHash: vals["refresh_hash"],
		UserLevel:        vals["user_level"],
		IssuedAt:         time.Unix(issued, 0).UTC(),
	}, true, nil
}

// Invalidate destroys the session and its refresh token.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	hash, err := s.rdb.HGet(ctx, sessionKey(id), "refresh_hash").Result()
	if err != nil && err != goredis.Nil {
		return fault.Wrap(fault.KindTransient, "load session for invalidation", err)
	}
	pipe := s.rdb.TxPipeline()
	if hash != "" {
		pipe.Del(ctx, refreshKey(hash))
	}
	pipe.Del(ctx, sessionKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(fault.KindTransient, "invalidate session", err)
	}
	return nil
}
