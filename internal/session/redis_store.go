package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "sg:session:"
	redisUserPrefix    = "sg:user_sessions:"
)

// RedisStore persists sessions in Redis with TTL-native expiry: the key's
// TTL tracks ExpiresAt, so expired sessions vanish without a reaper.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) sessionKey(id string) string { return redisSessionPrefix + id }

func (s *RedisStore) userKey(userID string) string { return redisUserPrefix + userID }

func (s *RedisStore) ttl(sess *Session) time.Duration {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(redisSessionRecord(sess))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := s.ttl(sess)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, ttl)
	pipe.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
	pipe.Expire(ctx, s.userKey(sess.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: create session: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrStoreUnavailable, err)
	}

	sess, err := decodeSessionRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *RedisStore) Update(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(redisSessionRecord(sess))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// SET XX: only update an existing key, so a racing delete wins.
	ok, err := s.client.SetXX(ctx, s.sessionKey(sess.ID), data, s.ttl(sess)).Result()
	if err != nil {
		return fmt.Errorf("%w: update session: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	// Best effort: read the record to unlink the user index.
	if data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes(); err == nil {
		if sess, derr := decodeSessionRecord(data); derr == nil {
			_ = s.client.SRem(ctx, s.userKey(sess.UserID), id).Err()
		}
	}

	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: delete session: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrStoreUnavailable, err)
	}

	var result []*Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// TTL already reaped it; drop the stale index entry.
			_ = s.client.SRem(ctx, s.userKey(userID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, nil
}

// sessionRecord is the wire form stored in Redis. HashedFingerprint is
// excluded from the public JSON form of Session, so the store uses its own
// encoding to keep it.
type sessionRecord struct {
	ID                string            `json:"id"`
	UserID            string            `json:"userId"`
	HashedFingerprint string            `json:"hashedFingerprint"`
	LastIP            string            `json:"lastIp"`
	LastASN           string            `json:"lastAsn,omitempty"`
	RiskScore         int               `json:"riskScore"`
	State             State             `json:"state"`
	CreatedAt         time.Time         `json:"createdAt"`
	ExpiresAt         time.Time         `json:"expiresAt"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

func redisSessionRecord(s *Session) sessionRecord {
	return sessionRecord{
		ID:                s.ID,
		UserID:            s.UserID,
		HashedFingerprint: s.HashedFingerprint,
		LastIP:            s.LastIP,
		LastASN:           s.LastASN,
		RiskScore:         s.RiskScore,
		State:             s.State,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		Metadata:          s.Metadata,
	}
}

func decodeSessionRecord(data []byte) (*Session, error) {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &Session{
		ID:                rec.ID,
		UserID:            rec.UserID,
		HashedFingerprint: rec.HashedFingerprint,
		LastIP:            rec.LastIP,
		LastASN:           rec.LastASN,
		RiskScore:         rec.RiskScore,
		State:             rec.State,
		CreatedAt:         rec.CreatedAt,
		ExpiresAt:         rec.ExpiresAt,
		Metadata:          rec.Metadata,
	}, nil
}
