// Package redistore implements session.Store on Redis. Session metadata and
// pipeline state live in a JSON value at session:{id}; the memory trace is a
// Redis list at trace:{id} so appends never rewrite earlier entries.
package redistore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/sage/internal/session"
)

// Store persists sessions in Redis with a TTL applied to both keys.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis at url (a redis:// URL or a bare host:port) and
// verifies the connection with a ping.
func New(ctx context.Context, url string, ttl time.Duration) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Store{client: client, ttl: ttl}, nil
}

// record is the JSON shape stored at session:{id}. The trace is kept in a
// separate list key.
type record struct {
	Session sessionJSON   `json:"session"`
	State   session.State `json:"state"`
}

type sessionJSON struct {
	ID              uuid.UUID      `json:"id"`
	UserID          string         `json:"user_id,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Query           string         `json:"query"`
	DocumentContext string         `json:"document_context,omitempty"`
	Status          session.Status `json:"status"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

func sessionKey(id uuid.UUID) string { return "session:" + id.String() }
func traceKey(id uuid.UUID) string   { return "trace:" + id.String() }

func (s *Store) Put(ctx context.Context, rec *session.Record) error {
	sess := rec.Session
	sess.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(record{
		Session: sessionJSON(sess),
		State:   rec.State,
	})
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, sessionKey(sess.ID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*session.Record, error) {
	payload, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}

	entries, err := s.client.LRange(ctx, traceKey(id), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading trace for session %s: %w", id, err)
	}
	trace := make([]session.TraceEntry, 0, len(entries))
	for _, e := range entries {
		var entry session.TraceEntry
		if err := json.Unmarshal([]byte(e), &entry); err != nil {
			return nil, fmt.Errorf("decoding trace entry for session %s: %w", id, err)
		}
		trace = append(trace, entry)
	}

	return &session.Record{
		Session: session.Session(rec.Session),
		State:   rec.State,
		Trace:   trace,
	}, nil
}

func (s *Store) AppendTrace(ctx context.Context, id uuid.UUID, entries ...session.TraceEntry) error {
	exists, err := s.client.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("checking session %s: %w", id, err)
	}
	if exists == 0 {
		return session.ErrNotFound
	}
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding trace entry: %w", err)
		}
		values = append(values, payload)
	}
	if err := s.client.RPush(ctx, traceKey(id), values...).Err(); err != nil {
		return fmt.Errorf("appending trace for session %s: %w", id, err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, traceKey(id), s.ttl).Err(); err != nil {
			return fmt.Errorf("refreshing trace TTL for session %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, sessionKey(id), traceKey(id)).Err(); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Compile-time check.
var _ session.Store = (*Store)(nil)
