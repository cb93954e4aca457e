package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const casRetries = 8

// terminalRetention keeps a terminal record readable after its marker
// and bindings are gone, so a stale click or a losing approval can
// still see which outcome won.
const terminalRetention = 24 * time.Hour

// RedisStore persists sessions, component bindings and workflow settings
// in Redis. All values are JSON; uniqueness and transitions rely on SETNX
// and WATCH-based compare-and-set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, prefix: "gatehouse:"}, nil
}

// NewRedisStoreFromClient wires an existing client, used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "gatehouse:"}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *RedisStore) sessionKey(serverID, id string) string {
	return s.key("session", serverID, id)
}

func (s *RedisStore) activeKey(sess *Session) string {
	return s.key("active", sess.ServerID, sess.OwnerID, string(sess.Kind), sess.Scope)
}

func (s *RedisStore) indexKey(serverID string) string {
	return s.key("index", serverID)
}

// Create persists a new session. The active-marker SETNX makes the
// one-active-session-per-owner rule atomic: a second concurrent create
// for the same (server, owner, kind, scope) gets ErrConflict.
func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	ok, err := s.client.SetNX(ctx, s.activeKey(sess), sess.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("set active marker: %w", err)
	}
	if !ok {
		return ErrConflict
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sess.ServerID, sess.ID), raw, 0)
	pipe.SAdd(ctx, s.indexKey(sess.ServerID), sess.ID)
	if sess.ChannelID != "" {
		pipe.Set(ctx, s.key("channel", sess.ServerID, sess.ChannelID), sess.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Roll the marker back so the owner is not locked out by a
		// half-written session.
		s.client.Del(context.WithoutCancel(ctx), s.activeKey(sess))
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, serverID, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(serverID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Transition applies event under WATCH so concurrent actors race cleanly:
// exactly one CAS wins and the loser re-reads the new state, landing on
// ErrInvalidTransition. Terminal states free the active marker and all
// component bindings in the same transaction; the record stays readable
// for terminalRetention so late actors can see the outcome.
func (s *RedisStore) Transition(ctx context.Context, serverID, id string, event Event) (*Session, error) {
	var out *Session
	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, s.sessionKey(serverID, id)).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var sess Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return err
			}
			next, err := Next(sess.Kind, sess.State, event)
			if err != nil {
				return err
			}
			sess.State = next

			updated, err := json.Marshal(&sess)
			if err != nil {
				return err
			}

			if Terminal(next) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, s.sessionKey(serverID, id), updated, terminalRetention)
					pipe.SRem(ctx, s.indexKey(sess.ServerID), sess.ID)
					pipe.Del(ctx, s.activeKey(&sess))
					if sess.ChannelID != "" {
						pipe.Del(ctx, s.key("channel", sess.ServerID, sess.ChannelID))
					}
					for _, msgID := range sess.BoundMessageIDs {
						pipe.Del(ctx, s.key("msg", sess.ServerID, msgID))
					}
					return nil
				})
				out = &sess
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.sessionKey(serverID, id), updated, 0)
				return nil
			})
			out = &sess
			return err
		}, s.sessionKey(serverID, id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("transition %s: too much contention", id)
}

func (s *RedisStore) cleanup(ctx context.Context, pipe redis.Pipeliner, sess *Session) {
	pipe.Del(ctx, s.sessionKey(sess.ServerID, sess.ID))
	pipe.SRem(ctx, s.indexKey(sess.ServerID), sess.ID)
	pipe.Del(ctx, s.activeKey(sess))
	if sess.ChannelID != "" {
		pipe.Del(ctx, s.key("channel", sess.ServerID, sess.ChannelID))
	}
	for _, msgID := range sess.BoundMessageIDs {
		pipe.Del(ctx, s.key("msg", sess.ServerID, msgID))
	}
}

// Remove drops a session and its markers outside the transition table.
// Recovery uses it to prune sessions whose channel no longer exists.
func (s *RedisStore) Remove(ctx context.Context, serverID, id string) error {
	sess, err := s.Get(ctx, serverID, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	s.cleanup(ctx, pipe, sess)
	_, err = pipe.Exec(ctx)
	return err
}

// PruneDanglingMarkers deletes active markers whose session record no
// longer exists. A crash between the marker claim and the session write
// leaves such a marker behind, locking the owner out of that
// (kind, scope) until someone reconciles it.
func (s *RedisStore) PruneDanglingMarkers(ctx context.Context, serverID string) (int, error) {
	pruned := 0
	iter := s.client.Scan(ctx, 0, s.key("active", serverID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		marker := iter.Val()
		id, err := s.client.Get(ctx, marker).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return pruned, err
		}
		exists, err := s.client.Exists(ctx, s.sessionKey(serverID, id)).Result()
		if err != nil {
			return pruned, err
		}
		if exists == 0 {
			s.client.Del(ctx, marker)
			pruned++
		}
	}
	return pruned, iter.Err()
}

// BindMessage routes a component message back to its session so
// interactions keep working after a restart.
func (s *RedisStore) BindMessage(ctx context.Context, serverID, id, messageID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, s.sessionKey(serverID, id)).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var sess Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return err
			}
			sess.BoundMessageIDs = append(sess.BoundMessageIDs, messageID)
			updated, err := json.Marshal(&sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.sessionKey(serverID, id), updated, 0)
				pipe.Set(ctx, s.key("msg", serverID, messageID), id, 0)
				return nil
			})
			return err
		}, s.sessionKey(serverID, id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("bind message %s: too much contention", messageID)
}

// BindChannel attaches the platform channel once it exists. Sessions are
// created marker-first with no channel so a create conflict never leaves
// an orphaned channel behind.
func (s *RedisStore) BindChannel(ctx context.Context, serverID, id, channelID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, s.sessionKey(serverID, id)).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var sess Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return err
			}
			sess.ChannelID = channelID
			updated, err := json.Marshal(&sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.sessionKey(serverID, id), updated, 0)
				pipe.Set(ctx, s.key("channel", serverID, channelID), id, 0)
				return nil
			})
			return err
		}, s.sessionKey(serverID, id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("bind channel %s: too much contention", channelID)
}

func (s *RedisStore) FindByChannel(ctx context.Context, serverID, channelID string) (*Session, error) {
	return s.findVia(ctx, serverID, s.key("channel", serverID, channelID))
}

func (s *RedisStore) FindByMessage(ctx context.Context, serverID, messageID string) (*Session, error) {
	return s.findVia(ctx, serverID, s.key("msg", serverID, messageID))
}

func (s *RedisStore) findVia(ctx context.Context, serverID, bindingKey string) (*Session, error) {
	id, err := s.client.Get(ctx, bindingKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess, err := s.Get(ctx, serverID, id)
	if errors.Is(err, ErrNotFound) {
		// Dangling binding: the session was removed underneath it.
		s.client.Del(context.WithoutCancel(ctx), bindingKey)
		return nil, ErrNotFound
	}
	return sess, err
}

// ListActive returns every live session on a server, in no particular
// order.
func (s *RedisStore) ListActive(ctx context.Context, serverID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(serverID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, serverID, id)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(context.WithoutCancel(ctx), s.indexKey(serverID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// SaveSettings stores per-server workflow configuration for one kind.
func (s *RedisStore) SaveSettings(ctx context.Context, serverID string, kind Kind, cfg *Settings) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("settings", serverID, string(kind)), raw, 0).Err()
}

// LoadSettings returns the stored configuration, or an empty Settings
// when none has been saved yet.
func (s *RedisStore) LoadSettings(ctx context.Context, serverID string, kind Kind) (*Settings, error) {
	raw, err := s.client.Get(ctx, s.key("settings", serverID, string(kind))).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Settings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
