package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// RedisConfig holds settings for the Redis backend.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	TTL        time.Duration // Sessions expire after this long without writes
	MaxRetries int           // WATCH conflicts tolerated per update

	// PollInterval re-reads subscribed sessions to notice expiry and deletes
	// made outside this store. Zero disables polling.
	PollInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "duel:session:",
		TTL:          24 * time.Hour,
		MaxRetries:   8,
		PollInterval: 5 * time.Second,
	}
}

// RedisStore keeps each session as a JSON string. Updates run under
// WATCH/MULTI and publish the new document on a per-session channel.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, cfg: cfg}, nil
}

func (s *RedisStore) key(code string) string {
	return s.cfg.KeyPrefix + code
}

func (s *RedisStore) channel(code string) string {
	return s.cfg.KeyPrefix + code + ":changes"
}

func (s *RedisStore) Create(ctx context.Context, doc *models.Session) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(doc.Code), data, s.cfg.TTL).Result()
	if err != nil {
		return unavailable("create", err)
	}
	if !ok {
		return duel.ErrSessionExists
	}
	if err := s.client.Publish(ctx, s.channel(doc.Code), data).Err(); err != nil {
		log.Warn().Err(err).Str("code", doc.Code).Msg("failed to publish created session")
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, code string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, duel.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("read", err)
	}
	return decodeSession(data)
}

func (s *RedisStore) Update(ctx context.Context, code string, fields models.Fields, opts ...UpdateOption) (*models.Session, error) {
	o := buildOptions(opts)
	key := s.key(code)

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		var next *models.Session
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return duel.ErrSessionNotFound
			}
			if err != nil {
				return unavailable("read", err)
			}
			current, err := decodeSession(data)
			if err != nil {
				return err
			}
			merged, err := merge(current, fields, o)
			if err != nil {
				return err
			}
			out, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("marshal session: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, s.cfg.TTL)
				pipe.Publish(ctx, s.channel(code), out)
				return nil
			})
			if err != nil {
				return err
			}
			next = merged
			return nil
		}, key)

		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, redis.TxFailedErr):
			log.Debug().Str("code", code).Int("attempt", attempt+1).Msg("watched key changed, re-merging update")
			continue
		case errors.Is(err, duel.ErrSessionNotFound),
			errors.Is(err, duel.ErrVersionConflict),
			errors.Is(err, duel.ErrStaleWrite),
			errors.Is(err, duel.ErrInvalidField),
			errors.Is(err, duel.ErrStoreUnavailable):
			return nil, err
		default:
			return nil, unavailable("update", err)
		}
	}
	return nil, unavailable("update", errors.New("watch retries exhausted"))
}

// Subscribe delivers published writes and re-reads the key every
// PollInterval, since expiry and deletes outside this store publish nothing.
func (s *RedisStore) Subscribe(ctx context.Context, code string, onChange ChangeFunc, onError ErrorFunc) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subCtx, s.channel(code))
	if _, err := pubsub.Receive(subCtx); err != nil {
		pubsub.Close()
		cancel()
		return nil, unavailable("subscribe", err)
	}

	go func() {
		w := newWatchState(subCtx, onChange, onError)

		var tick <-chan time.Time
		if s.cfg.PollInterval > 0 {
			ticker := time.NewTicker(s.cfg.PollInterval)
			defer ticker.Stop()
			tick = ticker.C
		}

		w.observe(s.Read(subCtx, code))
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				log.Debug().Str("code", code).Msg("redis subscription closed")
				return
			case msg, ok := <-msgs:
				if !ok {
					log.Debug().Str("code", code).Msg("redis subscription closed")
					return
				}
				w.observe(decodeSession([]byte(msg.Payload)))
			case <-tick:
				w.observe(s.Read(subCtx, code))
			}
		}
	}()

	return func() {
		cancel()
		if err := pubsub.Close(); err != nil {
			log.Warn().Err(err).Str("code", code).Msg("failed to close redis subscription")
		}
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
