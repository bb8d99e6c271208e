package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// NATSConfig holds settings for the JetStream key-value backend.
type NATSConfig struct {
	URL           string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
	TTL           time.Duration // How long an untouched session survives
	Replicas      int
	MaxRetries    int           // Revision conflicts tolerated per update
	PollInterval  time.Duration // Re-read period for subscribed sessions; zero disables
}

// DefaultNATSConfig returns default JetStream key-value configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Bucket:        "DUEL_SESSIONS",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		TTL:           24 * time.Hour,
		Replicas:      1,
		MaxRetries:    8,
		PollInterval:  5 * time.Second,
	}
}

// NATSStore keeps one key per session in a JetStream key-value bucket.
// Partial updates re-apply the merge on top of the newest revision until the
// revision check passes, so concurrent writers never drop each other's fields.
type NATSStore struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSConfig
}

// NewNATSStore connects to NATS and ensures the bucket exists.
func NewNATSStore(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	s := &NATSStore{nc: nc, js: js, config: cfg}
	if err := s.ensureBucket(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	return s, nil
}

func (s *NATSStore) ensureBucket(ctx context.Context) error {
	kv, err := s.js.KeyValue(ctx, s.config.Bucket)
	if err == nil {
		s.kv = kv
		return nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return fmt.Errorf("get bucket: %w", err)
	}

	kv, err = s.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      s.config.Bucket,
		Description: "Duel session documents",
		History:     1,
		TTL:         s.config.TTL,
		Storage:     jetstream.FileStorage,
		Replicas:    s.config.Replicas,
	})
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	log.Info().Str("bucket", s.config.Bucket).Msg("created JetStream key-value bucket")
	s.kv = kv
	return nil
}

func natsKey(code string) string {
	return "session." + code
}

func (s *NATSStore) Create(ctx context.Context, doc *models.Session) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if _, err := s.kv.Create(ctx, natsKey(doc.Code), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return duel.ErrSessionExists
		}
		return unavailable("create", err)
	}
	return nil
}

func (s *NATSStore) Read(ctx context.Context, code string) (*models.Session, error) {
	doc, _, err := s.get(ctx, code)
	return doc, err
}

func (s *NATSStore) get(ctx context.Context, code string) (*models.Session, uint64, error) {
	entry, err := s.kv.Get(ctx, natsKey(code))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, duel.ErrSessionNotFound
		}
		return nil, 0, unavailable("read", err)
	}
	var doc models.Session
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, 0, unavailable("decode", err)
	}
	return &doc, entry.Revision(), nil
}

func (s *NATSStore) Update(ctx context.Context, code string, fields models.Fields, opts ...UpdateOption) (*models.Session, error) {
	o := buildOptions(opts)

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		current, revision, err := s.get(ctx, code)
		if err != nil {
			return nil, err
		}
		next, err := merge(current, fields, o)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal session: %w", err)
		}

		_, err = s.kv.Update(ctx, natsKey(code), data, revision)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return nil, unavailable("update", err)
		}

		// Another writer landed between get and update.
		lastErr = err
		log.Debug().
			Str("code", code).
			Uint64("revision", revision).
			Int("attempt", attempt+1).
			Msg("revision moved, re-merging update")
	}
	return nil, unavailable("update", fmt.Errorf("revision retries exhausted: %w", lastErr))
}

// Subscribe follows the key with a watcher and re-reads it every
// PollInterval, since entries removed by the bucket TTL leave no delete
// marker.
func (s *NATSStore) Subscribe(ctx context.Context, code string, onChange ChangeFunc, onError ErrorFunc) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := s.kv.Watch(watchCtx, natsKey(code))
	if err != nil {
		cancel()
		return nil, unavailable("watch", err)
	}

	go func() {
		w := newWatchState(watchCtx, onChange, onError)

		var tick <-chan time.Time
		if s.config.PollInterval > 0 {
			ticker := time.NewTicker(s.config.PollInterval)
			defer ticker.Stop()
			tick = ticker.C
		}

		seen := false
		updates := watcher.Updates()
		for {
			select {
			case <-watchCtx.Done():
				log.Debug().Str("code", code).Msg("key-value watcher closed")
				return
			case entry, ok := <-updates:
				if !ok {
					log.Debug().Str("code", code).Msg("key-value watcher closed")
					return
				}
				if entry == nil {
					// Marker after the initial values.
					if !seen {
						w.observe(nil, duel.ErrSessionNotFound)
					}
					continue
				}
				seen = true
				if entry.Operation() != jetstream.KeyValuePut {
					w.observe(nil, duel.ErrSessionNotFound)
					continue
				}
				w.observe(decodeSession(entry.Value()))
			case <-tick:
				w.observe(s.Read(watchCtx, code))
			}
		}
	}()

	return func() {
		cancel()
		if err := watcher.Stop(); err != nil {
			log.Warn().Err(err).Str("code", code).Msg("failed to stop key-value watcher")
		}
	}, nil
}

// Connected reports whether the NATS connection is up.
func (s *NATSStore) Connected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

func (s *NATSStore) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
