package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/models"
	"github.com/mcdev12/mathduel/go/internal/sqlutil"
)

// Schema creates the table backing PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS duel_sessions (
    code        TEXT PRIMARY KEY,
    document    JSONB NOT NULL,
    version     BIGINT NOT NULL,
    last_fields JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel carrying changed session codes
	FallbackInterval time.Duration // How often subscribed sessions are re-read
	PingInterval     time.Duration
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		DatabaseURL:      "",
		NotifyChannel:    "duel_session_changes",
		FallbackInterval: 5 * time.Second,
		PingInterval:     90 * time.Second,
	}
}

// PostgresStore keeps each session as a JSONB row. Updates lock the row,
// merge in Go and NOTIFY the session code on commit. One pq.Listener fans
// notifications out to every subscription; a fallback ticker re-reads
// subscribed sessions in case a notification was lost.
type PostgresStore struct {
	db       *sql.DB
	listener *pq.Listener
	cfg      PostgresConfig

	mu   sync.Mutex
	subs map[string]map[string]*pgSubscription
}

type pgSubscription struct {
	id       string
	onChange ChangeFunc
	onError  ErrorFunc

	mu      sync.Mutex
	version int64
}

// advance records version and reports whether it is newer than the last one delivered.
func (sub *pgSubscription) advance(version int64) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if version <= sub.version {
		return false
	}
	sub.version = version
	return true
}

// NewPostgresStore starts listening on cfg.NotifyChannel. Run must be called
// to dispatch notifications.
func NewPostgresStore(db *sql.DB, cfg PostgresConfig) (*PostgresStore, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for session changes")

	return &PostgresStore{
		db:       db,
		listener: l,
		cfg:      cfg,
		subs:     make(map[string]map[string]*pgSubscription),
	}, nil
}

// Run dispatches notifications until ctx is cancelled.
func (s *PostgresStore) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	fallbackTicker := time.NewTicker(s.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session listener shutting down")
			return s.listener.Close()
		case note := <-s.listener.Notify:
			if note == nil {
				// Connection was re-established; notifications may have been missed.
				s.refreshAll(ctx)
				continue
			}
			s.refresh(ctx, note.Extra)
		case <-fallbackTicker.C:
			s.refreshAll(ctx)
		case <-pingTicker.C:
			if err := s.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (s *PostgresStore) Create(ctx context.Context, doc *models.Session) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	err = sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            INSERT INTO duel_sessions (code, document, version)
            VALUES ($1, $2, $3)
            ON CONFLICT (code) DO NOTHING
        `, doc.Code, data, doc.Version)
		if err != nil {
			return unavailable("create", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("create", err)
		}
		if n == 0 {
			return duel.ErrSessionExists
		}
		return s.notify(ctx, tx, doc.Code)
	})
	return classify("create", err)
}

func (s *PostgresStore) Read(ctx context.Context, code string) (*models.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM duel_sessions WHERE code = $1`, code).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, duel.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("read", err)
	}
	return decodeSession(data)
}

func (s *PostgresStore) Update(ctx context.Context, code string, fields models.Fields, opts ...UpdateOption) (*models.Session, error) {
	o := buildOptions(opts)
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}

	next, err := sqlutil.RunRow(ctx, s.db, func(tx *sql.Tx) (*models.Session, error) {
		var data []byte
		err := tx.QueryRowContext(ctx, `SELECT document FROM duel_sessions WHERE code = $1 FOR UPDATE`, code).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, duel.ErrSessionNotFound
		}
		if err != nil {
			return nil, unavailable("lock", err)
		}
		current, err := decodeSession(data)
		if err != nil {
			return nil, err
		}

		next, err := merge(current, fields, o)
		if err != nil {
			return nil, err
		}
		nextJSON, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
            UPDATE duel_sessions
            SET document = $2, version = $3, last_fields = $4, updated_at = now()
            WHERE code = $1
        `, code, nextJSON, next.Version, pqtype.NullRawMessage{RawMessage: fieldsJSON, Valid: len(fields) > 0})
		if err != nil {
			return nil, unavailable("update", err)
		}
		if err := s.notify(ctx, tx, code); err != nil {
			return nil, err
		}
		return next, nil
	})
	if err != nil {
		return nil, classify("update", err)
	}
	return next, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, code string, onChange ChangeFunc, onError ErrorFunc) (func(), error) {
	sub := &pgSubscription{
		id:       uuid.New().String(),
		onChange: onChange,
		onError:  onError,
	}

	s.mu.Lock()
	if s.subs[code] == nil {
		s.subs[code] = make(map[string]*pgSubscription)
	}
	s.subs[code][sub.id] = sub
	s.mu.Unlock()

	go s.refresh(ctx, code)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[code], sub.id)
		if len(s.subs[code]) == 0 {
			delete(s.subs, code)
		}
	}, nil
}

// Close stops the listener and closes the database handle.
func (s *PostgresStore) Close() error {
	if err := s.listener.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close listener")
	}
	return s.db.Close()
}

func (s *PostgresStore) notify(ctx context.Context, tx *sql.Tx, code string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.cfg.NotifyChannel, code); err != nil {
		return unavailable("notify", err)
	}
	return nil
}

func (s *PostgresStore) refreshAll(ctx context.Context) {
	s.mu.Lock()
	codes := make([]string, 0, len(s.subs))
	for code := range s.subs {
		codes = append(codes, code)
	}
	s.mu.Unlock()

	for _, code := range codes {
		s.refresh(ctx, code)
	}
}

// refresh reads one session and hands it to subscribers that have not seen
// this version yet.
func (s *PostgresStore) refresh(ctx context.Context, code string) {
	s.mu.Lock()
	targets := make([]*pgSubscription, 0, len(s.subs[code]))
	for _, sub := range s.subs[code] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	doc, err := s.Read(ctx, code)
	for _, sub := range targets {
		switch {
		case err != nil:
			if sub.onError != nil {
				sub.onError(err)
			}
		case sub.advance(doc.Version):
			sub.onChange(doc.Clone())
		}
	}
	if err != nil && !errors.Is(err, duel.ErrSessionNotFound) {
		log.Error().Err(err).Str("code", code).Msg("failed to refresh session")
	}
}

func decodeSession(data []byte) (*models.Session, error) {
	var doc models.Session
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, unavailable("decode", err)
	}
	return &doc, nil
}
