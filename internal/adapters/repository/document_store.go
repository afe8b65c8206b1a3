package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/AchilleasB/family-hub/penalty-service/internal/config"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

const (
	listenerMinReconnectInterval = 10 * time.Second
	listenerMaxReconnectInterval = time.Minute

	pingTimeout   = 5 * time.Second
	reloadTimeout = 30 * time.Second
	// resyncInterval reloads the collection even without notifications, to
	// catch anything missed while the listener was reconnecting.
	resyncInterval = 90 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS documents_local_id
	ON documents (collection, (data->>'localId'))
	WHERE data ? 'localId';`

// ListenFunc subscribes to a Postgres notification channel. The returned
// channel yields nil after the connection was re-established.
type ListenFunc func(channel string) (<-chan *pq.Notification, func() error, error)

// DocumentStore keeps documents as JSONB rows keyed by collection and id and
// publishes every write with NOTIFY on a per-collection channel.
type DocumentStore struct {
	db     *sql.DB
	cb     *gobreaker.CircuitBreaker
	listen ListenFunc
	logger *slog.Logger
}

var _ ports.DocumentStore = (*DocumentStore)(nil)

type Option func(*DocumentStore)

func WithListenFunc(fn ListenFunc) Option {
	return func(s *DocumentStore) { s.listen = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *DocumentStore) { s.logger = l }
}

func NewDocumentStore(db *sql.DB, dbURL string, opts ...Option) *DocumentStore {
	s := &DocumentStore{
		db:     db,
		cb:     config.NewCircuitBreaker(config.BreakerPostgres),
		logger: slog.Default(),
	}
	s.listen = pqListen(dbURL, s)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "document-store"))
	return s
}

func pqListen(dbURL string, s *DocumentStore) ListenFunc {
	return func(channel string) (<-chan *pq.Notification, func() error, error) {
		l := pq.NewListener(dbURL, listenerMinReconnectInterval, listenerMaxReconnectInterval,
			func(ev pq.ListenerEventType, err error) {
				if err != nil {
					s.logger.Warn("listener error", slog.String("channel", channel), slog.Any("error", err))
				}
			})
		if err := l.Listen(channel); err != nil {
			l.Close()
			return nil, nil, err
		}
		return l.Notify, l.Close, nil
	}
}

// EnsureSchema creates the documents table and its localId index.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func channelFor(collection string) string {
	return "documents_" + collection
}

func (s *DocumentStore) CheckConnection(ctx context.Context) bool {
	_, err := s.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return nil, s.db.PingContext(ctx)
	})
	return err == nil
}

// CreateDocument inserts data under a fresh id. When data carries a localId
// already stored in the collection the existing document is returned.
func (s *DocumentStore) CreateDocument(ctx context.Context, collection string, data map[string]any) (ports.Document, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ports.Document{}, err
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		var id string
		var stored []byte
		err = tx.QueryRowContext(ctx, `
			INSERT INTO documents (collection, id, data)
			VALUES ($1, $2, $3)
			ON CONFLICT (collection, (data->>'localId')) WHERE data ? 'localId'
			DO UPDATE SET updated_at = documents.updated_at
			RETURNING id, data`,
			collection, uuid.NewString(), raw).Scan(&id, &stored)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channelFor(collection), id); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return decodeDocument(id, stored)
	})
	if err != nil {
		return ports.Document{}, fmt.Errorf("create %s document: %w", collection, err)
	}
	return res.(ports.Document), nil
}

// UpdateDocument merges fields into the stored document.
func (s *DocumentStore) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	missing := false
	_, err = s.cb.Execute(func() (interface{}, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET data = data || $3::jsonb, updated_at = NOW()
			WHERE collection = $1 AND id = $2`,
			collection, id, raw)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			missing = true
			return nil, nil
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channelFor(collection), id); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("update %s document %s: %w", collection, id, err)
	}
	if missing {
		return fmt.Errorf("update %s document: %w: %s", collection, domain.ErrNotFound, id)
	}
	return nil
}

// Load returns the whole collection ordered by opts.
func (s *DocumentStore) Load(ctx context.Context, collection string, opts ports.ListenOptions) ([]ports.Document, error) {
	dir := "ASC"
	if opts.Descending {
		dir = "DESC"
	}
	query := `SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`
	args := []any{collection}
	if opts.OrderBy != "" {
		query = `SELECT id, data FROM documents WHERE collection = $1 ORDER BY data->>$2 ` + dir + `, id`
		args = append(args, opts.OrderBy)
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		docs := make([]ports.Document, 0)
		for rows.Next() {
			var id string
			var raw []byte
			if err := rows.Scan(&id, &raw); err != nil {
				return nil, err
			}
			doc, err := decodeDocument(id, raw)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
		return docs, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	return res.([]ports.Document), nil
}

// ListenToCollection delivers the collection once before returning and again
// after every notification until unsubscribe is called or ctx ends.
func (s *DocumentStore) ListenToCollection(ctx context.Context, collection string, onUpdate func([]ports.Document, error), opts ports.ListenOptions) (func(), error) {
	docs, err := s.Load(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	notify, closeListener, err := s.listen(channelFor(collection))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", collection, err)
	}

	onUpdate(docs, nil)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer closeListener()

		reload := func() {
			rctx, rcancel := context.WithTimeout(ctx, reloadTimeout)
			defer rcancel()
			docs, err := s.Load(rctx, collection, opts)
			if ctx.Err() != nil {
				return
			}
			onUpdate(docs, err)
		}

		resync := time.NewTicker(resyncInterval)
		defer resync.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notify:
				if !ok {
					s.logger.Warn("notification channel closed", slog.String("collection", collection))
					return
				}
				if n == nil {
					s.logger.Info("listener reconnected, reloading", slog.String("collection", collection))
				}
				reload()
			case <-resync.C:
				reload()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func decodeDocument(id string, raw []byte) (ports.Document, error) {
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return ports.Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return ports.Document{ID: id, Data: data}, nil
}
