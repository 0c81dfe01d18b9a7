// Package store persists launch requests, instances, sessions and
// termination records in Postgres or SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"spire/pkg/shared/logger"
)

var log = logger.New(os.Stdout)

var ErrNotFound = errors.New("not found")

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Store struct {
	backend string
	dbURL   string
	pool    *pgxpool.Pool
	sqlite  *sql.DB
	now     func() time.Time

	mu        sync.RWMutex
	connected bool
	lastError string
}

func DetectBackend(dbURL string) string {
	u := strings.TrimSpace(dbURL)
	switch {
	case strings.HasPrefix(u, "sqlite://"), strings.HasPrefix(u, "file:"):
		return BackendSQLite
	default:
		return BackendPostgres
	}
}

// Open connects to the database named by dbURL and creates the schema.
// Postgres connections are retried with exponential backoff until ctx ends.
func Open(ctx context.Context, dbURL string) (*Store, error) {
	if strings.TrimSpace(dbURL) == "" {
		return nil, errors.New("no database url configured")
	}
	s := &Store{backend: DetectBackend(dbURL), dbURL: dbURL, now: time.Now}

	var err error
	if s.backend == BackendSQLite {
		err = s.openSQLite(ctx)
	} else {
		err = s.openPostgres(ctx)
	}
	if err != nil {
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) openSQLite(ctx context.Context) error {
	path := strings.TrimPrefix(strings.TrimPrefix(s.dbURL, "sqlite://"), "file:")
	if path == "" {
		return fmt.Errorf("invalid sqlite url: %s", s.dbURL)
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sqlite parent dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time keeps sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("open sqlite: %w", err)
	}
	s.sqlite = db
	s.setConnectionState(true, "")
	log.Info("Connected to sqlite store: %s", path)
	return nil
}

func (s *Store) openPostgres(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(s.dbURL)
	if err != nil {
		return fmt.Errorf("invalid db url: %w", err)
	}

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second
	for {
		pool, err := pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				s.pool = pool
				s.setConnectionState(true, "")
				log.Info("Connected to database successfully")
				return nil
			}
			pool.Close()
		}
		s.setConnectionState(false, err.Error())
		log.Error("Database connection failed (backoff %v): %v", backoff, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlite != nil {
		_ = s.sqlite.Close()
	}
	s.setConnectionState(false, "closed")
}

func (s *Store) Backend() string { return s.backend }

// URL is the connection string the store was opened with.
func (s *Store) URL() string { return s.dbURL }

func (s *Store) ConnectionState() (connected bool, lastError string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected, s.lastError
}

// Ping checks the connection and records the result in ConnectionState.
func (s *Store) Ping(ctx context.Context) error {
	var err error
	if s.pool != nil {
		err = s.pool.Ping(ctx)
	} else if s.sqlite != nil {
		err = s.sqlite.PingContext(ctx)
	} else {
		err = errors.New("store is not open")
	}
	if err != nil {
		s.setConnectionState(false, err.Error())
		return err
	}
	s.setConnectionState(true, "")
	return nil
}

func (s *Store) setConnectionState(connected bool, lastError string) {
	s.mu.Lock()
	s.connected = connected
	s.lastError = lastError
	s.mu.Unlock()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.backend == BackendPostgres {
		schema = postgresSchema
	}
	if _, err := s.q().exec(ctx, schema); err != nil {
		return fmt.Errorf("init %s schema: %w", s.backend, err)
	}
	return nil
}

type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// querier hides the driver differences. Queries are written with ?
// placeholders and rebound for Postgres.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) row
	query(ctx context.Context, query string, args ...any) (rows, error)
}

type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQuerier struct{ c pgConn }

func (p pgQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	if len(args) > 0 {
		query = rebind(query)
	}
	tag, err := p.c.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p pgQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return p.c.QueryRow(ctx, rebind(query), args...)
}

func (p pgQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := p.c.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlQuerier struct{ c sqlConn }

func (q sqlQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.c.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q sqlQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return q.c.QueryRowContext(ctx, query, args...)
}

func (q sqlQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := q.c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

type sqlRows struct{ *sql.Rows }

func (r sqlRows) Close() { _ = r.Rows.Close() }

func (s *Store) q() querier {
	if s.backend == BackendPostgres {
		return pgQuerier{s.pool}
	}
	return sqlQuerier{s.sqlite}
}

func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	if s.backend == BackendPostgres {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if err := fn(pgQuerier{tx}); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		return tx.Commit(ctx)
	}

	tx, err := s.sqlite.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(sqlQuerier{tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rebind turns ? placeholders into $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) stamp() int64 { return s.now().UnixNano() }

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
