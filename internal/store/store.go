package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultMaxRetries = 5
)

// Options configures Open.
type Options struct {
	Driver string
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN        string
	MaxRetries int
	Logger     *slog.Logger
	Clock      clockwork.Clock
}

// Store wraps relational access for call events and carrier rollups.
type Store struct {
	querier
	db         *sql.DB
	maxRetries int
	log        *slog.Logger
	clock      clockwork.Clock
}

// Tx is a unit of work. It is only valid inside the InTx callback.
type Tx struct {
	querier
	now time.Time
}

func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}

	d := dialectSQLite
	dsn := opts.DSN
	switch strings.ToLower(opts.Driver) {
	case "", DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("sqlite path is required")
		}
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("postgres url is required")
		}
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}

	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{
		querier:    querier{q: db, d: d},
		db:         db,
		maxRetries: opts.MaxRetries,
		log:        opts.Logger,
		clock:      opts.Clock,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// sqliteDSN turns a bare path into a modernc DSN with WAL, foreign keys,
// a busy timeout and IMMEDIATE write transactions.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

func (s *Store) Close() error { return s.db.Close() }

// Health pings the database with a trivial query.
func (s *Store) Health(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS carriers (
			id {{pk}},
			name TEXT NOT NULL,
			name_key TEXT NOT NULL UNIQUE,
			mc_number TEXT,
			total_calls INTEGER NOT NULL DEFAULT 0,
			successful_calls INTEGER NOT NULL DEFAULT 0,
			success_rate {{float}} NOT NULL DEFAULT 0,
			avg_rate_per_mile {{float}},
			avg_negotiation_rounds {{float}},
			avg_rate_variance {{float}},
			avg_call_duration {{float}},
			avg_objections {{float}},
			avg_positive_words {{float}},
			avg_negative_words {{float}},
			positive_calls INTEGER NOT NULL DEFAULT 0,
			negative_calls INTEGER NOT NULL DEFAULT 0,
			neutral_calls INTEGER NOT NULL DEFAULT 0,
			unknown_calls INTEGER NOT NULL DEFAULT 0,
			total_loads_shown INTEGER NOT NULL DEFAULT 0,
			avg_loads_shown {{float}},
			last_call_date {{ts}},
			status TEXT NOT NULL DEFAULT 'active',
			preferred INTEGER NOT NULL DEFAULT 0,
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS call_events (
			id {{pk}},
			call_id TEXT NOT NULL UNIQUE,
			carrier_id {{ref}} NOT NULL REFERENCES carriers(id),
			carrier_name TEXT NOT NULL,
			carrier_mc_number TEXT,
			load_id TEXT,
			lane TEXT NOT NULL,
			origin TEXT,
			destination TEXT,
			miles {{float}} NOT NULL,
			equipment_type TEXT NOT NULL,
			commodity TEXT,
			weight {{float}},
			posted_rate {{float}},
			counter_offer_rate {{float}},
			final_rate {{float}},
			rate_per_mile {{float}},
			rate_variance_pct {{float}},
			negotiation_rounds INTEGER,
			loads_shown INTEGER,
			outcome TEXT,
			outcome_simple TEXT NOT NULL,
			sentiment TEXT NOT NULL,
			call_duration_seconds INTEGER,
			objection_count INTEGER,
			positive_words INTEGER,
			negative_words INTEGER,
			call_date {{ts}} NOT NULL,
			created_at {{ts}} NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_events_carrier ON call_events(carrier_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_call_events_call_date ON call_events(call_date)`,
		`CREATE INDEX IF NOT EXISTS idx_call_events_lane_equipment ON call_events(lane, equipment_type)`,
		`CREATE INDEX IF NOT EXISTS idx_call_events_route ON call_events(origin, destination)`,
		`CREATE TABLE IF NOT EXISTS carrier_equipment (
			id {{pk}},
			carrier_id {{ref}} NOT NULL REFERENCES carriers(id),
			equipment_type TEXT NOT NULL,
			call_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			success_rate {{float}} NOT NULL DEFAULT 0,
			updated_at {{ts}} NOT NULL,
			UNIQUE(carrier_id, equipment_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_carrier_equipment_type ON carrier_equipment(equipment_type, call_count)`,
		`CREATE TABLE IF NOT EXISTS carrier_lanes (
			id {{pk}},
			carrier_id {{ref}} NOT NULL REFERENCES carriers(id),
			lane TEXT NOT NULL,
			origin TEXT,
			destination TEXT,
			miles {{float}} NOT NULL DEFAULT 0,
			total_calls INTEGER NOT NULL DEFAULT 0,
			successful_calls INTEGER NOT NULL DEFAULT 0,
			success_rate {{float}} NOT NULL DEFAULT 0,
			avg_rate_per_mile {{float}},
			avg_posted_rate {{float}},
			avg_final_rate {{float}},
			last_call_date {{ts}},
			updated_at {{ts}} NOT NULL,
			UNIQUE(carrier_id, lane)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(s.d.ddl(stmt)); err != nil {
			return err
		}
	}
	return nil
}

// InTx runs fn inside one transaction, committing when fn returns nil and
// rolling back on any error or panic. Lock contention and serialization
// failures rerun the whole unit of work with exponential backoff.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.runTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if s.d.isRetryable(err) {
			s.log.Warn("store: transaction contended, retrying", "attempt", attempt, "err", err)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(newTxBackOff()), backoff.WithMaxTries(uint(s.maxRetries)))
	return err
}

func newTxBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

func (s *Store) runTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &Tx{querier: querier{q: sqlTx, d: s.d}, now: s.clock.Now().UTC()}
	if err = fn(tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Now is the timestamp stamped on rows written by this unit of work.
func (t *Tx) Now() time.Time { return t.now }

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// querier carries the read paths shared by Store and Tx.
type querier struct {
	q dbtx
	d dialect
}

func (q querier) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.q.ExecContext(ctx, q.d.rebind(query), args...)
}

func (q querier) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.q.QueryContext(ctx, q.d.rebind(query), args...)
}

func (q querier) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.q.QueryRowContext(ctx, q.d.rebind(query), args...)
}
