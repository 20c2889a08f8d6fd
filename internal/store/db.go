package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"clubattendance/internal/attendance"
)

// Supported STORE_BACKEND values.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// DB wraps sql.DB for Postgres (pgx) or an embedded SQLite file.
type DB struct {
	Client  *sql.DB
	Backend string
}

// NewDB opens the session store. For sqlite, dsn is a file path. The returned
// DB is usable for Close even when the ping error is non-nil.
func NewDB(backend, dsn string) (*DB, error) {
	switch backend {
	case BackendPostgres, "":
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
		return &DB{Client: db, Backend: BackendPostgres}, ping(db)
	case BackendSQLite:
		db, err := sql.Open("sqlite", SQLiteDSN(dsn))
		if err != nil {
			return nil, err
		}
		// SQLite has a single writer; one connection avoids BUSY on lock upgrades.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return &DB{Client: db, Backend: BackendSQLite}, ping(db)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// SQLiteDSN adds the pragmas the session store relies on to a file path.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return path + "?" + q.Encode()
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Dialect returns the placeholder dialect for the attendance repository.
func (d *DB) Dialect() attendance.Dialect {
	if d.Backend == BackendSQLite {
		return attendance.DialectSQLite
	}
	return attendance.DialectPostgres
}

// Healthy reports whether the database answers a ping.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
