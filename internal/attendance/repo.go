package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is the session store and member registry the engine runs on. Every
// mutating method is atomic on its own.
type Store interface {
	CreateMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, id string) (Member, error)
	ListMembers(ctx context.Context) ([]Member, error)
	IDAvailable(ctx context.Context, id string) (bool, error)
	UpdateProfile(ctx context.Context, id string, p Profile) (Member, error)
	ChangeMemberID(ctx context.Context, oldID, newID string) error
	DeleteMember(ctx context.Context, id string, at time.Time) (int, error)

	OpenSession(ctx context.Context, memberID string, at time.Time) (Session, error)
	CloseOpenSession(ctx context.Context, memberID string, at time.Time, forced bool, reason string) (Session, error)
	SweepOpen(ctx context.Context, openedBefore, closeAt time.Time, reason string) ([]Session, error)
	OpenSessionFor(ctx context.Context, memberID string) (*Session, error)
	CountOpen(ctx context.Context) (int, error)
	ListPresent(ctx context.Context) ([]PresentMember, error)
	History(ctx context.Context, memberID string, limit, offset int) ([]Session, error)
	Totals(ctx context.Context, memberID string) (Totals, error)
}

// Dialect selects placeholder syntax for the SQL backend.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Repository persists members and sessions in Postgres or SQLite.
type Repository struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB, dialect Dialect) *Repository {
	return &Repository{db: db, dialect: dialect}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS members (
		id            TEXT PRIMARY KEY,
		first_name    TEXT NOT NULL,
		last_name     TEXT NOT NULL,
		email         TEXT NOT NULL UNIQUE,
		created_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS retired_member_ids (
		id            TEXT PRIMARY KEY,
		retired_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		member_id         TEXT NOT NULL REFERENCES members(id) ON UPDATE CASCADE ON DELETE CASCADE,
		checked_in_at_ms  BIGINT NOT NULL,
		checked_out_at_ms BIGINT,
		duration_ms       BIGINT,
		forced_by_admin   BOOLEAN NOT NULL DEFAULT FALSE,
		forced_reason     TEXT NOT NULL DEFAULT ''
	)`,
	// One open session per member is enforced here, not in application code.
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_open_per_member
		ON sessions (member_id) WHERE checked_out_at_ms IS NULL`,
	`CREATE INDEX IF NOT EXISTS sessions_member_checked_in
		ON sessions (member_id, checked_in_at_ms)`,
}

// Migrate creates the tables and indexes if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders to $n for Postgres.
func (r *Repository) q(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const sessionColumns = `id, member_id, checked_in_at_ms, checked_out_at_ms, duration_ms, forced_by_admin, forced_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s        Session
		inMs     int64
		outMs    sql.NullInt64
		duration sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.MemberID, &inMs, &outMs, &duration, &s.ForcedByAdmin, &s.ForcedReason); err != nil {
		return Session{}, err
	}
	s.CheckedInAt = fromMillis(inMs)
	if outMs.Valid {
		out := fromMillis(outMs.Int64)
		s.CheckedOutAt = &out
	}
	if duration.Valid {
		s.DurationMs = duration.Int64
	}
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) memberExists(ctx context.Context, db queryer, id string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, r.q(`SELECT 1 FROM members WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup member %s: %w", id, err)
	}
	return true, nil
}

func (r *Repository) idRetired(ctx context.Context, db queryer, id string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, r.q(`SELECT 1 FROM retired_member_ids WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup retired id %s: %w", id, err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
		}
	}
	return false
}

// CreateMember inserts a new member unless the id is taken or retired or the
// email is already registered.
func (r *Repository) CreateMember(ctx context.Context, m Member) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	retired, err := r.idRetired(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	if retired {
		return fmt.Errorf("member id %s was retired: %w", m.ID, ErrConflict)
	}

	_, err = tx.ExecContext(ctx, r.q(`
		INSERT INTO members (id, first_name, last_name, email, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`), m.ID, m.FirstName, m.LastName, m.Email, m.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("member %s or email %s already registered: %w", m.ID, m.Email, ErrConflict)
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return tx.Commit()
}

// GetMember returns a single member by id.
func (r *Repository) GetMember(ctx context.Context, id string) (Member, error) {
	row := r.db.QueryRowContext(ctx, r.q(`
		SELECT id, first_name, last_name, email, created_at_ms
		FROM members WHERE id = ?
	`), id)
	var (
		m  Member
		ms int64
	)
	if err := row.Scan(&m.ID, &m.FirstName, &m.LastName, &m.Email, &ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Member{}, fmt.Errorf("member %s: %w", id, ErrNotFound)
		}
		return Member{}, err
	}
	m.CreatedAt = fromMillis(ms)
	return m, nil
}

// ListMembers returns all members ordered by id.
func (r *Repository) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, email, created_at_ms
		FROM members
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var (
			m  Member
			ms int64
		)
		if err := rows.Scan(&m.ID, &m.FirstName, &m.LastName, &m.Email, &ms); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(ms)
		members = append(members, m)
	}
	return members, rows.Err()
}

// IDAvailable reports whether id is neither registered nor retired.
func (r *Repository) IDAvailable(ctx context.Context, id string) (bool, error) {
	exists, err := r.memberExists(ctx, r.db, id)
	if err != nil || exists {
		return false, err
	}
	retired, err := r.idRetired(ctx, r.db, id)
	if err != nil {
		return false, err
	}
	return !retired, nil
}

// UpdateProfile rewrites the name and email of a member.
func (r *Repository) UpdateProfile(ctx context.Context, id string, p Profile) (Member, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE members
		SET first_name = ?, last_name = ?, email = ?
		WHERE id = ?
	`), p.FirstName, p.LastName, p.Email, id)
	if err != nil {
		if isUniqueViolation(err) {
			return Member{}, fmt.Errorf("email %s already registered: %w", p.Email, ErrConflict)
		}
		return Member{}, fmt.Errorf("update member %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Member{}, err
	} else if n == 0 {
		return Member{}, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	return r.GetMember(ctx, id)
}

// ChangeMemberID rewrites a member id and every session that references it.
// Sessions follow through ON UPDATE CASCADE; any session still pointing at the
// old id afterwards aborts the transaction.
func (r *Repository) ChangeMemberID(ctx context.Context, oldID, newID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := r.memberExists(ctx, tx, oldID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("member %s: %w", oldID, ErrNotFound)
	}
	if oldID == newID {
		return nil
	}

	taken, err := r.memberExists(ctx, tx, newID)
	if err != nil {
		return err
	}
	retired, err := r.idRetired(ctx, tx, newID)
	if err != nil {
		return err
	}
	if taken || retired {
		return fmt.Errorf("member id %s unavailable: %w", newID, ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, r.q(`UPDATE members SET id = ? WHERE id = ?`), newID, oldID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("member id %s unavailable: %w", newID, ErrConflict)
		}
		return fmt.Errorf("rename member %s: %w", oldID, err)
	}

	var orphaned int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM sessions WHERE member_id = ?`), oldID).Scan(&orphaned); err != nil {
		return err
	}
	if orphaned > 0 {
		return fmt.Errorf("%d sessions left under %s after rename: %w", orphaned, oldID, ErrInconsistent)
	}
	return tx.Commit()
}

// DeleteMember removes all sessions, then the member, and retires the id.
// It returns the number of sessions deleted.
func (r *Repository) DeleteMember(ctx context.Context, id string, at time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	exists, err := r.memberExists(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}

	var expected int64
	if err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM sessions WHERE member_id = ?`), id).Scan(&expected); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM sessions WHERE member_id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("delete sessions of %s: %w", id, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted != expected {
		return 0, fmt.Errorf("deleted %d of %d sessions for %s: %w", deleted, expected, id, ErrInconsistent)
	}

	res, err = tx.ExecContext(ctx, r.q(`DELETE FROM members WHERE id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("delete member %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n != 1 {
		return 0, fmt.Errorf("deleted %d member rows for %s: %w", n, id, ErrInconsistent)
	}

	if _, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO retired_member_ids (id, retired_at_ms) VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING
	`), id, at.UnixMilli()); err != nil {
		return 0, fmt.Errorf("retire id %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(deleted), nil
}

// OpenSession creates an open session for the member in one statement. The
// partial unique index turns a concurrent second insert into a no-op, which
// is reported as an AlreadyCheckedInError.
func (r *Repository) OpenSession(ctx context.Context, memberID string, at time.Time) (Session, error) {
	sess := Session{
		ID:          uuid.NewString(),
		MemberID:    memberID,
		CheckedInAt: at.UTC(),
	}
	// The open session found after a conflicting insert can be closed by a
	// sweep before we read it; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		res, err := r.db.ExecContext(ctx, r.q(`
			INSERT INTO sessions (id, member_id, checked_in_at_ms, forced_by_admin, forced_reason)
			SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT), FALSE, ''
			WHERE EXISTS (SELECT 1 FROM members WHERE id = ?)
			ON CONFLICT DO NOTHING
		`), sess.ID, memberID, at.UnixMilli(), memberID)
		if err != nil {
			return Session{}, fmt.Errorf("insert session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Session{}, err
		}
		if n == 1 {
			return sess, nil
		}

		exists, err := r.memberExists(ctx, r.db, memberID)
		if err != nil {
			return Session{}, err
		}
		if !exists {
			return Session{}, fmt.Errorf("member %s: %w", memberID, ErrNotFound)
		}
		open, err := r.OpenSessionFor(ctx, memberID)
		if err != nil {
			return Session{}, err
		}
		if open != nil {
			return Session{}, &AlreadyCheckedInError{Session: *open}
		}
	}
	return Session{}, fmt.Errorf("member %s: %w", memberID, ErrAlreadyCheckedIn)
}

// CloseOpenSession closes the member's open session at the given instant.
func (r *Repository) CloseOpenSession(ctx context.Context, memberID string, at time.Time, forced bool, reason string) (Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, err
	}
	defer tx.Rollback()

	ms := at.UnixMilli()
	rows, err := tx.QueryContext(ctx, r.q(`
		UPDATE sessions
		SET checked_out_at_ms = ?, duration_ms = ? - checked_in_at_ms, forced_by_admin = ?, forced_reason = ?
		WHERE member_id = ? AND checked_out_at_ms IS NULL
		RETURNING `+sessionColumns), ms, ms, forced, reason, memberID)
	if err != nil {
		return Session{}, fmt.Errorf("close session: %w", err)
	}
	closed, err := scanSessions(rows)
	if err != nil {
		return Session{}, err
	}

	switch len(closed) {
	case 0:
		exists, err := r.memberExists(ctx, tx, memberID)
		if err != nil {
			return Session{}, err
		}
		if !exists {
			return Session{}, fmt.Errorf("member %s: %w", memberID, ErrNotFound)
		}
		return Session{}, fmt.Errorf("member %s: %w", memberID, ErrNotCheckedIn)
	case 1:
		if err := tx.Commit(); err != nil {
			return Session{}, err
		}
		return closed[0], nil
	default:
		return Session{}, fmt.Errorf("member %s has %d open sessions: %w", memberID, len(closed), ErrInconsistent)
	}
}

// SweepOpen closes every session opened at or before openedBefore, stamping
// closeAt as the checkout time. Already closed sessions are not touched.
func (r *Repository) SweepOpen(ctx context.Context, openedBefore, closeAt time.Time, reason string) ([]Session, error) {
	if closeAt.Before(openedBefore) {
		return nil, fmt.Errorf("sweep close time %s precedes cutoff %s", closeAt, openedBefore)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ms := closeAt.UnixMilli()
	rows, err := tx.QueryContext(ctx, r.q(`
		UPDATE sessions
		SET checked_out_at_ms = ?, duration_ms = ? - checked_in_at_ms, forced_by_admin = TRUE, forced_reason = ?
		WHERE checked_out_at_ms IS NULL AND checked_in_at_ms <= ?
		RETURNING `+sessionColumns), ms, ms, reason, openedBefore.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sweep sessions: %w", err)
	}
	closed, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return closed, nil
}

// OpenSessionFor returns the member's open session, or nil when none is open.
func (r *Repository) OpenSessionFor(ctx context.Context, memberID string) (*Session, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE member_id = ? AND checked_out_at_ms IS NULL
	`), memberID)
	if err != nil {
		return nil, err
	}
	open, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		return &open[0], nil
	default:
		return nil, fmt.Errorf("member %s has %d open sessions: %w", memberID, len(open), ErrInconsistent)
	}
}

// CountOpen returns the number of open sessions.
func (r *Repository) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE checked_out_at_ms IS NULL`).Scan(&n)
	return n, err
}

// ListPresent returns open sessions with member names, earliest first.
func (r *Repository) ListPresent(ctx context.Context) ([]PresentMember, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.first_name, m.last_name, s.id, s.checked_in_at_ms
		FROM sessions s
		JOIN members m ON m.id = s.member_id
		WHERE s.checked_out_at_ms IS NULL
		ORDER BY s.checked_in_at_ms, m.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []PresentMember
	for rows.Next() {
		var (
			p  PresentMember
			ms int64
		)
		if err := rows.Scan(&p.MemberID, &p.FirstName, &p.LastName, &p.SessionID, &ms); err != nil {
			return nil, err
		}
		p.CheckedInAt = fromMillis(ms)
		res = append(res, p)
	}
	return res, rows.Err()
}

// History returns closed sessions for the member, most recent first.
func (r *Repository) History(ctx context.Context, memberID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	exists, err := r.memberExists(ctx, r.db, memberID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("member %s: %w", memberID, ErrNotFound)
	}
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE member_id = ? AND checked_out_at_ms IS NOT NULL
		ORDER BY checked_in_at_ms DESC, id DESC
		LIMIT ? OFFSET ?
	`), memberID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// Totals sums the closed sessions of a member.
func (r *Repository) Totals(ctx context.Context, memberID string) (Totals, error) {
	exists, err := r.memberExists(ctx, r.db, memberID)
	if err != nil {
		return Totals{}, err
	}
	if !exists {
		return Totals{}, fmt.Errorf("member %s: %w", memberID, ErrNotFound)
	}
	t := Totals{MemberID: memberID}
	err = r.db.QueryRowContext(ctx, r.q(`
		SELECT COUNT(*), CAST(COALESCE(SUM(duration_ms), 0) AS BIGINT)
		FROM sessions
		WHERE member_id = ? AND checked_out_at_ms IS NOT NULL
	`), memberID).Scan(&t.TotalSessions, &t.TotalMilliseconds)
	if err != nil {
		return Totals{}, err
	}
	return t, nil
}
