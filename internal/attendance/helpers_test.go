package attendance

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testClock is a controllable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock { return &testClock{now: start} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// openTestRepo creates a migrated SQLite-backed repository in a temp dir.
func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attendance.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	repo := NewRepository(db, DialectSQLite)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

type fixture struct {
	repo     *Repository
	clock    *testClock
	engine   *Engine
	admin    *Admin
	registry *Registry
}

// schoolDay is 2026-10-15 09:00:00 UTC.
var schoolDay = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := openTestRepo(t)
	clock := newTestClock(schoolDay)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(clock.Now), WithLogger(quiet)}, opts...)
	engine := NewEngine(repo, opts...)
	return &fixture{
		repo:     repo,
		clock:    clock,
		engine:   engine,
		admin:    NewAdmin(engine),
		registry: NewRegistry(repo, clock.Now),
	}
}

func (f *fixture) register(t *testing.T, id string) Member {
	t.Helper()
	m, err := f.registry.Register(context.Background(), NewMember{
		ID: id,
		Profile: Profile{
			FirstName: "Ada",
			LastName:  "Member" + id,
			Email:     "member" + id + "@school.example",
		},
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return m
}
