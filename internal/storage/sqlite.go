package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"aocbot/internal/aoc"
	"aocbot/internal/ranking"
	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/aocbot.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Lookup(ctx context.Context, tenantID string) (aoc.Credential, bool, error) {
	t, ok, err := s.GetTenant(ctx, tenantID)
	return t.Credential, ok, err
}

func (s *sqliteStore) GetTenant(ctx context.Context, tenantID string) (Tenant, bool, error) {
	var (
		t       Tenant
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_token, leaderboard_id, registered_by, updated_at FROM tenants WHERE id = ?`, tenantID,
	).Scan(&t.ID, &t.Credential.SessionToken, &t.Credential.LeaderboardID, &t.RegisteredBy, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, false, nil
	}
	if err != nil {
		return Tenant{}, false, err
	}
	t.UpdatedAt = parseTime(updated)
	return t, true, nil
}

func (s *sqliteStore) PutTenant(ctx context.Context, t Tenant) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, session_token, leaderboard_id, registered_by, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   session_token=excluded.session_token,
		   leaderboard_id=excluded.leaderboard_id,
		   registered_by=excluded.registered_by,
		   updated_at=excluded.updated_at`,
		t.ID, t.Credential.SessionToken, t.Credential.LeaderboardID, t.RegisteredBy, formatTime(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteTenant(ctx context.Context, tenantID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, tenantID)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM leaderboard_subscriptions WHERE tenant_id = ?`, tenantID); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM puzzle_subscriptions WHERE tenant_id = ?`, tenantID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) PutLeaderboardSubscription(ctx context.Context, sub LeaderboardSubscription) error {
	if err := validHour(sub.Hour); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leaderboard_subscriptions(platform, chat_id, thread_id, tenant_id, hour, ordering, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(platform, chat_id, thread_id) DO UPDATE SET
		   tenant_id=excluded.tenant_id, hour=excluded.hour, ordering=excluded.ordering`,
		sub.Target.Platform, sub.Target.ChatID, sub.Target.ThreadID, sub.TenantID, sub.Hour,
		sub.Ordering.String(), formatTime(sub.CreatedAt),
	)
	return err
}

func (s *sqliteStore) PutPuzzleSubscription(ctx context.Context, sub PuzzleSubscription) error {
	if err := validHour(sub.Hour); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO puzzle_subscriptions(platform, chat_id, thread_id, tenant_id, hour, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(platform, chat_id, thread_id) DO UPDATE SET
		   tenant_id=excluded.tenant_id, hour=excluded.hour`,
		sub.Target.Platform, sub.Target.ChatID, sub.Target.ThreadID, sub.TenantID, sub.Hour, formatTime(sub.CreatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteLeaderboardSubscription(ctx context.Context, target kit.ChatTarget) (bool, error) {
	return s.deleteByTarget(ctx, "leaderboard_subscriptions", target)
}

func (s *sqliteStore) DeletePuzzleSubscription(ctx context.Context, target kit.ChatTarget) (bool, error) {
	return s.deleteByTarget(ctx, "puzzle_subscriptions", target)
}

func (s *sqliteStore) deleteByTarget(ctx context.Context, table string, target kit.ChatTarget) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE platform = ? AND chat_id = ? AND thread_id = ?`,
		target.Platform, target.ChatID, target.ThreadID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const (
	leaderboardColumns = `platform, chat_id, thread_id, tenant_id, hour, ordering, created_at`
	puzzleColumns      = `platform, chat_id, thread_id, tenant_id, hour, created_at`
	targetOrder        = ` ORDER BY platform, chat_id, thread_id`
)

func (s *sqliteStore) LeaderboardSubscriptionsAt(ctx context.Context, hour int) ([]LeaderboardSubscription, error) {
	return s.queryLeaderboards(ctx, `SELECT `+leaderboardColumns+` FROM leaderboard_subscriptions WHERE hour = ?`+targetOrder, hour)
}

func (s *sqliteStore) PuzzleSubscriptionsAt(ctx context.Context, hour int) ([]PuzzleSubscription, error) {
	return s.queryPuzzles(ctx, `SELECT `+puzzleColumns+` FROM puzzle_subscriptions WHERE hour = ?`+targetOrder, hour)
}

func (s *sqliteStore) TenantSubscriptions(ctx context.Context, tenantID string) ([]LeaderboardSubscription, []PuzzleSubscription, error) {
	lbs, err := s.queryLeaderboards(ctx, `SELECT `+leaderboardColumns+` FROM leaderboard_subscriptions WHERE tenant_id = ?`+targetOrder, tenantID)
	if err != nil {
		return nil, nil, err
	}
	pzs, err := s.queryPuzzles(ctx, `SELECT `+puzzleColumns+` FROM puzzle_subscriptions WHERE tenant_id = ?`+targetOrder, tenantID)
	if err != nil {
		return nil, nil, err
	}
	return lbs, pzs, nil
}

func (s *sqliteStore) queryLeaderboards(ctx context.Context, q string, arg any) ([]LeaderboardSubscription, error) {
	rows, err := s.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LeaderboardSubscription
	for rows.Next() {
		var (
			sub      LeaderboardSubscription
			ordering string
			created  string
		)
		if err := rows.Scan(&sub.Target.Platform, &sub.Target.ChatID, &sub.Target.ThreadID,
			&sub.TenantID, &sub.Hour, &ordering, &created); err != nil {
			return nil, err
		}
		sub.Ordering, _ = ranking.ParseOrdering(ordering)
		sub.CreatedAt = parseTime(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) queryPuzzles(ctx context.Context, q string, arg any) ([]PuzzleSubscription, error) {
	rows, err := s.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PuzzleSubscription
	for rows.Next() {
		var (
			sub     PuzzleSubscription
			created string
		)
		if err := rows.Scan(&sub.Target.Platform, &sub.Target.ChatID, &sub.Target.ThreadID,
			&sub.TenantID, &sub.Hour, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = parseTime(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, platform, chat_id, thread_id, action, target, ok, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		formatTime(e.At), e.ActorID, nullStr(e.ActorUsername), e.Platform, e.ChatID, e.ThreadID,
		e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
