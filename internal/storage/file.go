package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"aocbot/internal/aoc"
	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

// fileStore keeps everything in memory and rewrites one JSON snapshot on every change.
//
// Files (when a path is set):
//   - <prefix>.json        (state snapshot, replaced via rename)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	statePath string
	auditFile *os.File

	tenants      map[string]Tenant
	leaderboards map[kit.ChatTarget]LeaderboardSubscription
	puzzles      map[kit.ChatTarget]PuzzleSubscription
}

type fileState struct {
	Tenants      []Tenant                  `json:"tenants"`
	Leaderboards []LeaderboardSubscription `json:"leaderboard_subscriptions"`
	Puzzles      []PuzzleSubscription      `json:"puzzle_subscriptions"`
}

func openFile(path string, log logx.Logger) (*fileStore, error) {
	s := &fileStore{
		log:          log,
		tenants:      map[string]Tenant{},
		leaderboards: map[kit.ChatTarget]LeaderboardSubscription{},
		puzzles:      map[kit.ChatTarget]PuzzleSubscription{},
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return s, nil
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s.statePath = prefix + ".json"
	if err := s.load(); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	for _, t := range st.Tenants {
		s.tenants[t.ID] = t
	}
	for _, l := range st.Leaderboards {
		s.leaderboards[l.Target] = l
	}
	for _, p := range st.Puzzles {
		s.puzzles[p.Target] = p
	}
	s.log.Debug("file store loaded",
		logx.Int("tenants", len(s.tenants)),
		logx.Int("leaderboard_subscriptions", len(s.leaderboards)),
		logx.Int("puzzle_subscriptions", len(s.puzzles)),
	)
	return nil
}

// persistLocked rewrites the snapshot. Caller holds mu.
func (s *fileStore) persistLocked() error {
	if s.statePath == "" {
		return nil
	}
	st := fileState{
		Tenants:      make([]Tenant, 0, len(s.tenants)),
		Leaderboards: sortedLeaderboards(s.leaderboards, func(LeaderboardSubscription) bool { return true }),
		Puzzles:      sortedPuzzles(s.puzzles, func(PuzzleSubscription) bool { return true }),
	}
	for _, t := range s.tenants {
		st.Tenants = append(st.Tenants, t)
	}
	sort.Slice(st.Tenants, func(i, j int) bool { return st.Tenants[i].ID < st.Tenants[j].ID })

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func (s *fileStore) Lookup(ctx context.Context, tenantID string) (aoc.Credential, bool, error) {
	t, ok, err := s.GetTenant(ctx, tenantID)
	return t.Credential, ok, err
}

func (s *fileStore) GetTenant(_ context.Context, tenantID string) (Tenant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Tenant{}, false, ErrClosed
	}
	t, ok := s.tenants[tenantID]
	return t, ok, nil
}

func (s *fileStore) PutTenant(_ context.Context, t Tenant) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tenants[t.ID] = t
	return s.persistLocked()
}

func (s *fileStore) DeleteTenant(_ context.Context, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.tenants[tenantID]
	delete(s.tenants, tenantID)
	for k, v := range s.leaderboards {
		if v.TenantID == tenantID {
			delete(s.leaderboards, k)
		}
	}
	for k, v := range s.puzzles {
		if v.TenantID == tenantID {
			delete(s.puzzles, k)
		}
	}
	return ok, s.persistLocked()
}

func (s *fileStore) PutLeaderboardSubscription(_ context.Context, sub LeaderboardSubscription) error {
	if err := validHour(sub.Hour); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.leaderboards[sub.Target] = sub
	return s.persistLocked()
}

func (s *fileStore) PutPuzzleSubscription(_ context.Context, sub PuzzleSubscription) error {
	if err := validHour(sub.Hour); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.puzzles[sub.Target] = sub
	return s.persistLocked()
}

func (s *fileStore) DeleteLeaderboardSubscription(_ context.Context, target kit.ChatTarget) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.leaderboards[target]
	if !ok {
		return false, nil
	}
	delete(s.leaderboards, target)
	return true, s.persistLocked()
}

func (s *fileStore) DeletePuzzleSubscription(_ context.Context, target kit.ChatTarget) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.puzzles[target]
	if !ok {
		return false, nil
	}
	delete(s.puzzles, target)
	return true, s.persistLocked()
}

func (s *fileStore) LeaderboardSubscriptionsAt(_ context.Context, hour int) ([]LeaderboardSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedLeaderboards(s.leaderboards, func(l LeaderboardSubscription) bool { return l.Hour == hour }), nil
}

func (s *fileStore) PuzzleSubscriptionsAt(_ context.Context, hour int) ([]PuzzleSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedPuzzles(s.puzzles, func(p PuzzleSubscription) bool { return p.Hour == hour }), nil
}

func (s *fileStore) TenantSubscriptions(_ context.Context, tenantID string) ([]LeaderboardSubscription, []PuzzleSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	lbs := sortedLeaderboards(s.leaderboards, func(l LeaderboardSubscription) bool { return l.TenantID == tenantID })
	pzs := sortedPuzzles(s.puzzles, func(p PuzzleSubscription) bool { return p.TenantID == tenantID })
	return lbs, pzs, nil
}

type auditRecord struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	Platform      string    `json:"platform"`
	ChatID        int64     `json:"chat_id"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"err,omitempty"`
	Meta          string    `json:"meta,omitempty"`
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.auditFile == nil {
		return nil
	}
	return json.NewEncoder(s.auditFile).Encode(auditRecord{
		At: e.At, ActorID: e.ActorID, ActorUsername: e.ActorUsername,
		Platform: e.Platform, ChatID: e.ChatID, ThreadID: e.ThreadID,
		Action: e.Action, Target: e.Target, OK: e.OK, Error: e.Error, Meta: e.MetaJSON,
	})
}

func sortedLeaderboards(m map[kit.ChatTarget]LeaderboardSubscription, keep func(LeaderboardSubscription) bool) []LeaderboardSubscription {
	out := make([]LeaderboardSubscription, 0, len(m))
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return targetLess(out[i].Target, out[j].Target) })
	return out
}

func sortedPuzzles(m map[kit.ChatTarget]PuzzleSubscription, keep func(PuzzleSubscription) bool) []PuzzleSubscription {
	out := make([]PuzzleSubscription, 0, len(m))
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return targetLess(out[i].Target, out[j].Target) })
	return out
}
