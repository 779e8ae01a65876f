package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"aocbot/internal/aoc"
	"aocbot/internal/ranking"
	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

func openForTest(t *testing.T, driver string) Store {
	t.Helper()
	path := ""
	switch driver {
	case "sqlite":
		path = filepath.Join(t.TempDir(), "aocbot.db")
	case "file":
		path = filepath.Join(t.TempDir(), "aocbot.json")
	}
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) err = %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var ignoreTimes = cmpopts.IgnoreFields(LeaderboardSubscription{}, "CreatedAt")
var ignorePuzzleTimes = cmpopts.IgnoreFields(PuzzleSubscription{}, "CreatedAt")

func TestStoreContract(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"sqlite", "file", "memory"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openForTest(t, driver)

			if _, ok, err := st.Lookup(ctx, "telegram:1"); err != nil || ok {
				t.Fatalf("Lookup(empty) = %v, %v", ok, err)
			}

			cred := aoc.Credential{SessionToken: "tok", LeaderboardID: "111"}
			if err := st.PutTenant(ctx, Tenant{ID: "telegram:1", Credential: cred, RegisteredBy: 42}); err != nil {
				t.Fatalf("PutTenant err = %v", err)
			}
			got, ok, err := st.Lookup(ctx, "telegram:1")
			if err != nil || !ok || got != cred {
				t.Fatalf("Lookup = %+v, %v, %v", got, ok, err)
			}

			a := kit.ChatTarget{Platform: "telegram", ChatID: 1}
			b := kit.ChatTarget{Platform: "telegram", ChatID: 1, ThreadID: 9}
			c := kit.ChatTarget{Platform: "discord", ChatID: 77}
			subs := []LeaderboardSubscription{
				{Target: a, TenantID: "telegram:1", Hour: 8, Ordering: ranking.ByStars},
				{Target: b, TenantID: "telegram:1", Hour: 8, Ordering: ranking.ByGlobalScore},
				{Target: c, TenantID: "discord:5", Hour: 9},
			}
			for _, s := range subs {
				if err := st.PutLeaderboardSubscription(ctx, s); err != nil {
					t.Fatalf("PutLeaderboardSubscription err = %v", err)
				}
			}
			if err := st.PutPuzzleSubscription(ctx, PuzzleSubscription{Target: a, TenantID: "telegram:1", Hour: 0}); err != nil {
				t.Fatalf("PutPuzzleSubscription err = %v", err)
			}

			due, err := st.LeaderboardSubscriptionsAt(ctx, 8)
			if err != nil {
				t.Fatalf("LeaderboardSubscriptionsAt err = %v", err)
			}
			if diff := cmp.Diff(subs[:2], due, ignoreTimes); diff != "" {
				t.Fatalf("due at 8 mismatch (-want +got):\n%s", diff)
			}

			// Re-subscribing a target replaces its hour and ordering.
			if err := st.PutLeaderboardSubscription(ctx, LeaderboardSubscription{Target: a, TenantID: "telegram:1", Hour: 9}); err != nil {
				t.Fatalf("PutLeaderboardSubscription err = %v", err)
			}
			due, _ = st.LeaderboardSubscriptionsAt(ctx, 9)
			want := []LeaderboardSubscription{subs[2], {Target: a, TenantID: "telegram:1", Hour: 9}}
			if diff := cmp.Diff(want, due, ignoreTimes); diff != "" {
				t.Fatalf("due at 9 mismatch (-want +got):\n%s", diff)
			}

			pz, err := st.PuzzleSubscriptionsAt(ctx, 0)
			if err != nil || len(pz) != 1 || pz[0].Target != a {
				t.Fatalf("PuzzleSubscriptionsAt = %+v, %v", pz, err)
			}

			lbs, pzs, err := st.TenantSubscriptions(ctx, "telegram:1")
			if err != nil || len(lbs) != 2 || len(pzs) != 1 {
				t.Fatalf("TenantSubscriptions = %d, %d, %v", len(lbs), len(pzs), err)
			}

			if ok, err := st.DeleteLeaderboardSubscription(ctx, b); err != nil || !ok {
				t.Fatalf("DeleteLeaderboardSubscription = %v, %v", ok, err)
			}
			if ok, err := st.DeleteLeaderboardSubscription(ctx, b); err != nil || ok {
				t.Fatalf("second DeleteLeaderboardSubscription = %v, %v", ok, err)
			}

			if ok, err := st.DeleteTenant(ctx, "telegram:1"); err != nil || !ok {
				t.Fatalf("DeleteTenant = %v, %v", ok, err)
			}
			lbs, pzs, _ = st.TenantSubscriptions(ctx, "telegram:1")
			if len(lbs) != 0 || len(pzs) != 0 {
				t.Fatalf("DeleteTenant left subscriptions: %d, %d", len(lbs), len(pzs))
			}
			due, _ = st.LeaderboardSubscriptionsAt(ctx, 9)
			if diff := cmp.Diff([]LeaderboardSubscription{subs[2]}, due, ignoreTimes, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("other tenant affected (-want +got):\n%s", diff)
			}

			if err := st.AppendAudit(ctx, AuditEntry{ActorID: 42, Platform: "telegram", ChatID: 1, Action: "register", OK: true}); err != nil {
				t.Fatalf("AppendAudit err = %v", err)
			}
		})
	}
}

func TestStoreRejectsInvalidHour(t *testing.T) {
	t.Parallel()

	st := openForTest(t, "memory")
	err := st.PutLeaderboardSubscription(context.Background(), LeaderboardSubscription{Hour: 24})
	if !errors.Is(err, ErrInvalidHour) {
		t.Fatalf("err = %v, want ErrInvalidHour", err)
	}
	err = st.PutPuzzleSubscription(context.Background(), PuzzleSubscription{Hour: -1})
	if !errors.Is(err, ErrInvalidHour) {
		t.Fatalf("err = %v, want ErrInvalidHour", err)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open err = %v", err)
	}
	target := kit.ChatTarget{Platform: "discord", ChatID: 99}
	_ = st.PutTenant(ctx, Tenant{ID: "discord:1", Credential: aoc.Credential{SessionToken: "s", LeaderboardID: "1"}})
	_ = st.PutLeaderboardSubscription(ctx, LeaderboardSubscription{Target: target, TenantID: "discord:1", Hour: 23, Ordering: ranking.ByStars})
	_ = st.PutPuzzleSubscription(ctx, PuzzleSubscription{Target: target, TenantID: "discord:1", Hour: 0, CreatedAt: time.Unix(10, 0)})
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen err = %v", err)
	}
	defer st2.Close()

	if _, ok, _ := st2.Lookup(ctx, "discord:1"); !ok {
		t.Fatalf("tenant lost after reopen")
	}
	lbs, _ := st2.LeaderboardSubscriptionsAt(ctx, 23)
	if len(lbs) != 1 || lbs[0].Ordering != ranking.ByStars {
		t.Fatalf("leaderboard subscriptions after reopen = %+v", lbs)
	}
	pzs, _ := st2.PuzzleSubscriptionsAt(ctx, 0)
	if diff := cmp.Diff([]PuzzleSubscription{{Target: target, TenantID: "discord:1", Hour: 0}}, pzs, ignorePuzzleTimes); diff != "" {
		t.Fatalf("puzzle subscriptions after reopen (-want +got):\n%s", diff)
	}
}

func TestClosedFileStore(t *testing.T) {
	t.Parallel()

	st, _ := Open(Config{Driver: "memory"}, logx.Nop())
	_ = st.Close()
	if _, _, err := st.Lookup(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Lookup after Close err = %v, want ErrClosed", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("Open(postgres) err = nil")
	}
}
