package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "test.sqlite")
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := &User{
		UserID:       100,
		Type:         "SILVER",
		Status:       "IDLE",
		Timer:        120,
		AnonyName:    "AnonymousTEST",
		MembershipID: "921234567",
	}
	if err := s.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, 100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AnonyName != "AnonymousTEST" || got.Status != "IDLE" || got.Timer != 120 {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestGetMissingUser(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicateAnonyName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &User{UserID: 1, AnonyName: "HiddenAAAA", Status: "IDLE"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.Create(ctx, &User{UserID: 2, AnonyName: "HiddenAAAA", Status: "IDLE"})
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("got %v, want ErrNameTaken", err)
	}
}

func TestUpsertUpdatesExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := &User{UserID: 7, AnonyName: "SecretBBBB", Status: "IDLE"}
	if err := s.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}
	u.Status = "RANDOM"
	u.PeerID = "8"
	if err := s.Upsert(ctx, u); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Get(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "RANDOM" || got.PeerID != "8" {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func TestFindByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"OPEN", "OPEN", "IDLE", "CLOSED"} {
		u := &User{UserID: int64(i + 1), AnonyName: "Unknown000" + string(rune('A'+i)), Status: status}
		if err := s.Create(ctx, u); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	open, err := s.FindByStatus(ctx, "OPEN")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("got %d OPEN users, want 2", len(open))
	}
}

func TestFindByAnonyName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &User{UserID: 9, AnonyName: "MysteriousZZ99", Status: "IDLE"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.FindByAnonyName(ctx, "MysteriousZZ99")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.UserID != 9 {
		t.Fatalf("got user %d, want 9", got.UserID)
	}
	if _, err := s.FindByAnonyName(ctx, "NoSuchName"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestChannelQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	code := "abc123"
	rows := []*User{
		{UserID: 1, AnonyName: "HiddenN001", Status: "BROADCASTER", PeerID: code},
		{UserID: 2, AnonyName: "HiddenN002", Status: "LISTENER", PeerID: code},
		{UserID: 3, AnonyName: "HiddenN003", Status: "LISTENER", PeerID: code},
		{UserID: 4, AnonyName: "HiddenN004", Status: "LISTENER", PeerID: "other1"},
		{UserID: 5, AnonyName: "HiddenN005", Status: "IDLE", PeerID: code},
	}
	for _, u := range rows {
		if err := s.Create(ctx, u); err != nil {
			t.Fatalf("create %d: %v", u.UserID, err)
		}
	}

	listeners, err := s.FindListenersByChannel(ctx, code)
	if err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if len(listeners) != 2 {
		t.Fatalf("got %d listeners, want 2", len(listeners))
	}

	n, err := s.CountListeners(ctx, code)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count %d, want 2", n)
	}

	bc, err := s.FindBroadcasterByChannel(ctx, code)
	if err != nil {
		t.Fatalf("broadcaster: %v", err)
	}
	if bc.UserID != 1 {
		t.Fatalf("broadcaster %d, want 1", bc.UserID)
	}
	if _, err := s.FindBroadcasterByChannel(ctx, "silent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Store) error {
		if err := tx.Create(ctx, &User{UserID: 50, AnonyName: "SecretTX01", Status: "IDLE"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if _, err := s.Get(ctx, 50); !errors.Is(err, ErrNotFound) {
		t.Fatalf("row survived rollback: %v", err)
	}
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"OPEN", "CONNECTED", "CONNECTED", "AI"} {
		u := &User{UserID: int64(i + 1), AnonyName: "Unknown111" + string(rune('A'+i)), Status: status}
		if err := s.Create(ctx, u); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["CONNECTED"] != 2 || counts["OPEN"] != 1 || counts["AI"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
