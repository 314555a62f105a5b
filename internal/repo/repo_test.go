package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"commandcore/internal/db"
	"commandcore/internal/domain"
	"commandcore/internal/events"
	"commandcore/internal/migrate"
	"commandcore/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insertMessage(t *testing.T, r repo.Repo, id, createdAt string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	err = r.InsertMessageTx(ctx, tx, domain.Message{
		ID:        id,
		Role:      "assistant",
		Content:   "{}",
		Type:      "code",
		Model:     "cmd",
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestMessagesMostRecentFirst(t *testing.T) {
	r := newRepo(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		insertMessage(t, r, fmt.Sprintf("m-%d", i), base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339))
	}
	msgs, err := r.ListMessages(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m-2" || msgs[2].ID != "m-0" {
		t.Fatalf("wrong order: %s, %s, %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
	n, err := r.CountMessages(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestAssetRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	asset := domain.Asset{
		ID:          "a-1",
		Name:        "shot.png",
		MimeType:    "image/png",
		Content:     []byte{1, 2, 3},
		IsAnalyzing: true,
		SizeBytes:   3,
		CreatedAt:   "2025-06-01T10:00:00Z",
	}
	if err := r.InsertAsset(ctx, asset); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := r.GetAsset(ctx, "a-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsAnalyzing || len(got.Content) != 3 {
		t.Fatalf("asset = %+v", got)
	}

	if err := r.SetAssetAnalysis(ctx, "a-1", "a screenshot", []string{"screenshot", "png"}); err != nil {
		t.Fatalf("set analysis: %v", err)
	}
	got, err = r.GetAsset(ctx, "a-1")
	if err != nil {
		t.Fatalf("get after analysis: %v", err)
	}
	if got.IsAnalyzing || got.AltText != "a screenshot" || len(got.Tags) != 2 {
		t.Fatalf("analysis not applied: %+v", got)
	}

	if err := r.SetAssetAnalysis(ctx, "missing", "x", nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventCursors(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for i := 0; i < 5; i++ {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := w.Append(ctx, tx, "mission.dispatched", "message", fmt.Sprintf("m-%d", i), "operator", events.EventPayload{"i": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil || latest == 0 {
		t.Fatalf("latest id = %d, %v", latest, err)
	}

	evts, err := r.EventsAfter(ctx, 10, latest-2)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events after cursor, got %d", len(evts))
	}
	if evts[0].ID >= evts[1].ID {
		t.Fatalf("EventsAfter must be oldest first")
	}

	recent, err := r.LatestEvents(ctx, 3, "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != latest {
		t.Fatalf("LatestEvents must be newest first: %+v", recent)
	}
}
