package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"localagent/internal/clock"
	"localagent/internal/errs"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*SQLiteStore, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(testStart)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath, WithClock(fc))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, fc
}

func TestSQLiteStore_SchemaVersion(t *testing.T) {
	store, _ := newTestStore(t)
	v, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != len(migrations) {
		t.Fatalf("SchemaVersion=%d, want %d", v, len(migrations))
	}

	// 重新打开不应重复执行迁移 / reopening must not re-run migrations
	again, err := NewSQLiteStore(store.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = again.Close()
}

func TestHashContentDeterministic(t *testing.T) {
	a := HashContent("hello")
	if a != HashContent("hello") {
		t.Fatal("hash not stable")
	}
	if a == HashContent("hello!") {
		t.Fatal("different content hashed equal")
	}
	if len(a) != 64 {
		t.Fatalf("hash length=%d, want 64", len(a))
	}
}

func TestSQLiteStore_MemoryCRUD(t *testing.T) {
	ctx := context.Background()
	store, fc := newTestStore(t)

	saved, err := store.SaveMemory(ctx, LocalMemory{
		Content:    "the cat sat on the mat",
		MemoryType: "note",
		Topics:     []string{"cats", " cats ", ""},
		Importance: 0.5,
	})
	if err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}
	if saved.ID == "" || !saved.PendingSync {
		t.Fatalf("saved=%+v, want id and pending", saved)
	}
	if len(saved.Topics) != 1 || saved.Topics[0] != "cats" {
		t.Fatalf("Topics=%v, want [cats]", saved.Topics)
	}

	got, ok, err := store.GetMemory(ctx, saved.ID)
	if err != nil || !ok {
		t.Fatalf("GetMemory ok=%v err=%v", ok, err)
	}
	if got.Content != saved.Content || got.ContentHash != HashContent(saved.Content) {
		t.Fatalf("got=%+v", got)
	}
	if !got.CreatedAt.Equal(testStart) {
		t.Fatalf("CreatedAt=%v, want %v", got.CreatedAt, testStart)
	}

	if _, err := store.SetMemoryEmbedding(ctx, saved.ID, saved.ContentHash, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}

	fc.Advance(time.Minute)
	got.Content = "the dog sat on the mat"
	updated, err := store.SaveMemory(ctx, got)
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != saved.ID {
		t.Fatalf("update changed id: %s", updated.ID)
	}
	if len(updated.Embedding) != 0 {
		t.Fatalf("embedding kept after content change: %v", updated.Embedding)
	}
	if !updated.UpdatedAt.After(saved.UpdatedAt) {
		t.Fatalf("UpdatedAt not advanced")
	}

	list, err := store.ListMemories(ctx, MemoryFilter{MemoryType: "note"})
	if err != nil || len(list) != 1 {
		t.Fatalf("ListMemories len=%d err=%v", len(list), err)
	}

	if err := store.DeleteMemory(ctx, saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.GetMemory(ctx, saved.ID); ok {
		t.Fatal("memory still present after delete")
	}
	if err := store.DeleteMemory(ctx, "missing"); err != nil {
		t.Fatalf("DeleteMemory(missing)=%v, want nil", err)
	}
}

func TestSQLiteStore_DuplicateContentNotReinserted(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first, err := store.SaveMemory(ctx, LocalMemory{ID: "m1", Content: "same text"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.SaveMemory(ctx, LocalMemory{ID: "m2", Content: "same text"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned id %q, want %q", second.ID, first.ID)
	}
	n, _ := store.CountMemories(ctx)
	if n != 1 {
		t.Fatalf("CountMemories=%d, want 1", n)
	}
}

func TestSQLiteStore_SetEmbeddingIgnoresStaleHash(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	m, _ := store.SaveMemory(ctx, LocalMemory{Content: "v1"})

	ok, err := store.SetMemoryEmbedding(ctx, m.ID, HashContent("v0"), []float32{1})
	if err != nil || ok {
		t.Fatalf("stale SetMemoryEmbedding ok=%v err=%v", ok, err)
	}
	ok, err = store.SetMemoryEmbedding(ctx, m.ID, m.ContentHash, []float32{0.25, 0.5})
	if err != nil || !ok {
		t.Fatalf("SetMemoryEmbedding ok=%v err=%v", ok, err)
	}
	got, _, _ := store.GetMemory(ctx, m.ID)
	if len(got.Embedding) != 2 || got.Embedding[1] != 0.5 {
		t.Fatalf("Embedding=%v", got.Embedding)
	}
	if !got.PendingSync {
		t.Fatal("pending flag lost")
	}
	embedded, _ := store.ListEmbeddedMemories(ctx)
	if len(embedded) != 1 {
		t.Fatalf("ListEmbeddedMemories len=%d, want 1", len(embedded))
	}
}

func TestSQLiteStore_Sessions(t *testing.T) {
	ctx := context.Background()
	store, fc := newTestStore(t)

	sess, err := store.SaveSession(ctx, LocalSession{
		SessionType: "chat",
		Context:     json.RawMessage(`{"topic":"travel"}`),
	})
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if string(sess.Context) != `{"topic":"travel"}` {
		t.Fatalf("Context=%s", sess.Context)
	}

	fc.Advance(time.Second)
	got, err := store.AppendSessionMessages(ctx, sess.ID, []SessionMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Timestamp.IsZero() {
		t.Fatalf("Messages=%+v", got.Messages)
	}

	_, err = store.AppendSessionMessages(ctx, "nope", nil)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("append to missing session err=%v, want ErrNotFound", err)
	}

	list, _ := store.ListSessions(ctx, 0)
	if len(list) != 1 {
		t.Fatalf("ListSessions len=%d", len(list))
	}
	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("second delete err=%v", err)
	}
}
