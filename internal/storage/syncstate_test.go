package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"localagent/internal/errs"
)

func TestMarkMemorySynced_OptimisticOnUpdatedAt(t *testing.T) {
	ctx := context.Background()
	store, fc := newTestStore(t)
	m, _ := store.SaveMemory(ctx, LocalMemory{Content: "draft"})

	cleared, err := store.MarkMemorySynced(ctx, m.ID, m.UpdatedAt, "cloud-1", "r1")
	if err != nil || !cleared {
		t.Fatalf("MarkMemorySynced=%v,%v", cleared, err)
	}
	got, _, _ := store.GetMemory(ctx, m.ID)
	if got.PendingSync || got.SyncedAt == nil || got.CloudID != "cloud-1" || got.RemoteRev != "r1" {
		t.Fatalf("after sync=%+v", got)
	}

	// 上传期间的本地修改必须保持 pending
	uploaded := got
	got.Content = "draft v2"
	fc.Advance(time.Second)
	edited, _ := store.SaveMemory(ctx, got)
	cleared, err = store.MarkMemorySynced(ctx, m.ID, uploaded.UpdatedAt, "cloud-1", "r2")
	if err != nil || cleared {
		t.Fatalf("stale MarkMemorySynced=%v,%v", cleared, err)
	}
	after, _, _ := store.GetMemory(ctx, m.ID)
	if !after.PendingSync || after.RemoteRev != "r2" || !after.UpdatedAt.Equal(edited.UpdatedAt) {
		t.Fatalf("after stale ack=%+v", after)
	}
}

func TestApplyRemoteMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	remote := LocalMemory{CloudID: "c1", RemoteRev: "r1", Content: "from cloud", Topics: []string{"x"}}
	out, err := store.ApplyRemoteMemory(ctx, remote, false)
	if err != nil || out != ApplyInserted {
		t.Fatalf("first apply=%s,%v", out, err)
	}
	// 同一版本重复应用是幂等的
	out, err = store.ApplyRemoteMemory(ctx, remote, false)
	if err != nil || out != ApplySkipped {
		t.Fatalf("repeat apply=%s,%v", out, err)
	}
	counts, _ := store.CountPending(ctx)
	if counts.Memories != 0 {
		t.Fatalf("downloaded memory marked pending: %+v", counts)
	}

	remote.RemoteRev = "r2"
	remote.Content = "from cloud v2"
	out, err = store.ApplyRemoteMemory(ctx, remote, false)
	if err != nil || out != ApplyUpdated {
		t.Fatalf("clean overwrite=%s,%v", out, err)
	}

	list, _ := store.ListMemories(ctx, MemoryFilter{})
	if len(list) != 1 || list[0].Content != "from cloud v2" {
		t.Fatalf("memories=%+v", list)
	}

	local := list[0]
	local.Content = "local edit"
	if _, err := store.SaveMemory(ctx, local); err != nil {
		t.Fatal(err)
	}
	remote.RemoteRev = "r3"
	remote.Content = "remote edit"
	out, err = store.ApplyRemoteMemory(ctx, remote, false)
	if err != nil || out != ApplyConflicted {
		t.Fatalf("pending apply=%s,%v", out, err)
	}
	got, _, _ := store.GetMemory(ctx, local.ID)
	if got.Content != "local edit" {
		t.Fatalf("conflict overwrote local content: %q", got.Content)
	}

	pending, _ := store.PendingMemories(ctx)
	if len(pending) != 0 {
		t.Fatalf("conflicted memory offered for upload: %+v", pending)
	}

	// 新的远端版本只刷新已有冲突
	remote.RemoteRev = "r4"
	if out, _ := store.ApplyRemoteMemory(ctx, remote, false); out != ApplyConflicted {
		t.Fatalf("second conflicting apply=%s", out)
	}
	conflicts, _ := store.ListConflicts(ctx)
	if len(conflicts) != 1 || conflicts[0].RemoteRev != "r4" || conflicts[0].EntityID != local.ID {
		t.Fatalf("conflicts=%+v", conflicts)
	}
	var rv LocalMemory
	if err := json.Unmarshal(conflicts[0].RemoteVersion, &rv); err != nil || rv.Content != "remote edit" {
		t.Fatalf("remote version=%s err=%v", conflicts[0].RemoteVersion, err)
	}
}

func TestApplyRemoteMemory_AdoptsLocalDuplicate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	m, _ := store.SaveMemory(ctx, LocalMemory{Content: "shared"})
	out, err := store.ApplyRemoteMemory(ctx, LocalMemory{CloudID: "c9", RemoteRev: "r1", Content: "shared"}, false)
	if err != nil || out != ApplySkipped {
		t.Fatalf("apply=%s,%v", out, err)
	}
	got, _, _ := store.GetMemory(ctx, m.ID)
	if got.CloudID != "c9" {
		t.Fatalf("CloudID=%q, want c9", got.CloudID)
	}
	if n, _ := store.CountMemories(ctx); n != 1 {
		t.Fatalf("CountMemories=%d", n)
	}
}

func TestResolveConflict_RemovesExactlyOne(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		m, _ := store.SaveMemory(ctx, LocalMemory{ID: id, Content: "local " + id})
		if _, err := store.MarkMemorySynced(ctx, m.ID, m.UpdatedAt, "cloud-"+id, "r1"); err != nil {
			t.Fatal(err)
		}
		m, _, _ = store.GetMemory(ctx, id)
		m.Content = "edited " + id
		if _, err := store.SaveMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
		if _, err := store.ApplyRemoteMemory(ctx, LocalMemory{CloudID: "cloud-" + id, RemoteRev: "r2", Content: "remote " + id}, false); err != nil {
			t.Fatal(err)
		}
	}
	conflicts, _ := store.ListConflicts(ctx)
	if len(conflicts) != 2 {
		t.Fatalf("conflicts=%d, want 2", len(conflicts))
	}

	target := conflicts[0]
	var remote LocalMemory
	_ = json.Unmarshal(target.RemoteVersion, &remote)
	if err := store.ResolveConflict(ctx, target.ID, Resolution{Memory: &remote, RemoteRev: target.RemoteRev}); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	left, _ := store.ListConflicts(ctx)
	if len(left) != 1 || left[0].ID == target.ID {
		t.Fatalf("remaining conflicts=%+v", left)
	}
	got, _, _ := store.GetMemory(ctx, target.EntityID)
	if got.Content != remote.Content || got.PendingSync || got.RemoteRev != "r2" {
		t.Fatalf("resolved memory=%+v", got)
	}

	err := store.ResolveConflict(ctx, target.ID, Resolution{Memory: &remote})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second resolve err=%v, want ErrNotFound", err)
	}
}

func TestApplyRemoteSessionAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	cp, err := store.Checkpoint(ctx)
	if err != nil || cp != "" {
		t.Fatalf("initial checkpoint=%q,%v", cp, err)
	}
	if err := store.SetCheckpoint(ctx, "cursor-7"); err != nil {
		t.Fatal(err)
	}
	if cp, _ := store.Checkpoint(ctx); cp != "cursor-7" {
		t.Fatalf("checkpoint=%q", cp)
	}

	out, err := store.ApplyRemoteSession(ctx, LocalSession{CloudID: "s1", RemoteRev: "1", SessionType: "chat",
		Messages: []SessionMessage{{Role: "user", Content: "hi", Timestamp: testStart}}}, false)
	if err != nil || out != ApplyInserted {
		t.Fatalf("apply session=%s,%v", out, err)
	}
	sessions, _ := store.ListSessions(ctx, 0)
	if len(sessions) != 1 || sessions[0].PendingSync || string(sessions[0].Context) != "{}" {
		t.Fatalf("sessions=%+v", sessions)
	}

	if _, err := store.ApplyRemoteSession(ctx, LocalSession{}, false); err == nil {
		t.Fatal("expected error for remote session without cloud id")
	}
}

func TestApplyRemoteSession_OpenConflictIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	store, fc := newTestStore(t)

	if _, err := store.ApplyRemoteSession(ctx, LocalSession{CloudID: "s1", RemoteRev: "1", SessionType: "chat"}, false); err != nil {
		t.Fatal(err)
	}
	sessions, _ := store.ListSessions(ctx, 0)
	local := sessions[0]
	local.SessionType = "local"
	fc.Advance(time.Second)
	edited, err := store.SaveSession(ctx, local)
	if err != nil {
		t.Fatal(err)
	}
	if out, _ := store.ApplyRemoteSession(ctx, LocalSession{CloudID: "s1", RemoteRev: "2", SessionType: "remote"}, false); out != ApplyConflicted {
		t.Fatalf("divergent apply=%s", out)
	}
	// 上传确认清除 pending 后，未决冲突仍然阻止覆盖
	if _, err := store.MarkSessionSynced(ctx, edited.ID, edited.UpdatedAt, "s1", "u1"); err != nil {
		t.Fatal(err)
	}
	out, err := store.ApplyRemoteSession(ctx, LocalSession{CloudID: "s1", RemoteRev: "3", SessionType: "remote v3"}, false)
	if err != nil || out != ApplyConflicted {
		t.Fatalf("apply during open conflict=%s,%v", out, err)
	}
	got, _, _ := store.GetSession(ctx, edited.ID)
	if got.SessionType != "local" {
		t.Fatalf("open conflict overwrote local session: %q", got.SessionType)
	}
	conflicts, _ := store.ListConflicts(ctx)
	if len(conflicts) != 1 || conflicts[0].RemoteRev != "3" {
		t.Fatalf("conflicts=%+v", conflicts)
	}
	var rv LocalSession
	if err := json.Unmarshal(conflicts[0].RemoteVersion, &rv); err != nil || rv.SessionType != "remote v3" {
		t.Fatalf("remote version=%s err=%v", conflicts[0].RemoteVersion, err)
	}
}
