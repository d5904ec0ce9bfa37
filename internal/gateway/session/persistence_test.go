package session

import (
	"testing"
	"time"
)

func withIsolatedHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	withIsolatedHome(t)

	sess := &Session{Key: "conn-1", Model: "gpt-5", MessageCount: 3, TurnCount: 1, CreatedAt: time.Now(), LastActivityAt: time.Now()}
	if err := sess.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load("conn-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Key != "conn-1" || loaded.Model != "gpt-5" || loaded.MessageCount != 3 {
		t.Fatalf("unexpected round trip: %+v", loaded)
	}
}

func TestLoadAllReturnsEverySavedSnapshot(t *testing.T) {
	withIsolatedHome(t)

	(&Session{Key: "conn-1", CreatedAt: time.Now(), LastActivityAt: time.Now()}).Save()
	(&Session{Key: "conn-2", CreatedAt: time.Now(), LastActivityAt: time.Now()}).Save()

	all, err := LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(all))
	}
}

func TestLoadAllOnEmptyDirReturnsNoError(t *testing.T) {
	withIsolatedHome(t)

	all, err := LoadAll()
	if err != nil {
		t.Fatalf("unexpected error on missing sessions dir: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no snapshots, got %d", len(all))
	}
}

func TestDeleteRemovesSnapshotFile(t *testing.T) {
	withIsolatedHome(t)

	(&Session{Key: "conn-1", CreatedAt: time.Now(), LastActivityAt: time.Now()}).Save()
	if err := Delete("conn-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := Load("conn-1"); err == nil {
		t.Fatalf("expected load to fail after delete")
	}
}

func TestDeleteMissingSnapshotIsNotAnError(t *testing.T) {
	withIsolatedHome(t)

	if err := Delete("never-existed"); err != nil {
		t.Fatalf("expected deleting a missing snapshot to be a no-op, got %v", err)
	}
}

func TestSanitizeFilenameStripsPathSeparators(t *testing.T) {
	cases := map[string]string{
		"plain":        "plain",
		"a/b\\c:d*e?f": "a_b_c_d_e_f",
		`"x<y>z|`:      "_x_y_z_",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetCurrentAndCurrentRoundTrip(t *testing.T) {
	withIsolatedHome(t)

	if err := SetCurrent("conn-1"); err != nil {
		t.Fatalf("set current: %v", err)
	}
	got, err := Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got != "conn-1" {
		t.Fatalf("expected conn-1, got %s", got)
	}
}

func TestSetCurrentEmptyClearsIt(t *testing.T) {
	withIsolatedHome(t)

	if err := SetCurrent("conn-1"); err != nil {
		t.Fatalf("set current: %v", err)
	}
	if err := SetCurrent(""); err != nil {
		t.Fatalf("clear current: %v", err)
	}
	got, err := Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty current session, got %s", got)
	}
}

func TestCurrentWithNoStateReturnsEmpty(t *testing.T) {
	withIsolatedHome(t)

	got, err := Current()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty string, got %s", got)
	}
}

func TestSaveSnapshotPreservesCreatedAtAcrossUpdates(t *testing.T) {
	withIsolatedHome(t)

	if err := SaveSnapshot("conn-1", "gpt-5", 1, 1); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	first, err := Load("conn-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := SaveSnapshot("conn-1", "gpt-5", 5, 2); err != nil {
		t.Fatalf("save snapshot again: %v", err)
	}
	second, err := Load("conn-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected CreatedAt to be preserved across updates, got %v vs %v", first.CreatedAt, second.CreatedAt)
	}
	if second.MessageCount != 5 || second.TurnCount != 2 {
		t.Fatalf("expected counters updated, got %+v", second)
	}

	current, err := Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != "conn-1" {
		t.Fatalf("expected SaveSnapshot to mark the session current, got %s", current)
	}
}

func TestPruneStaleSessionsRemovesOldSnapshots(t *testing.T) {
	withIsolatedHome(t)

	fresh := &Session{Key: "fresh", CreatedAt: time.Now(), LastActivityAt: time.Now()}
	stale := &Session{Key: "stale", CreatedAt: time.Now().Add(-60 * 24 * time.Hour), LastActivityAt: time.Now().Add(-60 * 24 * time.Hour)}
	fresh.Save()
	stale.Save()

	result, err := PruneStaleSessions(30, 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if result.Pruned != 1 {
		t.Fatalf("expected 1 pruned snapshot, got %+v", result)
	}

	all, _ := LoadAll()
	if len(all) != 1 || all[0].Key != "fresh" {
		t.Fatalf("expected only the fresh snapshot to survive, got %+v", all)
	}
}

func TestPruneStaleSessionsCapsByCount(t *testing.T) {
	withIsolatedHome(t)

	now := time.Now()
	for i, key := range []string{"oldest", "middle", "newest"} {
		sess := &Session{
			Key:            key,
			CreatedAt:      now,
			LastActivityAt: now.Add(time.Duration(i) * time.Minute),
		}
		sess.Save()
	}

	result, err := PruneStaleSessions(0, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if result.Capped != 1 {
		t.Fatalf("expected 1 capped snapshot, got %+v", result)
	}

	all, _ := LoadAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 snapshots remaining, got %d", len(all))
	}
	for _, s := range all {
		if s.Key == "oldest" {
			t.Fatalf("expected the least recently active snapshot to be capped")
		}
	}
}

func TestManagerAutoSaveWritesTrackedSnapshotsToDisk(t *testing.T) {
	withIsolatedHome(t)

	m := NewManager()
	m.GetOrCreate("conn-1", "gpt-5")
	m.AutoSave()

	loaded, err := Load("conn-1")
	if err != nil {
		t.Fatalf("expected AutoSave to persist the snapshot: %v", err)
	}
	if loaded.Key != "conn-1" {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}
}

func TestGetLastSessionKeyReturnsMostRecentlyActive(t *testing.T) {
	withIsolatedHome(t)

	now := time.Now()
	(&Session{Key: "older", CreatedAt: now, LastActivityAt: now.Add(-time.Hour)}).Save()
	(&Session{Key: "newer", CreatedAt: now, LastActivityAt: now}).Save()

	if got := GetLastSessionKey(); got != "newer" {
		t.Fatalf("expected newer, got %s", got)
	}
}
