package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/kadirpekel/priam/pkg/session"
)

func testKey(id string) session.Key {
	return session.Key{TenantID: "acme", SessionID: id}
}

func testCheckpoint(id string, state session.State) *Checkpoint {
	return &Checkpoint{
		TenantID:  "acme",
		SessionID: id,
		State:     state,
	}
}

func TestCheckpoint_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cp      *Checkpoint
		wantErr bool
	}{
		{
			name: "valid",
			cp:   testCheckpoint("s1", session.StateIdle),
		},
		{
			name:    "missing tenant",
			cp:      &Checkpoint{SessionID: "s1", State: session.StateIdle},
			wantErr: true,
		},
		{
			name:    "missing session",
			cp:      &Checkpoint{TenantID: "acme", State: session.StateIdle},
			wantErr: true,
		},
		{
			name:    "missing state",
			cp:      &Checkpoint{TenantID: "acme", SessionID: "s1"},
			wantErr: true,
		},
		{
			name: "history_len behind history",
			cp: &Checkpoint{
				TenantID:  "acme",
				SessionID: "s1",
				State:     session.StateIdle,
				History:   []session.Message{session.UserText(0, "hi", nil)},
			},
			wantErr: true,
		},
		{
			name:    "nil",
			cp:      nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cp.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemoryStore_VersionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cp := testCheckpoint("s1", session.StateIdle)
	for want := uint64(1); want <= 3; want++ {
		got, err := store.Save(ctx, cp)
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if got != want {
			t.Fatalf("Save() version = %d, want %d", got, want)
		}
	}

	// The caller's checkpoint is never mutated.
	if cp.Version != 0 {
		t.Errorf("caller checkpoint version = %d, want 0", cp.Version)
	}
}

func TestMemoryStore_LoadLatestOnEmptyStore(t *testing.T) {
	store := NewMemoryStore()

	cp, err := store.LoadLatest(context.Background(), testKey("nope"))
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if cp != nil {
		t.Fatalf("LoadLatest() = %+v, want nil", cp)
	}
}

func TestMemoryStore_LoadAt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	states := []session.State{session.StateValidating, session.StatePlanning, session.StateExecuting}
	for _, st := range states {
		if _, err := store.Save(ctx, testCheckpoint("s1", st)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	cp, err := store.LoadAt(ctx, testKey("s1"), 2)
	if err != nil {
		t.Fatalf("LoadAt() error = %v", err)
	}
	if cp == nil || cp.State != session.StatePlanning {
		t.Fatalf("LoadAt(2) state = %+v, want planning", cp)
	}

	// Past the newest version, LoadAt floors to the latest.
	cp, err = store.LoadAt(ctx, testKey("s1"), 9)
	if err != nil || cp == nil || cp.Version != 3 {
		t.Fatalf("LoadAt(9) = %+v, err %v, want version 3", cp, err)
	}

	if cp, _ := store.LoadAt(ctx, testKey("s2"), 9); cp != nil {
		t.Fatalf("LoadAt() on unknown session = %+v, want nil", cp)
	}

	// After pruning the front, remaining versions stay addressable.
	if err := store.Prune(ctx, testKey("s1"), 2); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if cp, _ := store.LoadAt(ctx, testKey("s1"), 1); cp != nil {
		t.Fatalf("LoadAt(1) after prune = %+v, want nil", cp)
	}
	cp, err = store.LoadAt(ctx, testKey("s1"), 3)
	if err != nil || cp == nil || cp.Version != 3 {
		t.Fatalf("LoadAt(3) after prune = %+v, err %v", cp, err)
	}
}

func TestMemoryStore_SavedSnapshotIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cp := testCheckpoint("s1", session.StatePlanning)
	cp.History = []session.Message{session.UserText(0, "original", nil)}
	cp.HistoryLen = 1

	if _, err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	cp.State = session.StateTerminal
	cp.History[0].Text = "mutated"

	loaded, err := store.LoadLatest(ctx, testKey("s1"))
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if loaded.State != session.StatePlanning {
		t.Errorf("stored state = %s, want planning", loaded.State)
	}
	if loaded.History[0].Text != "original" {
		t.Errorf("stored history text = %q, want original", loaded.History[0].Text)
	}
}

func TestMemoryStore_ListVersions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 5; i++ {
		if _, err := store.Save(ctx, testCheckpoint("s1", session.StateIdle)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	all, err := store.ListVersions(ctx, testKey("s1"), 0)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	want := []uint64{5, 4, 3, 2, 1}
	if len(all) != len(want) {
		t.Fatalf("ListVersions() = %v, want %v", all, want)
	}
	for i, v := range want {
		if all[i] != v {
			t.Fatalf("ListVersions() = %v, want %v", all, want)
		}
	}

	limited, err := store.ListVersions(ctx, testKey("s1"), 2)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(limited) != 2 || limited[0] != 5 || limited[1] != 4 {
		t.Fatalf("ListVersions(limit=2) = %v, want [5 4]", limited)
	}
}

func TestMemoryStore_PruneKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 4; i++ {
		if _, err := store.Save(ctx, testCheckpoint("s1", session.StateIdle)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	// keepLast <= 0 never deletes.
	if err := store.Prune(ctx, testKey("s1"), 0); err != nil {
		t.Fatalf("Prune(0) error = %v", err)
	}
	if versions, _ := store.ListVersions(ctx, testKey("s1"), 0); len(versions) != 4 {
		t.Fatalf("after Prune(0): %d versions, want 4", len(versions))
	}

	if err := store.Prune(ctx, testKey("s1"), 2); err != nil {
		t.Fatalf("Prune(2) error = %v", err)
	}
	versions, _ := store.ListVersions(ctx, testKey("s1"), 0)
	if len(versions) != 2 || versions[0] != 4 || versions[1] != 3 {
		t.Fatalf("after Prune(2): versions = %v, want [4 3]", versions)
	}
}

func TestMemoryStore_ListByState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// s1 ends executing, s2 ends awaiting_human, s3 ends idle.
	if _, err := store.Save(ctx, testCheckpoint("s1", session.StateIdle)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(ctx, testCheckpoint("s1", session.StateExecuting)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(ctx, testCheckpoint("s2", session.StateAwaitingHuman)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(ctx, testCheckpoint("s3", session.StateIdle)); err != nil {
		t.Fatal(err)
	}

	keys, err := store.ListByState(ctx, session.StateExecuting, session.StateAwaitingHuman)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	if len(keys) != 2 || keys[0].SessionID != "s1" || keys[1].SessionID != "s2" {
		t.Fatalf("ListByState() = %v, want [s1 s2]", keys)
	}

	// Only the latest version counts: s1's idle past must not match.
	keys, err = store.ListByState(ctx, session.StateIdle)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	if len(keys) != 1 || keys[0].SessionID != "s3" {
		t.Fatalf("ListByState(idle) = %v, want [s3]", keys)
	}
}

func TestMemoryStore_Drop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Save(ctx, testCheckpoint("s1", session.StateIdle)); err != nil {
		t.Fatal(err)
	}
	if err := store.Drop(ctx, testKey("s1")); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if cp, _ := store.LoadLatest(ctx, testKey("s1")); cp != nil {
		t.Fatalf("LoadLatest() after Drop = %+v, want nil", cp)
	}

	// Versions restart from 1 for a recreated session.
	version, err := store.Save(ctx, testCheckpoint("s1", session.StateIdle))
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Fatalf("Save() after Drop version = %d, want 1", version)
	}
}

func TestManager_SaveAppliesRetention(t *testing.T) {
	ctx := context.Background()

	var saved []uint64
	mgr := NewManager(NewMemoryStore(),
		WithRetention(2),
		WithOnSaved(func(cp *Checkpoint, version uint64) {
			saved = append(saved, version)
		}),
	)

	for i := 0; i < 4; i++ {
		if _, err := mgr.Save(ctx, testCheckpoint("s1", session.StateIdle)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	versions, err := mgr.ListVersions(ctx, testKey("s1"), 0)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 2 || versions[0] != 4 || versions[1] != 3 {
		t.Fatalf("versions after retention = %v, want [4 3]", versions)
	}

	if len(saved) != 4 || saved[3] != 4 {
		t.Fatalf("onSaved versions = %v, want [1 2 3 4]", saved)
	}
}

func TestManager_ResumableAndSuspended(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())

	if _, err := mgr.Save(ctx, testCheckpoint("running", session.StateExecuting)); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(ctx, testCheckpoint("waiting", session.StateAwaitingHuman)); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(ctx, testCheckpoint("done", session.StateTerminal)); err != nil {
		t.Fatal(err)
	}

	resumable, err := mgr.Resumable(ctx)
	if err != nil {
		t.Fatalf("Resumable() error = %v", err)
	}
	if len(resumable) != 1 || resumable[0].SessionID != "running" {
		t.Fatalf("Resumable() = %v, want [running]", resumable)
	}

	suspended, err := mgr.Suspended(ctx)
	if err != nil {
		t.Fatalf("Suspended() error = %v", err)
	}
	if len(suspended) != 1 || suspended[0].SessionID != "waiting" {
		t.Fatalf("Suspended() = %v, want [waiting]", suspended)
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	sess, err := session.New(testKey("s1"), session.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	sess.Append(session.UserText(0, "plan a trip", nil))
	sess.Append(session.AgentMarkdown(0, "task_planner", "Working on it."))
	sess.SetPlan([]session.PlanStep{
		{Title: "search flights", AgentName: "executor", Status: session.StepDone},
		{Title: "book hotel", AgentName: "executor", Status: session.StepRunning},
		{Title: "summarize", AgentName: "result_synthesizer"},
	})
	sess.SetState(session.StateExecuting, 1)
	sess.SetPendingForm(session.PendingForm{FormID: "form-1", FormJSON: []byte(`{"id":"form-1","title":"Approve booking"}`)})

	cp := Snapshot(sess)

	store := NewMemoryStore().WithClock(clock)
	version, err := store.Save(ctx, cp)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Time moves on before recovery.
	now = now.Add(45 * time.Minute)

	loaded, err := store.LoadLatest(ctx, testKey("s1"))
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}

	restored, err := Restore(loaded, session.WithClock(clock))
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if restored.State() != session.StateExecuting || restored.StepIndex() != 1 {
		t.Errorf("restored state = %s/%d, want executing/1", restored.State(), restored.StepIndex())
	}
	if restored.Version() != version {
		t.Errorf("restored version = %d, want %d", restored.Version(), version)
	}
	if restored.HistoryLen() != 2 {
		t.Fatalf("restored history length = %d, want 2", restored.HistoryLen())
	}

	origHistory := sess.History()
	restoredHistory := restored.History()
	for i := range origHistory {
		if restoredHistory[i].ID != origHistory[i].ID {
			t.Errorf("message %d id = %q, want %q", i, restoredHistory[i].ID, origHistory[i].ID)
		}
		if restoredHistory[i].Kind != origHistory[i].Kind {
			t.Errorf("message %d kind = %q, want %q", i, restoredHistory[i].Kind, origHistory[i].Kind)
		}
	}

	plan := restored.Plan()
	if len(plan) != 3 {
		t.Fatalf("restored plan has %d steps, want 3", len(plan))
	}
	if plan[0].Status != session.StepDone || plan[1].Status != session.StepRunning || plan[2].Status != session.StepPending {
		t.Errorf("restored step statuses = %s/%s/%s", plan[0].Status, plan[1].Status, plan[2].Status)
	}

	pf := restored.PendingForm()
	if pf == nil || pf.FormID != "form-1" {
		t.Fatalf("restored pending form = %+v, want form-1", pf)
	}
	if !pf.RaisedAt.Equal(now.Add(-45 * time.Minute)) {
		t.Errorf("restored form raise time = %v, want the original one", pf.RaisedAt)
	}
}

func TestRestore_RejectsIncompleteHistory(t *testing.T) {
	cp := testCheckpoint("s1", session.StateExecuting)
	cp.History = []session.Message{session.UserText(0, "hi", nil)}
	cp.HistoryLen = 3

	if _, err := Restore(cp); err == nil {
		t.Fatal("Restore() with missing messages should fail")
	}
}

func TestManager_RestoreLatestWithoutCheckpoint(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	sess, cp, err := mgr.RestoreLatest(context.Background(), testKey("fresh"))
	if err != nil {
		t.Fatalf("RestoreLatest() error = %v", err)
	}
	if sess != nil || cp != nil {
		t.Fatalf("RestoreLatest() = (%v, %v), want (nil, nil)", sess, cp)
	}
}

func TestCheckpoint_WithErrorRecordsTerminalFailure(t *testing.T) {
	cp := testCheckpoint("s1", session.StateExecuting).WithError("internal")

	if cp.State != session.StateTerminal {
		t.Errorf("state = %s, want terminal", cp.State)
	}
	if cp.ErrorKind != "internal" {
		t.Errorf("error kind = %s, want internal", cp.ErrorKind)
	}
}
