package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kadirpekel/priam/pkg/session"
)

// newMockStore skips schema init; these tests exercise query shape, not
// migrations.
func newMockStore(t *testing.T, dialect string) (*SQLStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	store := &SQLStore{db: db, dialect: dialect}
	return store, mock, func() { _ = db.Close() }
}

func historyOf(texts ...string) []session.Message {
	msgs := make([]session.Message, len(texts))
	for i, text := range texts {
		msg := session.UserText(0, text, nil)
		msg.ID = fmt.Sprintf("m%d", i+1)
		msgs[i] = msg
	}
	return msgs
}

func TestNewSQLStore_InitializesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_messages").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := NewSQLStore(db, "sqlite"); err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestNewSQLStore_RejectsUnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	if _, err := NewSQLStore(db, "oracle"); err == nil {
		t.Fatal("NewSQLStore(oracle) should fail")
	}
}

func TestSQLStore_FirstSaveWritesEverything(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	cp := testCheckpoint("s1", session.StatePlanning)
	cp.History = historyOf("hello", "working on it")
	cp.HistoryLen = 2

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version, history_len FROM checkpoints").
		WithArgs("acme", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "history_len"}))
	mock.ExpectExec("DELETE FROM session_messages").
		WithArgs("acme", "s1", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO session_messages").
		WithArgs("acme", "s1", "m1", 0, 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO session_messages").
		WithArgs("acme", "s1", "m2", 0, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs("acme", "s1", 1, "planning", 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	version, err := store.Save(context.Background(), cp)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if version != 1 {
		t.Errorf("Save() version = %d, want 1", version)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_SecondSaveAppendsOnlyTheTail(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	cp := testCheckpoint("s1", session.StateExecuting)
	cp.History = historyOf("hello", "working on it", "step one done")
	cp.HistoryLen = 3

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version, history_len FROM checkpoints").
		WithArgs("acme", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "history_len"}).AddRow(1, 2))
	mock.ExpectExec("DELETE FROM session_messages").
		WithArgs("acme", "s1", 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Only the message past the committed mark is inserted.
	mock.ExpectExec("INSERT INTO session_messages").
		WithArgs("acme", "s1", "m3", 0, 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs("acme", "s1", 2, "executing", 3, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	version, err := store.Save(context.Background(), cp)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if version != 2 {
		t.Errorf("Save() version = %d, want 2", version)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_SaveRejectsShrunkenHistory(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	cp := testCheckpoint("s1", session.StateExecuting)
	cp.History = historyOf("hello")
	cp.HistoryLen = 1

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version, history_len FROM checkpoints").
		WithArgs("acme", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "history_len"}).AddRow(4, 5))
	mock.ExpectRollback()

	_, err := store.Save(context.Background(), cp)
	if err == nil || !strings.Contains(err.Error(), "history shrank") {
		t.Fatalf("Save() error = %v, want history shrank", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_LoadLatestReassemblesHistory(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	meta := testCheckpoint("s1", session.StateAwaitingHuman)
	meta.Version = 3
	meta.HistoryLen = 2
	payload, err := meta.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	history := historyOf("hello", "working on it")
	rows := sqlmock.NewRows([]string{"message_json"})
	for _, msg := range history {
		msgJSON, err := json.Marshal(msg)
		if err != nil {
			t.Fatal(err)
		}
		rows.AddRow(string(msgJSON))
	}

	mock.ExpectQuery("SELECT payload FROM checkpoints").
		WithArgs("acme", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(payload)))
	mock.ExpectQuery("SELECT message_json FROM session_messages").
		WithArgs("acme", "s1", 2).
		WillReturnRows(rows)

	cp, err := store.LoadLatest(context.Background(), testKey("s1"))
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if cp == nil {
		t.Fatal("LoadLatest() = nil, want checkpoint")
	}
	if cp.Version != 3 || cp.State != session.StateAwaitingHuman {
		t.Errorf("loaded version/state = %d/%s, want 3/awaiting_human", cp.Version, cp.State)
	}
	if len(cp.History) != 2 || cp.History[0].ID != "m1" || cp.History[1].ID != "m2" {
		t.Errorf("loaded history = %+v, want m1,m2", cp.History)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_LoadLatestWithoutCheckpoint(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectQuery("SELECT payload FROM checkpoints").
		WithArgs("acme", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	cp, err := store.LoadLatest(context.Background(), testKey("missing"))
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if cp != nil {
		t.Fatalf("LoadLatest() = %+v, want nil", cp)
	}
}

func TestSQLStore_LoadDetectsMissingMessages(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	meta := testCheckpoint("s1", session.StateIdle)
	meta.Version = 1
	meta.HistoryLen = 2
	payload, err := meta.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	msgJSON, err := json.Marshal(historyOf("hello")[0])
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery("SELECT payload FROM checkpoints").
		WithArgs("acme", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(payload)))
	mock.ExpectQuery("SELECT message_json FROM session_messages").
		WithArgs("acme", "s1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"message_json"}).AddRow(string(msgJSON)))

	if _, err := store.LoadLatest(context.Background(), testKey("s1")); err == nil {
		t.Fatal("LoadLatest() with a short side table should fail")
	}
}

func TestSQLStore_LoadAtUsesPostgresPlaceholders(t *testing.T) {
	store, mock, done := newMockStore(t, "postgres")
	defer done()

	meta := testCheckpoint("s1", session.StateIdle)
	meta.Version = 2
	payload, err := meta.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery(`WHERE tenant_id = \$1 AND session_id = \$2 AND version <= \$3\s+ORDER BY version DESC LIMIT 1`).
		WithArgs("acme", "s1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(payload)))

	cp, err := store.LoadAt(context.Background(), testKey("s1"), 2)
	if err != nil {
		t.Fatalf("LoadAt() error = %v", err)
	}
	if cp == nil || cp.Version != 2 {
		t.Fatalf("LoadAt() = %+v, want version 2", cp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_ListVersions(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectQuery("SELECT version FROM checkpoints").
		WithArgs("acme", "s1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(9).AddRow(8).AddRow(7))

	versions, err := store.ListVersions(context.Background(), testKey("s1"), 3)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 3 || versions[0] != 9 || versions[2] != 7 {
		t.Fatalf("ListVersions() = %v, want [9 8 7]", versions)
	}
}

func TestSQLStore_PruneWithinRetentionIsNoop(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectQuery("SELECT version FROM checkpoints").
		WithArgs("acme", "s1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))

	// No DELETE expected: only 2 versions exist, retention is 3.
	if err := store.Prune(context.Background(), testKey("s1"), 3); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_PruneDeletesBelowThreshold(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectQuery("SELECT version FROM checkpoints").
		WithArgs("acme", "s1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(5))
	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs("acme", "s1", 3).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := store.Prune(context.Background(), testKey("s1"), 2); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_ListByState(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectQuery(`SELECT c.tenant_id, c.session_id FROM checkpoints c`).
		WithArgs("executing", "recovering").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "session_id"}).
			AddRow("acme", "s1").
			AddRow("globex", "s9"))

	keys, err := store.ListByState(context.Background(), session.StateExecuting, session.StateRecovering)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	if len(keys) != 2 || keys[0].TenantID != "acme" || keys[1].SessionID != "s9" {
		t.Fatalf("ListByState() = %v", keys)
	}
}

func TestSQLStore_Drop(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs("acme", "s1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM session_messages").
		WithArgs("acme", "s1").
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectCommit()

	if err := store.Drop(context.Background(), testKey("s1")); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
