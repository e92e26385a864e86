package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sagedesk/sage/internal/archive"
	"github.com/sagedesk/sage/internal/chunker"
	"github.com/sagedesk/sage/internal/conversation"
	"github.com/sagedesk/sage/internal/docstore"
	"github.com/sagedesk/sage/internal/embedding"
	"github.com/sagedesk/sage/internal/testutil"
)

type recordedExec struct {
	sql  string
	args []any
}

// fakeTx satisfies pgx.Tx for the write paths the store exercises.
// Unimplemented methods panic through the embedded interface.
type fakeTx struct {
	pgx.Tx
	execs     []recordedExec
	committed bool
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, recordedExec{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	return nil
}

type fakeDB struct {
	tx *fakeTx
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func newTestWriter(t *testing.T, db docstore.DB) *archive.Writer {
	t.Helper()

	pipeline, err := embedding.New(&testutil.Embedder{}, embedding.Config{
		Model:         "test-model",
		CacheMaxBytes: -1,
	}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("creating pipeline: %v", err)
	}
	t.Cleanup(pipeline.Close)

	store, err := docstore.New(db, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	w, err := archive.NewWriter(pipeline, store, chunker.Config{}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("creating writer: %v", err)
	}
	return w
}

func TestTranscriptFormat(t *testing.T) {
	conv := conversation.Conversation{Messages: []conversation.Message{
		{Role: conversation.RoleUser, Content: "hi"},
		{Role: conversation.RoleAssistant, Content: "hello"},
	}}

	got := archive.Transcript(conv)
	want := "USER: hi\n\nASSISTANT: hello"
	if got != want {
		t.Errorf("Transcript() = %q, want %q", got, want)
	}
}

func TestArchiveSkipsEmptyConversation(t *testing.T) {
	db := &fakeDB{}
	w := newTestWriter(t, db)

	conv := conversation.Conversation{ID: uuid.New(), CustomerName: "Alice"}
	if err := w.Archive(context.Background(), conv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db.tx != nil {
		t.Error("empty conversation reached the store")
	}
}

func TestArchiveStoresTranscript(t *testing.T) {
	db := &fakeDB{}
	w := newTestWriter(t, db)

	endedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conv := conversation.Conversation{
		ID:           uuid.New(),
		CustomerName: "Alice",
		ProductID:    "widget",
		Metadata:     map[string]any{"channel": "email"},
		Messages: []conversation.Message{
			{Role: conversation.RoleUser, Content: "how do I reset?"},
			{Role: conversation.RoleAssistant, Content: "hold the button."},
		},
		EndedAt: endedAt,
	}

	if err := w.Archive(context.Background(), conv); err != nil {
		t.Fatalf("archiving: %v", err)
	}
	if db.tx == nil || !db.tx.committed {
		t.Fatal("transcript was not committed")
	}
	if len(db.tx.execs) < 2 {
		t.Fatalf("got %d execs, want document + chunk inserts", len(db.tx.execs))
	}

	// Document insert: (id, title, content, metadata, version, ...).
	docInsert := db.tx.execs[0]
	if title, _ := docInsert.args[1].(string); title != "Conversation with Alice ("+conv.ID.String()+")" {
		t.Errorf("title = %q", title)
	}
	if content, _ := docInsert.args[2].(string); content != archive.Transcript(conv) {
		t.Errorf("content = %q", content)
	}
	meta, ok := docInsert.args[3].(docstore.Metadata)
	if !ok {
		t.Fatalf("metadata arg has type %T", docInsert.args[3])
	}
	if meta["type"] != archive.DocumentType {
		t.Errorf("type tag = %v", meta["type"])
	}
	if meta["conversation_id"] != conv.ID.String() {
		t.Errorf("conversation_id = %v", meta["conversation_id"])
	}
	if meta["customer_name"] != "Alice" || meta["product_id"] != "widget" {
		t.Errorf("identity metadata = %#v", meta)
	}
	if meta["ended_at"] != "2025-06-01T12:00:00Z" {
		t.Errorf("ended_at = %v", meta["ended_at"])
	}
	if meta["channel"] != "email" {
		t.Errorf("conversation metadata not carried through: %#v", meta)
	}
}

func TestArchiveAnonymousConversation(t *testing.T) {
	db := &fakeDB{}
	w := newTestWriter(t, db)

	conv := conversation.Conversation{
		ID: uuid.New(),
		Messages: []conversation.Message{
			{Role: conversation.RoleUser, Content: "hello"},
		},
	}

	if err := w.Archive(context.Background(), conv); err != nil {
		t.Fatalf("archiving: %v", err)
	}

	docInsert := db.tx.execs[0]
	if title, _ := docInsert.args[1].(string); title != "Conversation "+conv.ID.String() {
		t.Errorf("anonymous title = %q", title)
	}
	meta, ok := docInsert.args[3].(docstore.Metadata)
	if !ok {
		t.Fatalf("metadata arg has type %T", docInsert.args[3])
	}
	if _, present := meta["customer_name"]; present {
		t.Errorf("customer_name recorded for anonymous conversation: %#v", meta)
	}
	if _, present := meta["ended_at"]; present {
		t.Errorf("ended_at recorded without an end time: %#v", meta)
	}
}
