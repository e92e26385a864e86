package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/sagedesk/sage/internal/docstore"
	"github.com/sagedesk/sage/internal/search"
	"github.com/sagedesk/sage/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSearcher struct {
	mu       sync.Mutex
	results  []search.Result
	err      error
	calls    int
	gotQuery string
	gotOpts  search.Options
}

func (f *fakeSearcher) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotQuery = query
	f.gotOpts = opts
	return f.results, f.err
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []Conversation
	err      error
}

func (r *recordingArchiver) Archive(ctx context.Context, conv Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archived = append(r.archived, conv)
	return r.err
}

func newTestManager(t *testing.T, searcher Searcher, archiver Archiver, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(searcher, archiver, cfg, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("creating manager: %v", err)
	}
	return m
}

func TestCreate(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{})

	conv, err := m.Create("Alice", "widget", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.ID == uuid.Nil || conv.CustomerName != "Alice" || conv.ProductID != "widget" {
		t.Errorf("unexpected conversation: %+v", conv)
	}
}

func TestCreateAnonymous(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{})

	// Customer and product are optional correlation keys.
	conv, err := m.Create("", "", nil)
	if err != nil {
		t.Fatalf("anonymous create failed: %v", err)
	}
	if conv.ID == uuid.Nil {
		t.Fatal("conversation not assigned an ID")
	}
	if err := m.AddMessage(conv.ID, RoleUser, "hello", nil); err != nil {
		t.Errorf("anonymous conversation rejected a message: %v", err)
	}

	blank, err := m.Create("   ", "", nil)
	if err != nil {
		t.Fatalf("whitespace-only customer failed: %v", err)
	}
	if blank.CustomerName != "" {
		t.Errorf("customer name = %q, want normalized empty", blank.CustomerName)
	}
}

func TestCreateCarriesMetadata(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{})

	conv, err := m.Create("Alice", "", map[string]any{"channel": "email", "priority": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Metadata["channel"] != "email" || conv.Metadata["priority"] != 2 {
		t.Errorf("metadata not carried: %#v", conv.Metadata)
	}

	// Snapshots hold a copy, not the live map.
	conv.Metadata["channel"] = "mutated"
	again, _ := m.Get(conv.ID)
	if again.Metadata["channel"] != "email" {
		t.Error("snapshot exposed the live metadata map")
	}
}

func TestUnknownConversation(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{})
	unknown := uuid.New()

	if err := m.AddMessage(unknown, RoleUser, "hi", nil); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("AddMessage: %v", err)
	}
	if _, err := m.History(unknown, 0); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("History: %v", err)
	}
	if _, err := m.ChatContext(unknown); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("ChatContext: %v", err)
	}
	if err := m.End(context.Background(), unknown); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("End: %v", err)
	}
}

func TestAddMessageValidatesRole(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{})
	conv, _ := m.Create("Alice", "", nil)

	if err := m.AddMessage(conv.ID, Role("system"), "nope", nil); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if err := m.AddMessage(conv.ID, RoleUser, "hi", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddMessageCarriesMetadata(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{})
	conv, _ := m.Create("Alice", "", nil)

	if err := m.AddMessage(conv.ID, RoleUser, "hi", map[string]any{"client": "web"}); err != nil {
		t.Fatal(err)
	}

	history, err := m.History(conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if history[0].Metadata["client"] != "web" {
		t.Errorf("message metadata not stored: %#v", history[0].Metadata)
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{})
	conv, _ := m.Create("Alice", "", nil)

	if err := m.AddMessage(conv.ID, RoleUser, "one", nil); err != nil {
		t.Fatal(err)
	}

	history, err := m.History(conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	history[0].Content = "mutated"

	again, _ := m.History(conv.ID, 0)
	if again[0].Content != "one" {
		t.Error("History exposed internal state")
	}
}

func TestEndedConversationRejectsOperations(t *testing.T) {
	searcher := &fakeSearcher{}
	archiver := &recordingArchiver{}
	m := newTestManager(t, searcher, archiver, Config{})
	ctx := context.Background()

	conv, _ := m.Create("Alice", "widget", nil)
	if err := m.AddMessage(conv.ID, RoleUser, "hello", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMessage(conv.ID, RoleAssistant, "hi there", nil); err != nil {
		t.Fatal(err)
	}

	if err := m.End(ctx, conv.ID); err != nil {
		t.Fatalf("ending: %v", err)
	}

	// Every operation on the ended conversation reports ended, never
	// unknown.
	if err := m.AddMessage(conv.ID, RoleUser, "late", nil); !errors.Is(err, ErrConversationEnded) {
		t.Errorf("AddMessage after end: %v", err)
	}
	if _, err := m.RetrieveRelevantContext(ctx, conv.ID, "q"); !errors.Is(err, ErrConversationEnded) {
		t.Errorf("RetrieveRelevantContext after end: %v", err)
	}
	if _, err := m.ChatContext(conv.ID); !errors.Is(err, ErrConversationEnded) {
		t.Errorf("ChatContext after end: %v", err)
	}
	if err := m.End(ctx, conv.ID); !errors.Is(err, ErrConversationEnded) {
		t.Errorf("double End: %v", err)
	}

	if len(archiver.archived) != 1 {
		t.Fatalf("archived %d times, want 1", len(archiver.archived))
	}
	final := archiver.archived[0]
	if len(final.Messages) != 2 || final.EndedAt.IsZero() {
		t.Errorf("archived snapshot incomplete: %+v", final)
	}
}

func TestEndArchiveFailureStillEnds(t *testing.T) {
	archiver := &recordingArchiver{err: errors.New("storage write failed")}
	m := newTestManager(t, &fakeSearcher{}, archiver, Config{})
	ctx := context.Background()

	conv, _ := m.Create("Alice", "", nil)
	if err := m.AddMessage(conv.ID, RoleUser, "hello", nil); err != nil {
		t.Fatal(err)
	}

	if err := m.End(ctx, conv.ID); err == nil {
		t.Fatal("expected archive error to surface")
	}
	if err := m.AddMessage(conv.ID, RoleUser, "more", nil); !errors.Is(err, ErrConversationEnded) {
		t.Errorf("conversation not ended after archive failure: %v", err)
	}
}

func TestRetrieveRelevantContextFiltersByProduct(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		{Chunk: docstore.Chunk{Content: "reset instructions"}, Similarity: 0.9},
	}}
	m := newTestManager(t, searcher, nil, Config{Limit: 3, ContextWindow: 2})

	conv, _ := m.Create("Alice", "widget", nil)
	results, err := m.RetrieveRelevantContext(context.Background(), conv.ID, "how do I reset?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}

	if searcher.gotQuery != "how do I reset?" {
		t.Errorf("query = %q", searcher.gotQuery)
	}
	if searcher.gotOpts.Filter["product_id"] != "widget" {
		t.Errorf("product filter not applied: %#v", searcher.gotOpts.Filter)
	}
	if searcher.gotOpts.Limit != 3 || searcher.gotOpts.ContextWindow != 2 {
		t.Errorf("search options not passed through: %+v", searcher.gotOpts)
	}
}

func TestRetrieveRelevantContextPassesThreshold(t *testing.T) {
	searcher := &fakeSearcher{}
	m := newTestManager(t, searcher, nil, Config{Threshold: 0.9})

	conv, _ := m.Create("Alice", "", nil)
	if _, err := m.RetrieveRelevantContext(context.Background(), conv.ID, "q"); err != nil {
		t.Fatal(err)
	}
	if searcher.gotOpts.Threshold != 0.9 {
		t.Errorf("threshold = %g, want the configured 0.9", searcher.gotOpts.Threshold)
	}
}

func TestRetrieveRelevantContextNoProductFilter(t *testing.T) {
	searcher := &fakeSearcher{}
	m := newTestManager(t, searcher, nil, Config{})

	conv, _ := m.Create("Alice", "", nil)
	if _, err := m.RetrieveRelevantContext(context.Background(), conv.ID, "q"); err != nil {
		t.Fatal(err)
	}
	if searcher.gotOpts.Filter != nil {
		t.Errorf("filter should be empty without a product: %#v", searcher.gotOpts.Filter)
	}
}

func TestRetrieveRelevantContextReplacesPreviousTurn(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		{Chunk: docstore.Chunk{Content: "first turn doc"}},
	}}
	m := newTestManager(t, searcher, nil, Config{})
	ctx := context.Background()

	conv, _ := m.Create("Alice", "", nil)
	if _, err := m.RetrieveRelevantContext(ctx, conv.ID, "first"); err != nil {
		t.Fatal(err)
	}

	searcher.mu.Lock()
	searcher.results = []search.Result{{Chunk: docstore.Chunk{Content: "second turn doc"}}}
	searcher.mu.Unlock()
	if _, err := m.RetrieveRelevantContext(ctx, conv.ID, "second"); err != nil {
		t.Fatal(err)
	}

	snap, err := m.Get(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.RelevantDocs) != 1 || snap.RelevantDocs[0].Chunk.Content != "second turn doc" {
		t.Errorf("previous turn's context survived: %+v", snap.RelevantDocs)
	}
}

func TestChatContextTruncatesHistory(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{MaxLength: 3})
	conv, _ := m.Create("Alice", "", nil)

	for i := range 5 {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := m.AddMessage(conv.ID, role, fmt.Sprintf("msg %d", i), nil); err != nil {
			t.Fatal(err)
		}
	}

	messages, err := m.ChatContext(conv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// System prompt plus the trailing 3 of 5 messages.
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}
	if messages[0].Role != ai.RoleSystem {
		t.Errorf("first message role = %v", messages[0].Role)
	}
	if got := messages[1].Content[0].Text; got != "msg 2" {
		t.Errorf("history starts at %q, want msg 2", got)
	}
	if messages[2].Role != ai.RoleModel {
		t.Errorf("assistant message mapped to %v", messages[2].Role)
	}

	// Full history is retained even though the prompt truncates.
	history, _ := m.History(conv.ID, 0)
	if len(history) != 5 {
		t.Errorf("stored history = %d messages, want 5", len(history))
	}

	tail, _ := m.History(conv.ID, 2)
	if len(tail) != 2 || tail[0].Content != "msg 3" {
		t.Errorf("limited history = %+v, want trailing 2", tail)
	}
}

func TestSystemPromptAssembly(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		{Chunk: docstore.Chunk{Content: "Press <reset> for\n10 seconds."}},
	}}
	m := newTestManager(t, searcher, nil, Config{})
	ctx := context.Background()

	conv, _ := m.Create("Alice", "widget-9", nil)
	if _, err := m.RetrieveRelevantContext(ctx, conv.ID, "reset"); err != nil {
		t.Fatal(err)
	}

	messages, err := m.ChatContext(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	prompt := messages[0].Content[0].Text

	if !strings.Contains(prompt, "You are assisting Alice.") {
		t.Errorf("customer clause missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "product widget-9") {
		t.Errorf("product clause missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Press reset for 10 seconds.") {
		t.Errorf("retrieved doc not sanitized into prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "<reset>") {
		t.Errorf("tag delimiters leaked into prompt")
	}
}

func TestSystemPromptOmitsAbsentClauses(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{})

	t.Run("no product", func(t *testing.T) {
		conv, _ := m.Create("Bob", "", nil)
		messages, err := m.ChatContext(conv.ID)
		if err != nil {
			t.Fatal(err)
		}
		prompt := messages[0].Content[0].Text
		if strings.Contains(prompt, "product") {
			t.Errorf("product clause present without a product ID:\n%s", prompt)
		}
		if !strings.Contains(prompt, "You are assisting Bob.") {
			t.Errorf("customer clause missing:\n%s", prompt)
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		conv, _ := m.Create("", "widget", nil)
		messages, err := m.ChatContext(conv.ID)
		if err != nil {
			t.Fatal(err)
		}
		prompt := messages[0].Content[0].Text
		if strings.Contains(prompt, "You are assisting") {
			t.Errorf("customer clause present for anonymous conversation:\n%s", prompt)
		}
		if !strings.Contains(prompt, "product widget") {
			t.Errorf("product clause missing:\n%s", prompt)
		}
	})
}

func TestConcurrentAddMessage(t *testing.T) {
	m := newTestManager(t, &fakeSearcher{}, nil, Config{})
	conv, _ := m.Create("Alice", "", nil)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.AddMessage(conv.ID, RoleUser, fmt.Sprintf("msg %d", i), nil)
		}()
	}
	wg.Wait()

	history, err := m.History(conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 20 {
		t.Errorf("got %d messages, want 20", len(history))
	}
}
