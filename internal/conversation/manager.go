package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/sagedesk/sage/internal/docstore"
	"github.com/sagedesk/sage/internal/search"
)

// DefaultMaxLength is the default number of trailing messages included in
// the model context. Older messages stay in the conversation record but are
// not sent to the model.
const DefaultMaxLength = 10

// defaultBasePrompt opens every assembled system prompt.
const defaultBasePrompt = "You are a helpful customer support assistant. " +
	"Answer using the retrieved documentation when it is relevant, and say so when it is not."

// maxContextChars bounds the retrieved-documents section of the system
// prompt. Roughly a 1500-token budget at 4 chars per token; docs beyond it
// are dropped in rank order.
const maxContextChars = 6000

// Searcher retrieves relevant chunks for a query. *search.Engine satisfies
// it.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// Archiver persists an ended conversation's transcript. *archive.Writer
// satisfies it; a nil Archiver disables archiving.
type Archiver interface {
	Archive(ctx context.Context, conv Conversation) error
}

// Config tunes a Manager. The zero value applies defaults.
type Config struct {
	// MaxLength caps the trailing messages sent to the model.
	// Zero defaults to DefaultMaxLength.
	MaxLength int

	// BasePrompt overrides the opening of the assembled system prompt.
	BasePrompt string

	// ContextWindow, Limit and Threshold are passed through to the Searcher
	// on context retrieval. Zero values apply the search package defaults.
	ContextWindow int
	Limit         int
	Threshold     float64
}

// entry is the live, mutable state of one conversation. Its mutex serializes
// turns within the conversation; the Manager never holds it across a network
// call.
type entry struct {
	mu   sync.Mutex
	conv Conversation
}

// Manager owns all live conversations and the ended-ID tombstone set. Ended
// conversations release their message state but keep the tombstone, so a
// late caller gets ErrConversationEnded rather than ErrUnknownConversation.
//
// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	searcher Searcher
	archiver Archiver
	cfg      Config
	logger   *slog.Logger

	mu     sync.RWMutex
	active map[uuid.UUID]*entry
	ended  map[uuid.UUID]struct{}
}

// NewManager creates a Manager. archiver may be nil.
func NewManager(searcher Searcher, archiver Archiver, cfg Config, logger *slog.Logger) (*Manager, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.BasePrompt == "" {
		cfg.BasePrompt = defaultBasePrompt
	}
	return &Manager{
		searcher: searcher,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
		active:   make(map[uuid.UUID]*entry),
		ended:    make(map[uuid.UUID]struct{}),
	}, nil
}

// Create starts a new conversation. Every parameter is optional: customerName
// and productID are correlation keys (a blank customer makes the conversation
// anonymous, productID scopes context retrieval to that product's documents)
// and metadata is an opaque caller bag carried on the conversation.
func (m *Manager) Create(customerName, productID string, metadata map[string]any) (Conversation, error) {
	e := &entry{conv: Conversation{
		ID:           uuid.New(),
		CustomerName: strings.TrimSpace(customerName),
		ProductID:    productID,
		Metadata:     metadata,
		StartedAt:    time.Now().UTC(),
	}}

	m.mu.Lock()
	m.active[e.conv.ID] = e
	m.mu.Unlock()

	m.logger.Debug("created conversation",
		"id", e.conv.ID, "customer", e.conv.CustomerName, "product_id", productID)
	return snapshot(&e.conv), nil
}

// AddMessage appends a message to a live conversation. metadata is optional
// and stored verbatim on the message.
func (m *Manager) AddMessage(convID uuid.UUID, role Role, content string, metadata map[string]any) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	e, err := m.lookup(convID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.conv.EndedAt.IsZero() {
		return ErrConversationEnded
	}
	e.conv.Messages = append(e.conv.Messages, Message{
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// History returns a copy of the message history, oldest first. A positive
// limit keeps only the trailing limit messages; zero or negative returns
// everything.
func (m *Manager) History(convID uuid.UUID, limit int) ([]Message, error) {
	e, err := m.lookup(convID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	src := e.conv.Messages
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	msgs := make([]Message, len(src))
	copy(msgs, src)
	return msgs, nil
}

// Get returns a snapshot of the conversation.
func (m *Manager) Get(convID uuid.UUID) (Conversation, error) {
	e, err := m.lookup(convID)
	if err != nil {
		return Conversation{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.conv), nil
}

// RetrieveRelevantContext searches the document store for chunks relevant to
// query and attaches them to the conversation, replacing whatever the
// previous turn retrieved. When the conversation has a product ID the search
// is filtered to that product's documents.
//
// The search runs without any conversation lock held; a conversation that
// ends mid-retrieval discards the result and reports ErrConversationEnded.
func (m *Manager) RetrieveRelevantContext(ctx context.Context, convID uuid.UUID, query string) ([]search.Result, error) {
	e, err := m.lookup(convID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if !e.conv.EndedAt.IsZero() {
		e.mu.Unlock()
		return nil, ErrConversationEnded
	}
	productID := e.conv.ProductID
	e.mu.Unlock()

	opts := search.Options{
		Limit:         m.cfg.Limit,
		Threshold:     m.cfg.Threshold,
		ContextWindow: m.cfg.ContextWindow,
	}
	if productID != "" {
		opts.Filter = docstore.Metadata{"product_id": productID}
	}

	results, err := m.searcher.Search(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.conv.EndedAt.IsZero() {
		return nil, ErrConversationEnded
	}
	e.conv.RelevantDocs = results

	m.logger.Debug("attached relevant context",
		"conversation", convID, "results", len(results))
	return results, nil
}

// ChatContext assembles the model input for the next turn: the system prompt
// built from the current relevant documents, followed by the trailing
// MaxLength messages of history.
func (m *Manager) ChatContext(convID uuid.UUID) ([]*ai.Message, error) {
	e, err := m.lookup(convID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.conv.EndedAt.IsZero() {
		return nil, ErrConversationEnded
	}

	messages := []*ai.Message{
		ai.NewSystemMessage(ai.NewTextPart(m.systemPrompt(&e.conv))),
	}

	history := e.conv.Messages
	if len(history) > m.cfg.MaxLength {
		history = history[len(history)-m.cfg.MaxLength:]
	}
	for _, msg := range history {
		switch msg.Role {
		case RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(msg.Content)))
		default:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(msg.Content)))
		}
	}
	return messages, nil
}

// End closes the conversation, archives its transcript when an Archiver is
// configured, and leaves a tombstone so later calls report
// ErrConversationEnded. An archive failure is returned to the caller, but
// the conversation is ended regardless; archiving is not retried here.
func (m *Manager) End(ctx context.Context, convID uuid.UUID) error {
	e, err := m.lookup(convID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.conv.EndedAt.IsZero() {
		e.mu.Unlock()
		return ErrConversationEnded
	}
	e.conv.EndedAt = time.Now().UTC()
	final := snapshot(&e.conv)
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.active, convID)
	m.ended[convID] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("ended conversation",
		"id", convID, "messages", len(final.Messages),
		"duration", final.EndedAt.Sub(final.StartedAt))

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, final); err != nil {
			return fmt.Errorf("archiving conversation %s: %w", convID, err)
		}
	}
	return nil
}

// lookup resolves a conversation ID against the active map and the tombstone
// set.
func (m *Manager) lookup(convID uuid.UUID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.active[convID]; ok {
		return e, nil
	}
	if _, ok := m.ended[convID]; ok {
		return nil, ErrConversationEnded
	}
	return nil, ErrUnknownConversation
}

// systemPrompt builds the per-turn system prompt: base instructions, the
// budgeted retrieved-documents section, then the customer and product
// clauses. Caller holds the entry lock.
func (m *Manager) systemPrompt(conv *Conversation) string {
	var b strings.Builder
	b.WriteString(m.cfg.BasePrompt)

	if len(conv.RelevantDocs) > 0 {
		b.WriteString("\n\nRelevant documentation:\n")
		used := 0
		for _, r := range conv.RelevantDocs {
			line := "- " + sanitizePromptContent(r.Chunk.Content) + "\n"
			if used+len(line) > maxContextChars {
				break
			}
			b.WriteString(line)
			used += len(line)
		}
	}

	if conv.CustomerName != "" {
		fmt.Fprintf(&b, "\nYou are assisting %s.", conv.CustomerName)
	}
	if conv.ProductID != "" {
		fmt.Fprintf(&b, "\nThe conversation concerns product %s.", conv.ProductID)
	}
	return b.String()
}

// sanitizePromptContent keeps retrieved document text from injecting
// structure into the system prompt: strips tag delimiters and collapses
// newlines to spaces.
func sanitizePromptContent(s string) string {
	return strings.NewReplacer(
		"<", "",
		">", "",
		"\n", " ",
		"\r", " ",
	).Replace(s)
}

// snapshot deep-copies the slices and metadata of a conversation so callers
// can hold the result without racing the live state.
func snapshot(conv *Conversation) Conversation {
	out := *conv
	out.Messages = make([]Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	if conv.RelevantDocs != nil {
		out.RelevantDocs = make([]search.Result, len(conv.RelevantDocs))
		copy(out.RelevantDocs, conv.RelevantDocs)
	}
	if conv.Metadata != nil {
		out.Metadata = make(map[string]any, len(conv.Metadata))
		for k, v := range conv.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
