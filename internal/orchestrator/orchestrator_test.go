package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/ragserve/internal/expander"
	"github.com/docqa/ragserve/internal/promptasm"
	"github.com/docqa/ragserve/internal/ratelimit"
	"github.com/docqa/ragserve/internal/retriever"
	"github.com/docqa/ragserve/internal/sse"
	"github.com/docqa/ragserve/internal/vectorindex"
	"github.com/docqa/ragserve/llm"
	"github.com/docqa/ragserve/store"
)

// fakeStore implements sessionStore and the retriever's chunkStore.
type fakeStore struct {
	mu       sync.Mutex
	messages []store.Message
}

func newFakeStore() *fakeStore { return &fakeStore{} }

func (f *fakeStore) EnsureSession(ctx context.Context, sessionID, userID string) error { return nil }

func (f *fakeStore) AppendMessage(ctx context.Context, m store.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return int64(len(f.messages)), nil
}

func (f *fakeStore) UpdateMessageMetadata(ctx context.Context, seq int64, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq < 1 || int(seq) > len(f.messages) {
		return errors.New("no such message")
	}
	f.messages[seq-1].Metadata = metadata
	return nil
}

func (f *fakeStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.messages...), nil
}

func (f *fakeStore) FTSSearch(ctx context.Context, query string, fileIDs []string, limit int) ([]store.RetrievalResult, error) {
	return nil, nil
}

func (f *fakeStore) GetChunk(ctx context.Context, fileID string, chunkIndex int) (*store.Chunk, error) {
	return nil, errors.New("not found")
}

type fakeVectorIndex struct{ hits []vectorindex.Hit }

func (f *fakeVectorIndex) Search(ctx context.Context, vector []float32, fileIDs []string, limit int) ([]vectorindex.Hit, error) {
	return f.hits, nil
}

type fakeProvider struct {
	tokens []string
}

func (p *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: `{"intent":"direct","sub_questions":["q"],"reasoning":"r"}`}, nil
}

func (p *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(p.tokens))
	for _, tok := range p.tokens {
		ch <- llm.StreamChunk{Token: tok}
	}
	close(ch)
	return ch, nil
}

func newTestOrchestrator(fs *fakeStore, provider *fakeProvider, hits []vectorindex.Hit) *Orchestrator {
	exp := expander.New(provider, "test-model", nil, time.Minute)
	ret := retriever.New(provider, &fakeVectorIndex{hits: hits}, fs)
	asm := promptasm.New(0, 0)
	sem := ratelimit.NewSemaphore(2)
	return New(exp, ret, asm, provider, "test-model", fs, sem)
}

// runAndCapture drives one orchestrator.Run to completion and returns the
// framed SSE event names in emission order, parsed from the raw response
// body (the same view a real SSE client would see).
func runAndCapture(t *testing.T, fs *fakeStore, provider *fakeProvider, hits []vectorindex.Hit) []string {
	t.Helper()
	o := newTestOrchestrator(fs, provider, hits)

	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec, 2*time.Second, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	o.Run(ctx, Request{SessionID: "s1", UserID: "u1", Query: "what is x?", FileIDs: []string{"file_1"}, Locale: "en", TopK: 3}, w)
	wg.Wait()

	var types []string
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	return types
}

func TestRunEmitsCompleteOnSuccess(t *testing.T) {
	fs := newFakeStore()
	provider := &fakeProvider{tokens: []string{"hello", " world"}}
	events := runAndCapture(t, fs, provider, []vectorindex.Hit{{FileID: "file_1", ChunkIndex: 0, Level: "small", Score: 0.5}})

	require.NotEmpty(t, events)
	assert.Equal(t, "complete", events[len(events)-1])
	assert.Contains(t, events, "markdown_token")
}

func TestRunPersistsUserAndAssistantMessages(t *testing.T) {
	fs := newFakeStore()
	provider := &fakeProvider{tokens: []string{"answer"}}
	runAndCapture(t, fs, provider, nil)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.messages, 2)
	assert.Equal(t, "user", fs.messages[0].Role)
	assert.Equal(t, "assistant", fs.messages[1].Role)
	assert.Contains(t, fs.messages[1].Content, "answer")
}

func TestRunEventOrderMatchesPhaseSequence(t *testing.T) {
	fs := newFakeStore()
	provider := &fakeProvider{tokens: []string{"tok"}}
	events := runAndCapture(t, fs, provider, nil)

	firstMarkdown := -1
	lastProgressBeforeMarkdown := -1
	for i, typ := range events {
		if typ == "markdown_token" && firstMarkdown == -1 {
			firstMarkdown = i
		}
		if typ == "query_expansion" {
			lastProgressBeforeMarkdown = i
		}
	}
	require.NotEqual(t, -1, firstMarkdown, "no markdown_token event emitted")
	assert.NotEqual(t, -1, lastProgressBeforeMarkdown)
	assert.Less(t, lastProgressBeforeMarkdown, firstMarkdown, "expected query_expansion to precede markdown_token")
}

func TestRunDefaultsTopKWhenZero(t *testing.T) {
	fs := newFakeStore()
	provider := &fakeProvider{tokens: []string{"x"}}
	o := newTestOrchestrator(fs, provider, nil)

	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec, 2*time.Second, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()
	o.Run(ctx, Request{SessionID: "s2", UserID: "u1", Query: "q", FileIDs: []string{"file_1"}, Locale: "en"}, w)
	wg.Wait()

	assert.Contains(t, rec.Body.String(), "complete", "expected completion even with zero TopK/Temperature supplied")
}
