// Package orchestrator implements the Pipeline Orchestrator (C11): it
// sequences the Query Expander, Retriever, Prompt Assembler, and LLM
// Service for one chat request, emitting the SSE events of §6.2 and
// persisting the session transcript via the Session Store (§4.6).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docqa/ragserve/internal/expander"
	"github.com/docqa/ragserve/internal/promptasm"
	"github.com/docqa/ragserve/internal/ratelimit"
	"github.com/docqa/ragserve/internal/retriever"
	"github.com/docqa/ragserve/internal/sse"
	"github.com/docqa/ragserve/llm"
	"github.com/docqa/ragserve/store"
)

// sessionStore is the subset of *store.Store the orchestrator needs.
type sessionStore interface {
	EnsureSession(ctx context.Context, sessionID, userID string) error
	AppendMessage(ctx context.Context, m store.Message) (int64, error)
	UpdateMessageMetadata(ctx context.Context, seq int64, metadata string) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
}

// Request is one chat call's parameters, matching §6.1's chat body.
type Request struct {
	SessionID       string
	UserID          string
	Query           string
	FileIDs         []string
	Locale          string
	EnableExpansion bool
	TopK            int
	Temperature     float64
}

// Orchestrator wires C8-C10 and C6 together behind one Run call.
type Orchestrator struct {
	expander  *expander.Expander
	retriever *retriever.Retriever
	assembler *promptasm.Assembler
	llm       llm.StreamingProvider
	model     string
	store     sessionStore
	sem       *ratelimit.Semaphore
}

// New constructs an Orchestrator.
func New(exp *expander.Expander, ret *retriever.Retriever, asm *promptasm.Assembler, provider llm.StreamingProvider, model string, st sessionStore, sem *ratelimit.Semaphore) *Orchestrator {
	return &Orchestrator{expander: exp, retriever: ret, assembler: asm, llm: provider, model: model, store: st, sem: sem}
}

// Run executes §4.6's five phases, sending SSE events to w and writing
// the transcript to the Session Store. It returns once the stream
// completes, fails, or ctx is cancelled; Run itself never returns an
// error — failures are reported as `error` events per §7.
func (o *Orchestrator) Run(ctx context.Context, req Request, w *sse.Writer) {
	defer w.Close()

	if req.TopK <= 0 {
		req.TopK = 5
	}
	temp := req.Temperature
	if temp < 0 {
		temp = 0
	}
	if temp > 2 {
		temp = 2
	}

	if err := o.store.EnsureSession(ctx, req.SessionID, req.UserID); err != nil {
		o.emitError(ctx, w, "Internal", fmt.Sprintf("creating session: %v", err), false)
		return
	}
	userMsgSeq, err := o.store.AppendMessage(ctx, store.Message{
		SessionID: req.SessionID, Role: "user", Content: req.Query, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		o.emitError(ctx, w, "Internal", fmt.Sprintf("persisting user message: %v", err), false)
		return
	}

	// Phase 1: query understanding.
	if err := o.send(ctx, w, "progress", map[string]any{"phase": 1, "progress": 0}); err != nil {
		return
	}
	exp := expander.Expansion{OriginalQuery: req.Query, SubQuestions: []string{req.Query}}
	if req.EnableExpansion {
		var err error
		exp, err = o.expander.Expand(ctx, req.Query, req.Locale)
		if err != nil {
			o.emitError(ctx, w, "Internal", fmt.Sprintf("expanding query: %v", err), true)
			return
		}
	}
	if expMeta, merr := json.Marshal(map[string]any{"sub_questions": exp.SubQuestions, "intent": exp.Intent}); merr == nil {
		if err := o.store.UpdateMessageMetadata(ctx, userMsgSeq, string(expMeta)); err != nil {
			slog.Warn("orchestrator: updating user message metadata", "error", err)
		}
	}
	if err := o.send(ctx, w, "progress", map[string]any{"phase": 1, "progress": 100}); err != nil {
		return
	}
	if err := o.send(ctx, w, "query_expansion", map[string]any{
		"original_query": req.Query, "intent": exp.Intent, "sub_questions": exp.SubQuestions, "cache_hit": exp.CacheHit,
	}); err != nil {
		return
	}

	// Phase 2: parallel retrieval.
	if err := o.send(ctx, w, "progress", map[string]any{"phase": 2, "progress": 0}); err != nil {
		return
	}
	queries := append([]string{req.Query}, exp.SubQuestions...)
	hits, err := o.retriever.Retrieve(ctx, queries, req.FileIDs, req.TopK*len(queries))
	if err != nil {
		o.emitError(ctx, w, "RetrievalUnavailable", err.Error(), true)
		return
	}
	if err := o.send(ctx, w, "retrieval_complete", map[string]any{"chunk_count": len(hits), "file_ids": req.FileIDs}); err != nil {
		return
	}
	if err := o.send(ctx, w, "progress", map[string]any{"phase": 2, "progress": 100}); err != nil {
		return
	}

	// Phase 3: context assembly.
	if err := o.send(ctx, w, "progress", map[string]any{"phase": 3, "progress": 0}); err != nil {
		return
	}
	history, _ := o.store.GetMessages(ctx, req.SessionID, 2*promptasm.DefaultHistoryMessages)
	messages := o.assembler.Build(req.Query, hits, history, req.Locale)
	if err := o.send(ctx, w, "progress", map[string]any{"phase": 3, "progress": 100}); err != nil {
		return
	}

	// Phase 4: generation.
	if err := o.send(ctx, w, "progress", map[string]any{"phase": 4, "progress": 0}); err != nil {
		return
	}
	if err := o.sem.Acquire(ctx); err != nil {
		o.emitError(ctx, w, "Cancelled", "cancelled waiting for an LLM slot", false)
		return
	}
	defer o.sem.Release()

	stream, err := o.llm.ChatStream(ctx, llm.ChatRequest{Model: o.model, Messages: messages, Temperature: temp})
	if err != nil {
		o.emitError(ctx, w, "LLMUnavailable", err.Error(), true)
		return
	}

	var answer strings.Builder
	truncated := false
	for chunk := range stream {
		if chunk.Err != nil {
			o.persistAssistantMessage(ctx, req.SessionID, answer.String(), hits, true)
			o.emitError(ctx, w, "LLMUnavailable", chunk.Err.Error(), true)
			return
		}
		if chunk.Token != "" {
			answer.WriteString(chunk.Token)
			if err := o.send(ctx, w, "markdown_token", map[string]any{"token": chunk.Token}); err != nil {
				truncated = true
				break
			}
		}
	}
	if ctx.Err() != nil {
		truncated = true
	}

	if truncated {
		o.persistAssistantMessage(ctx, req.SessionID, answer.String(), hits, true)
		return
	}

	if err := o.send(ctx, w, "progress", map[string]any{"phase": 4, "progress": 100}); err != nil {
		o.persistAssistantMessage(ctx, req.SessionID, answer.String(), hits, true)
		return
	}

	sources := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		sources = append(sources, map[string]any{"file_id": h.FileID, "chunk_index": h.ChunkIndex})
	}
	_ = o.send(ctx, w, "metadata", map[string]any{"sources": sources, "token_count": len(strings.Fields(answer.String()))})

	o.persistAssistantMessage(ctx, req.SessionID, answer.String(), hits, false)

	_ = o.send(ctx, w, "complete", struct{}{})
}

func (o *Orchestrator) persistAssistantMessage(ctx context.Context, sessionID, content string, hits []retriever.Hit, truncated bool) {
	// Persistence uses a fresh background context so a cancelled request
	// context (the common case when truncated=true) doesn't also abort
	// the write of the partial transcript.
	persistCtx := context.Background()
	if ctx.Err() == nil {
		persistCtx = ctx
	}
	_, err := o.store.AppendMessage(persistCtx, store.Message{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadataJSON(hits, truncated),
	})
	if err != nil {
		// Best-effort: the transcript write failing doesn't change what
		// was already streamed to the client.
		_ = err
	}
}

func (o *Orchestrator) emitError(ctx context.Context, w *sse.Writer, kind, message string, retriable bool) {
	_ = o.send(ctx, w, "error", map[string]any{"kind": kind, "message": message, "retriable": retriable})
}

func (o *Orchestrator) send(ctx context.Context, w *sse.Writer, eventType string, data any) error {
	return w.Send(ctx, sse.Event{Type: eventType, Data: data})
}

func metadataJSON(hits []retriever.Hit, truncated bool) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(`{"truncated":%t,"source_count":%d}`, truncated, len(hits)))
	return b.String()
}
