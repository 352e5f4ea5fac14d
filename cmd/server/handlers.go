package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/docqa/ragserve"
	"github.com/docqa/ragserve/internal/orchestrator"
	"github.com/docqa/ragserve/internal/sse"
)

var userIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

type handler struct {
	app     *ragserve.App
	metrics *serverMetrics
}

func newHandler(app *ragserve.App, metrics *serverMetrics) *handler {
	return &handler{app: app, metrics: metrics}
}

func (h *handler) userID(r *http.Request) (string, bool) {
	id := r.Header.Get("user_id")
	return id, userIDPattern.MatchString(id)
}

// POST /api/v1/upload
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 300*time.Second)
	defer cancel()

	userID, ok := h.userID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "ValidationError", "user_id header must be a UUIDv4")
		return
	}

	if err := r.ParseMultipartForm(h.app.Config().MaxFileSize + (1 << 20)); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "ValidationError", "file exceeds the configured size limit")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "missing multipart field \"file\"")
		return
	}
	defer file.Close()

	if header.Size > h.app.Config().MaxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, "ValidationError", "file exceeds the configured size limit")
		return
	}

	content, err := io.ReadAll(io.LimitReader(file, h.app.Config().MaxFileSize+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "reading upload")
		return
	}
	if int64(len(content)) > h.app.Config().MaxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, "ValidationError", "file exceeds the configured size limit")
		return
	}

	result, err := h.app.Ingest.Ingest(ctx, content, header.Filename, userID)
	if err != nil {
		h.metrics.uploadsTotal.WithLabelValues("error").Inc()
		writeAPIError(w, err)
		return
	}
	h.metrics.uploadsTotal.WithLabelValues("ok").Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":          result.FileID,
		"filename":         result.Filename,
		"file_size":        result.FileSize,
		"chunk_count":      result.ChunkCount,
		"embedding_status": result.Status,
		"message":          "file ingested successfully",
	})
}

// chatRequestBody is §6.1's chat request shape.
type chatRequestBody struct {
	Query           string   `json:"query"`
	SessionID       string   `json:"session_id"`
	FileIDs         []string `json:"file_ids"`
	Locale          string   `json:"locale"`
	EnableExpansion *bool    `json:"enable_expansion"`
	TopK            int      `json:"top_k"`
	Temperature     *float64 `json:"temperature"`
}

// POST /api/v1/chat/stream
func (h *handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "ValidationError", "user_id header must be a UUIDv4")
		return
	}

	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid JSON body")
		return
	}
	if len(body.Query) == 0 || len(body.Query) > 2000 {
		writeError(w, http.StatusBadRequest, "ValidationError", "query must be 1-2000 characters")
		return
	}
	if len(body.FileIDs) == 0 {
		writeError(w, http.StatusBadRequest, "ValidationError", "At least one file_id is required")
		return
	}
	if body.Locale == "" {
		body.Locale = "zh"
	}
	if body.Locale != "zh" && body.Locale != "en" {
		writeError(w, http.StatusBadRequest, "ValidationError", "locale must be \"zh\" or \"en\"")
		return
	}
	if body.TopK == 0 {
		body.TopK = 5
	}
	if body.TopK < 1 || body.TopK > 20 {
		writeError(w, http.StatusBadRequest, "ValidationError", "top_k must be between 1 and 20")
		return
	}
	temperature := h.app.Config().LLMTemperatureDefault
	if body.Temperature != nil {
		temperature = *body.Temperature
	}
	if temperature < 0 || temperature > 2 {
		writeError(w, http.StatusBadRequest, "ValidationError", "temperature must be between 0 and 2")
		return
	}
	enableExpansion := true
	if body.EnableExpansion != nil {
		enableExpansion = *body.EnableExpansion
	}
	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("sess_%s_%d", userID[:8], time.Now().UnixNano())
	}

	ctx, cancel := context.WithTimeout(r.Context(), 300*time.Second)
	defer cancel()

	for _, fileID := range body.FileIDs {
		if _, err := h.app.Store.GetFile(ctx, fileID, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("file %q not found", fileID))
				return
			}
			writeError(w, http.StatusInternalServerError, "Internal", "looking up file")
			return
		}
	}

	heartbeat := time.Duration(h.app.Config().SSEHeartbeatSeconds) * time.Second
	writer, err := sse.NewWriter(w, heartbeat, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "streaming not supported by this connection")
		return
	}

	start := time.Now()
	h.metrics.chatActiveStreams.Inc()
	defer h.metrics.chatActiveStreams.Dec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		writer.Run(ctx)
	}()

	h.app.Orchestrator.Run(ctx, orchestrator.Request{
		SessionID:       sessionID,
		UserID:          userID,
		Query:           body.Query,
		FileIDs:         body.FileIDs,
		Locale:          body.Locale,
		EnableExpansion: enableExpansion,
		TopK:            body.TopK,
		Temperature:     temperature,
	}, writer)
	<-done

	outcome := "completed"
	if ctx.Err() != nil {
		outcome = "cancelled"
	}
	h.metrics.observeChat(start, outcome)
}

// GET /api/v1/sessions/{session_id}
func (h *handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	sessionID := r.PathValue("session_id")
	messages, err := h.app.Store.GetMessages(ctx, sessionID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "loading session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": messages})
}

// DELETE /api/v1/files/{file_id}
func (h *handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	userID, ok := h.userID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "ValidationError", "user_id header must be a UUIDv4")
		return
	}
	fileID := r.PathValue("file_id")

	if err := h.app.Store.DeleteFile(ctx, fileID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "NotFound", "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal", "deleting file")
		return
	}
	if err := h.app.Vectors.DropPartition(ctx, fileID); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "dropping vector partition")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file_id": fileID, "deleted": true})
}

// GET /healthz
func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	report := h.app.Health().Report(ctx)
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{"detail": map[string]string{"error": kind, "message": message}})
}

// writeAPIError maps a *ragserve.APIError's Kind to the §7 status code.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr *ragserve.APIError
	if !errors.As(err, &apiErr) {
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch apiErr.Kind {
	case "ValidationError":
		status = http.StatusBadRequest
	case "UnprocessableDocument":
		status = http.StatusUnprocessableEntity
	case "IDGenerationExhausted", "IndexingFailed":
		status = http.StatusInternalServerError
	case "RetrievalUnavailable", "LLMUnavailable":
		status = http.StatusServiceUnavailable
	case "LLMTimeout":
		status = http.StatusGatewayTimeout
	case "NotFound":
		status = http.StatusNotFound
	}
	writeError(w, status, apiErr.Kind, apiErr.Message)
}
