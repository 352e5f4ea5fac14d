package ragserve

import "errors"

// Sentinel errors. Package-internal code wraps these with context via
// fmt.Errorf("...: %w", ...); callers match with errors.Is.
var (
	ErrValidation            = errors.New("ragserve: validation error")
	ErrUnprocessableDocument = errors.New("ragserve: unprocessable document")
	ErrIDGenerationExhausted = errors.New("ragserve: file id generation exhausted")
	ErrIndexingFailed        = errors.New("ragserve: indexing failed")
	ErrRetrievalUnavailable  = errors.New("ragserve: retrieval unavailable")
	ErrLLMUnavailable        = errors.New("ragserve: llm unavailable")
	ErrLLMTimeout            = errors.New("ragserve: llm timeout")
	ErrCacheUnavailable      = errors.New("ragserve: cache unavailable")
	ErrCancelled             = errors.New("ragserve: request cancelled")
	ErrNotFound              = errors.New("ragserve: not found")
	ErrInternal              = errors.New("ragserve: internal error")
)

// APIError is the structured error surfaced at the HTTP/SSE boundary. Kind
// is the stable machine-readable string from §7; it wraps one of the
// sentinels above so errors.Is still works against them.
type APIError struct {
	Kind      string
	Message   string
	Details   map[string]string
	Retriable bool
	cause     error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

func (e *APIError) Unwrap() error { return e.cause }

func newAPIError(kind string, cause error, retriable bool, msg string) *APIError {
	return &APIError{Kind: kind, Message: msg, Retriable: retriable, cause: cause}
}

// ValidationError builds an APIError for a bad or malformed request.
func ValidationError(msg string) *APIError {
	return newAPIError("ValidationError", ErrValidation, false, msg)
}

// UnprocessableDocumentError builds an APIError for an extraction failure.
func UnprocessableDocumentError(msg string) *APIError {
	return newAPIError("UnprocessableDocument", ErrUnprocessableDocument, false, msg)
}

// IDGenerationExhaustedError builds an APIError for repeated file_id collisions.
func IDGenerationExhaustedError() *APIError {
	return newAPIError("IDGenerationExhausted", ErrIDGenerationExhausted, false, "could not generate a unique file id after 3 attempts")
}

// IndexingFailedError builds an APIError for a vector-insert failure.
func IndexingFailedError(msg string) *APIError {
	return newAPIError("IndexingFailed", ErrIndexingFailed, false, msg)
}

// RetrievalUnavailableError builds an APIError for a total retrieval outage.
func RetrievalUnavailableError(msg string) *APIError {
	return newAPIError("RetrievalUnavailable", ErrRetrievalUnavailable, true, msg)
}

// LLMUnavailableError builds an APIError for an unreachable LLM backend.
func LLMUnavailableError(msg string) *APIError {
	return newAPIError("LLMUnavailable", ErrLLMUnavailable, true, msg)
}

// LLMTimeoutError builds an APIError for an LLM idle-timeout.
func LLMTimeoutError(msg string) *APIError {
	return newAPIError("LLMTimeout", ErrLLMTimeout, true, msg)
}

// InternalError builds a catch-all APIError; msg should include the
// correlation id so the client can reference it in a support request.
func InternalError(msg string) *APIError {
	return newAPIError("Internal", ErrInternal, false, msg)
}
