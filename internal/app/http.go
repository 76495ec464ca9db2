package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marginalia/internal/extract"
	"marginalia/internal/parse"
	"marginalia/internal/search"
	"marginalia/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/parse" {
		s.handleParse(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "sessions" {
		s.handleSessions(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleSessions routes everything under /api/sessions. rest holds the path
// segments after the prefix.
func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleCreateSession(w, r)
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleGetSession(w, r, rest[0])
	case len(rest) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteSession(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "fork" && r.Method == http.MethodPost:
		s.handleForkSession(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "threads" && r.Method == http.MethodPost:
		s.handleCreateThread(w, r, rest[0])
	case len(rest) == 4 && rest[1] == "threads" && rest[3] == "messages" && r.Method == http.MethodPost:
		s.handleCreateMessage(w, r, rest[0], rest[2])
	case len(rest) == 4 && rest[1] == "threads" && rest[3] == "messages" && r.Method == http.MethodDelete:
		s.handleTruncateThread(w, r, rest[0], rest[2])
	case len(rest) == 5 && rest[1] == "threads" && rest[3] == "messages" && r.Method == http.MethodPut:
		s.handleUpdateMessage(w, r, rest[0], rest[2], rest[4])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MarkdownContent string `json:"markdownContent"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.CreateSession(r.Context(), body.MarkdownContent)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId":  session.ID,
		"ownerToken": session.OwnerToken,
	})
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	graph, err := s.service.GetSessionGraph(r.Context(), sessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, graphPayload(graph))
}

func (s *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.service.DeleteSession(r.Context(), sessionID, ownerToken(r)); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleForkSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	result, err := s.service.ForkSession(r.Context(), sessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId":   result.Session.ID,
		"ownerToken":  result.Session.OwnerToken,
		"threadIdMap": result.ThreadIDMap,
	})
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body CreateThreadInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	thread, err := s.service.AddThread(r.Context(), sessionID, ownerToken(r), body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"threadId":  thread.ID,
		"createdAt": thread.CreatedAt,
	})
}

func (s *HTTPServer) handleCreateMessage(w http.ResponseWriter, r *http.Request, sessionID, threadID string) {
	var body CreateMessageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	message, err := s.service.AddMessage(r.Context(), sessionID, threadID, ownerToken(r), body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"messageId": message.ID,
		"timestamp": message.CreatedAt,
	})
}

func (s *HTTPServer) handleUpdateMessage(w http.ResponseWriter, r *http.Request, sessionID, threadID, messageID string) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	updatedAt, err := s.service.UpdateMessage(r.Context(), sessionID, threadID, messageID, ownerToken(r), body.Text)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": updatedAt,
	})
}

func (s *HTTPServer) handleTruncateThread(w http.ResponseWriter, r *http.Request, sessionID, threadID string) {
	after := strings.TrimSpace(r.URL.Query().Get("after"))
	if err := s.service.TruncateThread(r.Context(), sessionID, threadID, after, ownerToken(r)); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleParse accepts either multipart form data with a file field or a JSON
// body with a url field.
func (s *HTTPServer) handleParse(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")

	// Cap the raw request before multipart parsing, which would otherwise
	// spool an arbitrarily large upload to a temp file first. The slack on
	// top of the file limit covers multipart framing; the service enforces
	// the exact per-file limit on the decoded bytes.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+64*1024)

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "file exceeds the 10MB limit", nil)
				return
			}
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid multipart body", nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "file field is required", nil)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "could not read file", nil)
			return
		}

		result, err := s.service.ParseFile(r.Context(), header.Filename, data)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeParseResult(w, result)
		return
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "url is required", nil)
		return
	}

	result, err := s.service.ParseURL(r.Context(), body.URL)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeParseResult(w, result)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	filterType := strings.TrimSpace(r.URL.Query().Get("type"))
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}

	response := s.service.Search(search.Query{
		Text:            q,
		FilterType:      search.ResultType(filterType),
		FilterSessionID: sessionID,
		Limit:           limit,
		Offset:          offset,
	})
	writeJSON(w, http.StatusOK, response)
}

func writeParseResult(w http.ResponseWriter, result parse.Result) {
	writeJSON(w, http.StatusOK, map[string]any{
		"markdown": result.Markdown,
		"source":   result.Source,
		"cached":   result.Cached,
	})
}

// graphPayload shapes the session graph for the wire. The owner token never
// leaves the create and fork responses.
func graphPayload(graph store.SessionGraph) map[string]any {
	threads := make([]map[string]any, 0, len(graph.Threads))
	for _, thread := range graph.Threads {
		messages := make([]map[string]any, 0, len(thread.Messages))
		for _, message := range thread.Messages {
			payload := map[string]any{
				"id":        message.ID,
				"role":      message.Role,
				"text":      message.Text,
				"timestamp": message.CreatedAt,
			}
			if len(message.Parts) > 0 {
				payload["parts"] = message.Parts
			}
			messages = append(messages, payload)
		}
		threads = append(threads, map[string]any{
			"id":        thread.ID,
			"context":   thread.Context,
			"snippet":   thread.Snippet,
			"createdAt": thread.CreatedAt,
			"messages":  messages,
		})
	}
	return map[string]any{
		"id":              graph.ID,
		"markdownContent": graph.MarkdownContent,
		"createdAt":       graph.CreatedAt,
		"updatedAt":       graph.UpdatedAt,
		"forkedFrom":      graph.ForkedFrom,
		"threads":         threads,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Owner-Token, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func ownerToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Owner-Token"))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, extract.ErrInvalidURL) || errors.Is(err, extract.ErrUnsupportedFile) {
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	}
	if errors.Is(err, parse.ErrEmptyExtraction) {
		return http.StatusInternalServerError, "EXTRACTION_FAILED", "Document extraction failed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
