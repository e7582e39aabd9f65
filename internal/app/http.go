package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"trove/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *log.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *log.Logger) *HTTPServer {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
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

	if r.Method == http.MethodPost && r.URL.Path == "/api/login" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		token, err := s.service.Login(r.Context(), body.Username, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token})
		return
	}

	// Everything below acts on the caller's item tree.
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/items" {
		items, err := s.service.ListItems(r.Context(), user)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, itemsPayload(items))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/item" {
		var body ItemCreateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		item, err := s.service.CreateItem(r.Context(), user, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, itemPayload(item))
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/item" {
		var body ItemEditInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		item, err := s.service.EditItem(r.Context(), user, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, itemPayload(item))
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/items/move" {
		var body struct {
			IDs       []string `json:"ids"`
			NewParent string   `json:"new_parent"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		if err := s.service.MoveItems(r.Context(), user, body.IDs, body.NewParent); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/items/sort" {
		var body []SortEntryInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		items, err := s.service.SortItems(r.Context(), user, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, itemsPayload(items))
		return
	}

	if r.Method == http.MethodDelete && r.URL.Path == "/api/items" {
		ids := queryList(r.URL.Query(), "ids")
		items, err := s.service.DeleteItems(r.Context(), user, ids)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, itemsPayload(items))
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "item" && r.Method == http.MethodPut {
		itemID := parts[2]
		switch parts[3] {
		case "check", "uncheck":
			item, err := s.service.SetItemChecked(r.Context(), user, itemID, parts[3] == "check")
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, itemPayload(item))
			return
		}
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "item" && r.Method == http.MethodDelete {
		item, err := s.service.DeleteItem(r.Context(), user, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, itemPayload(item))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Not authenticated")
		return store.User{}, false
	}
	user, err := s.service.ResolveUser(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return store.User{}, false
	}
	return user, true
}

// fail is the error boundary: full detail goes to the log, only the
// caller-safe code and message cross to the client.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	logger := s.logger.With("request_id", requestIDFrom(r.Context()), "method", r.Method, "path", r.URL.Path)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", code, "error", err)
	} else {
		logger.Warn("request rejected", "code", code, "error", err, "details", details)
	}
	writeError(w, status, code, message)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func itemPayload(item store.Item) map[string]any {
	payload := map[string]any{
		"_id":         item.ID,
		"user_id":     item.UserID,
		"title":       item.Title,
		"description": item.Description,
		"parent_id":   item.ParentID,
		"isRoot":      item.IsRoot,
		"checked":     item.Checked,
		"rank":        item.Rank,
		"created_at":  item.CreatedAt,
	}
	if item.Data != nil {
		payload["data"] = item.Data
	}
	return payload
}

func itemsPayload(items []store.Item) []map[string]any {
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, itemPayload(item))
	}
	return payloads
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// queryList flattens a list-valued query param however it arrives:
// ids=a,b,c or ids=a&ids=b or a mix. Empty segments are dropped, order is
// preserved, duplicates are kept.
func queryList(query url.Values, key string) []string {
	var values []string
	for _, raw := range query[key] {
		for _, segment := range strings.Split(raw, ",") {
			if segment != "" {
				values = append(values, segment)
			}
		}
	}
	return values
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
	return http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred", nil
}
