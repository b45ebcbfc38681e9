package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"threadsync/api/internal/auth"
	"threadsync/api/internal/engine"
	"threadsync/api/internal/remote"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.With().Str("component", "http").Logger()}
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
			"sessions": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{
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

	if r.URL.Path == "/api/session" {
		s.handleSession(w, r)
		return
	}

	parts := splitPath(r.URL.EscapedPath())
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "threads" {
		threadRef, err := url.PathUnescape(parts[2])
		if err != nil || strings.TrimSpace(threadRef) == "" {
			writeError(w, http.StatusBadRequest, "INVALID_THREAD", "Invalid thread reference", nil)
			return
		}
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		s.handleThread(w, r, session, threadRef, parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "viewer": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "viewer": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "viewer": session.Viewer, "provider": session.Provider})
	case http.MethodPost:
		var body struct {
			Token       string `json:"token"`
			Login       string `json:"login"`
			Password    string `json:"password"`
			Association string `json:"association"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), remote.Credentials{
			Token:       body.Token,
			Login:       body.Login,
			Password:    body.Password,
			Association: body.Association,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"viewer":    session.Viewer,
			"provider":  session.Provider,
			"expiresAt": session.ExpiresAt,
		})
	case http.MethodDelete:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.Logout(r.Context(), session); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// handleThread serves everything under /api/threads/{ref}. rest holds the
// still-escaped segments after the ref.
func (s *HTTPServer) handleThread(w http.ResponseWriter, r *http.Request, session Session, threadRef string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		view, err := s.service.View(ctx, session, threadRef, r.URL.Query().Get("sort"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"view": view})
		return
	}

	if len(rest) == 1 {
		switch {
		case r.Method == http.MethodPost && rest[0] == "refresh":
			view, err := s.service.Refresh(ctx, session, threadRef)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"view": view})
		case r.Method == http.MethodPost && rest[0] == "more":
			view, err := s.service.LoadMore(ctx, session, threadRef)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"view": view})
		case r.Method == http.MethodGet && rest[0] == "notices":
			notices, err := s.service.Notices(ctx, session, threadRef)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"notices": notices})
		case r.Method == http.MethodPost && rest[0] == "entries":
			var body struct {
				Body     string `json:"body"`
				ParentID string `json:"parentId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			entry, view, err := s.service.CreateEntry(ctx, session, threadRef, body.Body, body.ParentID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"entry": entry, "view": view})
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if rest[0] != "entries" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	entryID, err := url.PathUnescape(rest[1])
	if err != nil || entryID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ENTRY", "Invalid entry id", nil)
		return
	}

	if len(rest) == 2 {
		switch r.Method {
		case http.MethodPatch:
			var body struct {
				Body string `json:"body"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			entry, view, err := s.service.EditEntry(ctx, session, threadRef, entryID, body.Body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "view": view})
		case http.MethodDelete:
			view, err := s.service.DeleteEntry(ctx, session, threadRef, entryID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"view": view})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 3 && r.Method == http.MethodPost {
		switch rest[2] {
		case "expand":
			view, err := s.service.ExpandEntry(ctx, session, threadRef, entryID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"view": view})
			return
		case "reactions":
			var body struct {
				Kind string `json:"kind"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			view, err := s.service.React(ctx, session, threadRef, entryID, body.Kind)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"view": view})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("request_id", requestIDFrom(r.Context())).
		Str("code", code).
		Int("status", status).
		Msg("request failed")
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error().Err(err).Msg("session lookup failed")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
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

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// mapError turns service and engine failures into the API error shape. Local
// refusals come first; anything else carrying a remote status is reported as
// an upstream failure.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}

	var concurrent *engine.ConcurrentMutationError
	if errors.As(err, &concurrent) {
		return http.StatusConflict, "MUTATION_IN_FLIGHT", concurrent.UserMessage(), map[string]any{"entryId": concurrent.EntryID}
	}
	var resync *engine.ReactionResyncRequired
	if errors.As(err, &resync) {
		return http.StatusConflict, "REACTION_RESYNCED", resync.UserMessage(), map[string]any{"entryId": resync.EntryID, "resynced": resync.Resynced}
	}

	message = engine.UserMessage(err)
	switch {
	case errors.Is(err, engine.ErrEmptyBody):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", message, nil
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", message, nil
	case errors.Is(err, engine.ErrProvisional):
		return http.StatusConflict, "ENTRY_PROVISIONAL", message, nil
	case errors.Is(err, engine.ErrNotLoaded):
		return http.StatusConflict, "THREAD_NOT_LOADED", message, nil
	}

	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		details = map[string]any{"remoteStatus": remoteErr.Status}
		switch remoteErr.Status {
		case http.StatusNotFound:
			return http.StatusNotFound, "NOT_FOUND", message, details
		case http.StatusForbidden:
			return http.StatusForbidden, "FORBIDDEN", message, details
		case http.StatusUnprocessableEntity, http.StatusBadRequest:
			return http.StatusUnprocessableEntity, "REMOTE_REJECTED", message, details
		case http.StatusTooManyRequests:
			return http.StatusTooManyRequests, "RATE_LIMITED", message, details
		case http.StatusGatewayTimeout:
			return http.StatusGatewayTimeout, "REMOTE_TIMEOUT", message, details
		default:
			return http.StatusBadGateway, "REMOTE_ERROR", message, details
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
