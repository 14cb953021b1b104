package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ejunz/api/internal/gitsync"
	"ejunz/api/internal/mindmap"
	"ejunz/api/internal/store"

	"go.uber.org/zap"
)

type wsServer interface {
	Serve(w http.ResponseWriter, r *http.Request, domainID, docID string) error
}

type HTTPServer struct {
	service    *Service
	ws         wsServer
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, ws wsServer, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, ws: ws, corsOrigin: corsOrigin, log: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
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

	parts := splitPath(r.URL.Path)
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "d" && parts[3] == "base" {
		s.handleBase(w, r, parts[2], parts[4:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleBase dispatches everything under /api/d/{domain}/base.
func (s *HTTPServer) handleBase(w http.ResponseWriter, r *http.Request, domainID string, rest []string) {
	action := actionForMethod(r, rest)
	if !s.requireAccess(w, r, domainID, action) {
		return
	}
	actor := actorName(r)

	// /api/d/{domain}/base
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListDocuments(r.Context(), domainID)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		case http.MethodPost:
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateDocument(r.Context(), domainID, body.Title, actor)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	// /api/d/{domain}/base/search
	if len(rest) == 1 && rest[0] == "search" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)
		payload, err := s.service.Search(r.Context(), domainID, q, limit, offset)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	docID := rest[0]
	rest = rest[1:]

	// /api/d/{domain}/base/{doc}
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.GetDocument(r.Context(), domainID, docID, r.URL.Query().Get("branch"))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	switch rest[0] {
	case "branches":
		s.handleBranches(w, r, domainID, docID, rest[1:], actor)
	case "data":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body store.BranchData
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SaveData(r.Context(), domainID, docID, r.URL.Query().Get("branch"), body, actor)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "cards":
		s.handleCards(w, r, domainID, docID, rest[1:], actor)
	case "export":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Branch  string `json:"branch"`
			Message string `json:"message"`
			Push    bool   `json:"push"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Export(r.Context(), domainID, docID, body.Branch, body.Message, body.Push, actor)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "import":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Branch string `json:"branch"`
			Pull   bool   `json:"pull"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Import(r.Context(), domainID, docID, body.Branch, body.Pull, actor)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "status":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.Status(r.Context(), domainID, docID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "history":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		limit := queryInt(r, "limit", 50)
		items, err := s.service.History(r.Context(), domainID, docID, r.URL.Query().Get("branch"), limit)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": items})
	case "remote":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			URL   string `json:"url"`
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetRemote(r.Context(), domainID, docID, body.URL, body.Token)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "ws":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if s.ws == nil {
			writeError(w, http.StatusServiceUnavailable, "WS_UNAVAILABLE", "WebSocket channel not configured", nil)
			return
		}
		if err := s.ws.Serve(w, r, domainID, docID); err != nil {
			s.log.Warn("websocket upgrade", zap.String("doc", docID), zap.Error(err))
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleBranches(w http.ResponseWriter, r *http.Request, domainID, docID string, rest []string, actor string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListBranches(r.Context(), domainID, docID)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var body struct {
				Name string `json:"name"`
				From string `json:"from"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateBranch(r.Context(), domainID, docID, body.Name, body.From, actor)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	branch := rest[0]
	if len(rest) == 1 && r.Method == http.MethodDelete {
		if err := s.service.DeleteBranch(r.Context(), domainID, docID, branch, actor); err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if len(rest) == 2 && rest[1] == "switch" && r.Method == http.MethodPost {
		payload, err := s.service.SwitchBranch(r.Context(), domainID, docID, branch, actor)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCards(w http.ResponseWriter, r *http.Request, domainID, docID string, rest []string, actor string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		cards, err := s.service.ListCards(r.Context(), domainID, docID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
		return
	}

	if len(rest) == 0 && r.Method == http.MethodPost {
		var card store.Card
		if err := decodeBody(r, &card); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		saved, err := s.service.SaveCard(r.Context(), domainID, docID, card, actor)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"card": saved})
		return
	}

	if len(rest) >= 1 {
		cardID := rest[0]

		if len(rest) == 1 {
			switch r.Method {
			case http.MethodPut:
				var card store.Card
				if err := decodeBody(r, &card); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				card.ID = cardID
				saved, err := s.service.SaveCard(r.Context(), domainID, docID, card, actor)
				if err != nil {
					s.respondError(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"card": saved})
			case http.MethodDelete:
				if err := s.service.DeleteCard(r.Context(), domainID, docID, cardID, actor); err != nil {
					s.respondError(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}

		if len(rest) == 2 && rest[1] == "attachments" {
			switch r.Method {
			case http.MethodGet:
				items, err := s.service.ListAttachments(r.Context(), domainID, docID, cardID)
				if err != nil {
					s.respondError(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"attachments": items})
			case http.MethodPost:
				s.handleUpload(w, r, domainID, docID, cardID, actor)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}

		if len(rest) == 3 && rest[1] == "attachments" && r.Method == http.MethodGet {
			url, err := s.service.AttachmentURL(r.Context(), domainID, docID, cardID, rest[2])
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"url": url})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, domainID, docID, cardID, actor string) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart form required", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	att, err := s.service.UploadAttachment(r.Context(), domainID, docID, cardID, header.Filename, file, header.Size, contentType, actor)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachment": att})
}

func (s *HTTPServer) requireAccess(w http.ResponseWriter, r *http.Request, domainID, action string) bool {
	token := bearerToken(r)
	if token == "" {
		// websocket clients cannot set headers from the browser
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if !s.service.Can(domainID, token, action) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func (s *HTTPServer) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, code, message, details)
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

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
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

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Ejunz-Actor")
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
		if errors.Is(err, io.EOF) {
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

func actorName(r *http.Request) string {
	actor := strings.TrimSpace(r.Header.Get("X-Ejunz-Actor"))
	if actor == "" {
		return "system"
	}
	return actor
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func actionForMethod(r *http.Request, rest []string) string {
	if len(rest) >= 2 {
		switch rest[1] {
		case "export", "import", "remote":
			return ActionSync
		}
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return ActionRead
	default:
		return ActionWrite
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, mindmap.ErrBranchNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, mindmap.ErrBranchExists):
		return http.StatusConflict, "BRANCH_EXISTS", "Branch already exists", nil
	case errors.Is(err, mindmap.ErrProtectedBranch):
		return http.StatusConflict, "BRANCH_PROTECTED", "Branch cannot be deleted", nil
	case errors.Is(err, mindmap.ErrInvalidName):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid branch name", nil
	case errors.Is(err, store.ErrRevConflict):
		return http.StatusConflict, "REV_CONFLICT", "Document was modified concurrently", nil
	case errors.Is(err, gitsync.ErrNoRemote):
		return http.StatusConflict, "NO_REMOTE", "No remote configured", nil
	case errors.Is(err, gitsync.ErrAuthFailed):
		return http.StatusBadGateway, "REMOTE_AUTH_FAILED", "Remote authentication failed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
