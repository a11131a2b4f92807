package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"librarysync/internal/ratelimit"
	"librarysync/internal/util"
	"librarysync/pkg/broker"
	"librarysync/pkg/store"
	"librarysync/services/frontend/internal/app"
)

// ConsumerStatus reports the consumer loop state for /healthz.
type ConsumerStatus interface {
	State() broker.State
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Consumer ConsumerStatus
	// Limiter guards registration, borrow and return; nil disables it.
	Limiter        ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the patron-facing HTTP API.
type Server struct {
	app      *app.App
	consumer ConsumerStatus
	limiter  ratelimit.Limiter
	trusted  *util.TrustedProxies
	mux      *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:      cfg.App,
		consumer: cfg.Consumer,
		limiter:  cfg.Limiter,
		trusted:  cfg.TrustedProxies,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	limited := ratelimit.Middleware(s.limiter, app.ServiceName, s.trusted, 60, s.mux)
	return util.WithRequestID(app.ServiceName, util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(limited))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/users", s.handleUsers)
	s.mux.HandleFunc("/users/", s.handleUsers)
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBookByID)
	s.mux.HandleFunc("/lending/borrow", s.handleBorrow)
	s.mux.HandleFunc("/lending/borrow/", s.handleBorrow)
	s.mux.HandleFunc("/lending/return/", s.handleReturn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := broker.StateDisconnected
	if s.consumer != nil {
		state = s.consumer.State()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "consumer": state.String()})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/") != "" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in app.UserInput
	if !decodeJSON(w, r, &in) {
		return
	}
	user, err := s.app.CreateUser(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	books, err := s.app.ListBooks(r.Context(), q.Get("publisher"), q.Get("category"), page)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/books/"), "/")
	if rest == "" {
		s.handleBooks(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, ok := parseID(rest)
	if !ok {
		notFound(w, "not found")
		return
	}
	book, err := s.app.GetBook(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	if strings.Trim(strings.TrimPrefix(r.URL.Path, "/lending/borrow"), "/") != "" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in app.BorrowInput
	if !decodeJSON(w, r, &in) {
		return
	}
	lending, err := s.app.Borrow(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lending)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, ok := parseID(strings.Trim(strings.TrimPrefix(r.URL.Path, "/lending/return/"), "/"))
	if !ok {
		notFound(w, "not found")
		return
	}
	lending, err := s.app.Return(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lending)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parsePage(w http.ResponseWriter, r *http.Request) (store.Page, bool) {
	q := r.URL.Query()
	var page store.Page
	if raw := strings.TrimSpace(q.Get("skip")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid skip")
			return store.Page{}, false
		}
		page.Skip = n
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return store.Page{}, false
		}
		page.Limit = n
	}
	return page, true
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var pubErr *broker.PublishError
	switch {
	case errors.Is(err, app.ErrBookNotFound),
		errors.Is(err, app.ErrUserNotFound),
		errors.Is(err, app.ErrLendingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrEmailRegistered),
		errors.Is(err, app.ErrBookUnavailable),
		errors.Is(err, app.ErrAlreadyReturned),
		errors.Is(err, app.ErrInvalidEmail),
		errors.Is(err, app.ErrUserFieldsRequired),
		errors.Is(err, app.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &pubErr):
		util.LoggerFromContext(r.Context()).Error("event publish failed after commit", "event_type", pubErr.EventType, "err", pubErr.Err)
		writeError(w, http.StatusBadGateway, "change saved but event publish failed")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForFrontend(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForFrontend(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "email already registered":
		return "USER_EMAIL_EXISTS"
	case "book not found":
		return "BOOK_NOT_FOUND"
	case "user not found":
		return "USER_NOT_FOUND"
	case "lending record not found":
		return "LENDING_NOT_FOUND"
	case "book is not available for borrowing":
		return "BOOK_UNAVAILABLE"
	case "book already returned":
		return "LENDING_ALREADY_RETURNED"
	case "invalid json body":
		return "REQUEST_INVALID_JSON"
	case "change saved but event publish failed":
		return "EVENT_PUBLISH_FAILED"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusBadGateway:
		return "EVENT_PUBLISH_FAILED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}
