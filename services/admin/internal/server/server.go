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
	"librarysync/services/admin/internal/app"
)

// ConsumerStatus reports the consumer loop state for /healthz.
type ConsumerStatus interface {
	State() broker.State
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Consumer ConsumerStatus
	// Limiter guards mutating routes; nil disables rate limiting.
	Limiter        ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the admin HTTP API.
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

	// catalog
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBookPath)

	// users
	s.mux.HandleFunc("/users", s.handleUsers)
	s.mux.HandleFunc("/users/", s.handleUserByID)

	// lending
	s.mux.HandleFunc("/lending/", s.handleLending)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := broker.StateDisconnected
	if s.consumer != nil {
		state = s.consumer.State()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "consumer": state.String()})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listBooks(w, r, nil)
	case http.MethodPost:
		var in app.BookInput
		if !decodeJSON(w, r, &in) {
			return
		}
		book, err := s.app.CreateBook(r.Context(), in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, book)
	default:
		methodNotAllowed(w)
	}
}

// /books/{id}, /books/available, /books/unavailable
func (s *Server) handleBookPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/books/"), "/")
	switch rest {
	case "":
		s.handleBooks(w, r)
		return
	case "available", "unavailable":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		available := rest == "available"
		s.listBooks(w, r, &available)
		return
	}
	id, ok := parseID(rest)
	if !ok {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPut:
		var in app.BookInput
		if !decodeJSON(w, r, &in) {
			return
		}
		book, err := s.app.UpdateBook(r.Context(), id, in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		book, err := s.app.DeleteBook(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) listBooks(w http.ResponseWriter, r *http.Request, available *bool) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	books, err := s.app.ListBooks(r.Context(), available, page)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	users, err := s.app.ListUsers(r.Context(), page)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users/"), "/")
	if rest == "" {
		s.handleUsers(w, r)
		return
	}
	id, ok := parseID(rest)
	if !ok {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		user, err := s.app.GetUser(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPut:
		var in app.UserInput
		if !decodeJSON(w, r, &in) {
			return
		}
		user, err := s.app.UpdateUser(r.Context(), id, in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	default:
		methodNotAllowed(w)
	}
}

// /lending/{action}[/{id}]
func (s *Server) handleLending(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/lending/"), "/")
	parts := strings.SplitN(path, "/", 2)
	action := parts[0]
	arg := ""
	if len(parts) == 2 {
		arg = parts[1]
	}

	switch action {
	case "return", "return-book":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		id, ok := parseID(arg)
		if !ok {
			notFound(w, "not found")
			return
		}
		lending, err := s.app.ReturnLending(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, lending)
		return
	case "user-borrowings":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		id, ok := parseID(arg)
		if !ok {
			notFound(w, "not found")
			return
		}
		lendings, err := s.app.UserBorrowings(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, lendings)
		return
	}

	if arg != "" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var (
		result any
		err    error
	)
	switch action {
	case "borrowed-books":
		page, ok := parsePage(w, r)
		if !ok {
			return
		}
		result, err = s.app.BorrowedBooks(r.Context(), page)
	case "unavailable-books":
		result, err = s.app.UnavailableBooks(r.Context())
	case "overdue-books":
		result, err = s.app.OverdueBooks(r.Context())
	default:
		notFound(w, "not found")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
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
	for name, dst := range map[string]*int{"skip": &page.Skip, "limit": &page.Limit} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return store.Page{}, false
		}
		*dst = n
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
	case errors.Is(err, app.ErrAlreadyReturned),
		errors.Is(err, app.ErrBookFieldsRequired),
		errors.Is(err, app.ErrISBNExists),
		errors.Is(err, app.ErrUserFieldsRequired),
		errors.Is(err, app.ErrEmailExists):
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
		Code:      errorCodeForAdmin(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForAdmin(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "book not found":
		return "BOOK_NOT_FOUND"
	case "user not found":
		return "USER_NOT_FOUND"
	case "lending record not found":
		return "LENDING_NOT_FOUND"
	case "this book has already been returned":
		return "LENDING_ALREADY_RETURNED"
	case "isbn already exists":
		return "BOOK_ISBN_EXISTS"
	case "email already exists":
		return "USER_EMAIL_EXISTS"
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
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
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
