package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shelfread/internal/app"
	"shelfread/internal/ratelimit"
	"shelfread/internal/servicetoken"
	"shelfread/internal/usertoken"
	"shelfread/internal/util"
	"shelfread/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                         *app.App
	TokenVerifier               *usertoken.Verifier
	InternalJWTPublicKeyPath    string
	InternalJWTVerifyPublicKeys map[string]string
	InternalJWTKeyID            string
	InternalVerifier            *servicetoken.Verifier
	ReadLimiter                 *ratelimit.FixedWindowLimiter
	TrustedProxies              *util.TrustedProxies
	MaxUploadBytes              int64
}

// Server exposes the reading gateway's HTTP endpoints.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	internalVerify *servicetoken.Verifier
	readLimiter    *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		internalVerify: cfg.InternalVerifier,
		readLimiter:    cfg.ReadLimiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	if s.internalVerify == nil {
		verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			PublicKeyPath:      strings.TrimSpace(cfg.InternalJWTPublicKeyPath),
			VerifyPublicKeyMap: cfg.InternalJWTVerifyPublicKeys,
			DefaultKeyID:       cfg.InternalJWTKeyID,
			Audience:           "reader",
			AllowedIssuers:     []string{"payment-service"},
			Leeway:             servicetoken.DefaultLeeway,
		})
		if err != nil {
			return nil, err
		}
		s.internalVerify = verifier
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("reader", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/internal/subscriptions", s.withInternal(s.handleInternalSubscription))

	s.mux.Handle("/read/", s.withUser(s.handleRead))
	s.mux.Handle("/books", s.withUser(s.handleBooks))
	s.mux.Handle("/books/", s.withUser(s.handleBookByID))
	s.mux.Handle("/progress/me", s.withUser(s.handleMyProgress))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		identity, err := s.tokenVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user := domain.User{ID: identity.Subject, Role: domain.RoleUser}
		if identity.Role == string(domain.RoleAdmin) {
			user.Role = domain.RoleAdmin
		}
		next(w, r, user)
	})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalVerify == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.internalVerify.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// /read/{book_id}/{page_number}
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.readLimiter != nil {
		key := util.ClientIP(r, s.trustedProxies) + ":" + user.ID
		if !s.readLimiter.Allow(key) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}
	rest := strings.TrimPrefix(r.URL.Path, "/read/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		notFound(w, "not found")
		return
	}
	pageNumber, err := strconv.Atoi(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	result, err := s.app.GetPage(r.Context(), user.ID, parts[0], pageNumber)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if result.Blocked {
		writeJSON(w, http.StatusForbidden, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBooks(w, r)
	case http.MethodPost:
		s.handleCreateBook(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

// /books/{id}, /books/{id}/unlock-share, /books/{id}/rebuild
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "unlock-share":
			s.handleUnlockShare(w, r, user, id)
		case "rebuild":
			s.handleRebuild(w, r, user, id)
		default:
			notFound(w, "not found")
		}
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	book, ok, err := s.app.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "book not found")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleUnlockShare(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	unlock, created, err := s.app.UnlockShare(r.Context(), user.ID, id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"created":     created,
		"book_id":     unlock.BookID,
		"unlocked_at": unlock.CreatedAt,
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if user.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	count, err := s.app.RebuildBook(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"book_id":     id,
		"total_pages": count,
	})
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.ListBooks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	if user.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	pdf, _, err := formFileBytes(r, "pdf")
	if err != nil {
		writeError(w, http.StatusBadRequest, "pdf file is required (field: pdf)")
		return
	}
	in := app.CreateBookInput{
		Title:       r.FormValue("title"),
		Author:      r.FormValue("author"),
		Description: r.FormValue("description"),
		Tier:        domain.BookTier(strings.TrimSpace(r.FormValue("book_type"))),
		PDF:         pdf,
	}
	if tags := strings.TrimSpace(r.FormValue("tags")); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				in.Tags = append(in.Tags, tag)
			}
		}
	}
	if cover, name, err := formFileBytes(r, "cover"); err == nil {
		in.Cover = cover
		in.CoverName = name
	}
	book, err := s.app.CreateBook(r.Context(), in)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleMyProgress(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	progress, err := s.app.MyProgress(user.ID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": progress,
		"count": len(progress),
	})
}

func (s *Server) handleInternalSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req subscriptionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid expiry timestamp")
		return
	}
	sub, err := s.app.RecordSubscription(req.UserID, expiresAt)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrBookNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	case errors.Is(err, app.ErrPageNotFound):
		writeError(w, http.StatusNotFound, "page not found")
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrBuildFailed):
		writeError(w, http.StatusConflict, "page build failed")
	case errors.Is(err, app.ErrStorageUnavailable):
		writeError(w, http.StatusBadGateway, "storage unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func formFileBytes(r *http.Request, field string) ([]byte, string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", err
	}
	return data, header.Filename, nil
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
		Code:      errorCodeForReader(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForReader(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "token verifier not configured", message == "internal auth not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "READER_FORBIDDEN"
	case message == "book not found":
		return "READER_BOOK_NOT_FOUND"
	case message == "page not found":
		return "READER_PAGE_NOT_FOUND"
	case message == "page build failed":
		return "READER_BUILD_FAILED"
	case message == "storage unavailable":
		return "READER_STORAGE_UNAVAILABLE"
	case message == "too many requests":
		return "READER_RATE_LIMITED"
	case message == "invalid page number":
		return "READER_INVALID_PAGE"
	case message == "invalid form data":
		return "READER_INVALID_UPLOAD_FORM"
	case message == "invalid json body":
		return "READER_INVALID_REQUEST"
	case strings.Contains(message, "file is required"):
		return "READER_FILE_REQUIRED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "READER_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "READER_FORBIDDEN"
	case http.StatusNotFound:
		return "READER_NOT_FOUND"
	case http.StatusConflict:
		return "READER_BUILD_FAILED"
	case http.StatusTooManyRequests:
		return "READER_RATE_LIMITED"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

type subscriptionRequest struct {
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
