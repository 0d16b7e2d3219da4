package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"library-circulation/library"
)

var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// Server exposes the circulation service over JSON/HTTP. Identity comes from
// headers set by the upstream auth provider.
type Server struct {
	lm  *library.LibraryManager
	log *zap.Logger
	mux *http.ServeMux
}

type contextKey string

const (
	requestIDKey contextKey = "req_id"
	identityKey  contextKey = "identity"
)

const (
	headerRequestID = "X-Request-ID"
	headerUserID    = "X-User-ID"
	headerUserRole  = "X-User-Role"
)

// Identity is the caller as asserted by the auth provider.
type Identity struct {
	UserID int64
	Role   library.Role
}

func NewServer(lm *library.LibraryManager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{lm: lm, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.withAccessLog(withIdentity(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /v1/circulation/issue", s.staff(s.handleIssue))
	s.mux.HandleFunc("POST /v1/circulation/return", s.staff(s.handleReturn))
	s.mux.HandleFunc("POST /v1/circulation/renew", s.member(s.handleRenew))

	s.mux.HandleFunc("POST /v1/reservations", s.member(s.handleCreateReservation))
	s.mux.HandleFunc("DELETE /v1/reservations/{id}", s.member(s.handleCancelReservation))
	s.mux.HandleFunc("POST /v1/reservations/{id}/fulfill", s.staff(s.handleFulfillReservation))

	s.mux.HandleFunc("GET /v1/books", s.member(s.handleListBooks))
	s.mux.HandleFunc("GET /v1/books/{id}", s.member(s.handleGetBook))
	s.mux.HandleFunc("GET /v1/books/{id}/copies", s.member(s.handleListCopies))
	s.mux.HandleFunc("GET /v1/books/{id}/queue", s.member(s.handleQueue))
	s.mux.HandleFunc("GET /v1/books/{id}/ledger", s.staff(s.handleLedger))

	s.mux.HandleFunc("PUT /v1/fines/{id}/waive", s.staff(s.handleWaiveFine))
	s.mux.HandleFunc("PUT /v1/fines/{id}/pay", s.staff(s.handlePayFine))

	s.mux.HandleFunc("GET /v1/members/{id}/loans", s.member(s.handleMemberLoans))
	s.mux.HandleFunc("GET /v1/members/{id}/fines", s.member(s.handleMemberFines))
	s.mux.HandleFunc("GET /v1/members/{id}/reservations", s.member(s.handleMemberReservations))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.lm.Database().Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- middleware ---

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// withIdentity parses the identity headers. A request without them carries
// no identity; handlers that need one reject it.
func withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(headerUserID))
		if raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid "+headerUserID+" header")
				return
			}
			role := library.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerUserRole))))
			if role == "" {
				role = library.RoleMember
			}
			if !role.Valid() {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid "+headerUserRole+" header")
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), identityKey, Identity{UserID: id, Role: role}))
		}
		next.ServeHTTP(w, r)
	})
}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

type identityHandler func(w http.ResponseWriter, r *http.Request, who Identity)

// member requires any authenticated caller.
func (s *Server) member(h identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, ok := identityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
			return
		}
		h(w, r, who)
	}
}

// staff requires a librarian or admin.
func (s *Server) staff(h identityHandler) http.HandlerFunc {
	return s.member(func(w http.ResponseWriter, r *http.Request, who Identity) {
		if !who.Role.IsStaff() {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "staff role required")
			return
		}
		h(w, r, who)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			zap.String("req_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()))
	})
}
