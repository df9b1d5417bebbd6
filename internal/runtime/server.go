package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chenpipi0807/PIP-Assistant/internal/chat"
	"github.com/chenpipi0807/PIP-Assistant/internal/conversation"
	"github.com/chenpipi0807/PIP-Assistant/internal/extract"
	"github.com/chenpipi0807/PIP-Assistant/internal/ratelimit"
	"github.com/chenpipi0807/PIP-Assistant/internal/sse"
	"github.com/chenpipi0807/PIP-Assistant/internal/telemetry"
)

// Version is reported by /healthz and the version command.
var Version = "0.1.0"

// Server is the HTTP surface of the assistant.
type Server struct {
	mux        *http.ServeMux
	mu         sync.Mutex
	server     *http.Server
	closed     bool
	logger     *slog.Logger
	store      *conversation.Store
	controller *chat.Controller
	extractor  extract.Extractor
	limiter    *ratelimit.Limiter
	metrics    *telemetry.Metrics
	maxUpload  int64
	startTime  time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics enables /metrics and request instrumentation.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter limits /ask, /upload and /search per client.
func WithRateLimiter(l *ratelimit.Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithMaxUploadBytes bounds multipart upload bodies.
func WithMaxUploadBytes(n int64) ServerOption {
	return func(s *Server) { s.maxUpload = n }
}

// NewServer creates the HTTP server.
func NewServer(store *conversation.Store, controller *chat.Controller, extractor extract.Extractor, opts ...ServerOption) *Server {
	s := &Server{
		store:      store,
		controller: controller,
		extractor:  extractor,
		logger:     slog.Default(),
		maxUpload:  extract.DefaultMaxBytes,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	limited := func(h http.HandlerFunc) http.Handler {
		if s.limiter == nil {
			return h
		}
		return s.limiter.Middleware(ratelimit.ClientIPKeyFunc)(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("POST /ask", limited(s.handleAsk))
	mux.HandleFunc("GET /conversations", s.handleListConversations)
	mux.HandleFunc("POST /conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /conversations/{id}", s.handleDeleteConversation)
	mux.Handle("POST /upload", limited(s.handleUpload))
	mux.Handle("POST /search", limited(s.handleSearch))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.recoverMiddleware(s.correlationMiddleware(s.loggingMiddleware(s.mux)))
}

// ListenAndServe starts the HTTP server and blocks until Shutdown. It
// returns nil at once when Shutdown already ran.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("server starting", "addr", addr, "conversations", s.store.Len())
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server. Open streams are given until ctx
// expires to finish. A later ListenAndServe does not start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"uptime":        time.Since(s.startTime).String(),
		"conversations": s.store.Len(),
		"version":       Version,
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req chat.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stream, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	res, err := s.controller.Ask(r.Context(), req, stream)
	if err != nil && !stream.Started() {
		if chat.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res != nil {
		telemetry.RequestLogger(s.logger, r.Context()).Debug("ask finished",
			"conversation_id", res.ConversationID,
			"state", res.State.String(),
			"events", stream.Count(),
		)
	}
}

// conversationView adds the fields web clients read to a Conversation.
type conversationView struct {
	*conversation.Conversation
	Title          string `json:"title"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list := s.store.List(r.Context())
	views := make([]conversationView, len(list))
	for i, c := range list {
		views[i] = conversationView{Conversation: c, Title: c.Title()}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	c := s.store.Create(r.Context())
	writeJSON(w, http.StatusCreated, conversationView{
		Conversation:   c,
		Title:          c.Title(),
		ConversationID: c.ID,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, ok := s.store.Get(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("conversation %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, conversationView{Conversation: c, Title: c.Title()})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("conversation %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Leave room for the other form fields around the file part.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, chat.ErrNoFile.Error())
		return
	}

	kind, err := extract.ParseKind(r.FormValue("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger := telemetry.RequestLogger(s.logger, r.Context()).With("filename", header.Filename, "kind", string(kind))
	content, err := s.extractor.Extract(r.Context(), kind, header.Filename, file)
	if err != nil {
		logger.Warn("extraction failed", "error", err)
		status := http.StatusBadRequest
		if errors.Is(err, extract.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, fmt.Sprintf("processing file failed: %v", err))
		return
	}

	answer, err := s.controller.Analyze(r.Context(), chat.Upload{
		Filename: header.Filename,
		Kind:     string(kind),
		Question: r.FormValue("message"),
		Content:  content,
	})
	if err != nil {
		logger.Error("file analysis failed", "error", err)
		writeError(w, statusFor(err), fmt.Sprintf("processing file failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"content": answer.Content,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	answer, err := s.controller.Search(r.Context(), req.Query)
	if err != nil {
		if !chat.IsValidation(err) {
			telemetry.RequestLogger(s.logger, r.Context()).Error("search failed", "error", err)
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	var upErr *chat.UpstreamError
	switch {
	case chat.IsValidation(err):
		return http.StatusBadRequest
	case errors.As(err, &upErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
