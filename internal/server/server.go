// Package server exposes the question and consolidation paths over HTTP.
// Handlers are thin: decode, delegate to the assembler and store, encode.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kshen3778/preceptra/internal/answer"
	"github.com/kshen3778/preceptra/internal/sop"
	"github.com/kshen3778/preceptra/internal/store"
)

// Server serves the HTTP API.
type Server struct {
	db        *sql.DB
	assembler *answer.Assembler
	addr      string
}

// New creates a server on the given listen address.
func New(db *sql.DB, assembler *answer.Assembler, addr string) *Server {
	return &Server{db: db, assembler: assembler, addr: addr}
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      loggingMiddleware(s.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 300 * time.Second,
	}

	zap.L().Info("server starting", zap.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the API routes. Exposed separately so tests can drive
// the mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ask", s.handleAsk)
	mux.HandleFunc("/api/summarize", s.handleSummarize)
	mux.HandleFunc("/api/sops", s.handleSOPs)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/health", s.handleHealth)
	return mux
}

type askRequest struct {
	Task     string `json:"task"`
	Question string `json:"question"`
	TopK     int    `json:"topK,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Task == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "task and question are required")
		return
	}

	ctx := r.Context()
	transcripts, err := store.Transcripts(ctx, s.db, req.Task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	knowledge, err := store.LatestSOP(ctx, s.db, req.Task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	res, err := s.assembler.Answer(ctx, req.Question, transcripts, answer.Options{
		TopK:      req.TopK,
		Knowledge: knowledge,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type summarizeRequest struct {
	Task string `json:"task"`
	Save bool   `json:"save,omitempty"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	ctx := r.Context()
	transcripts, err := store.Transcripts(ctx, s.db, req.Task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(transcripts) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no transcripts for task %q", req.Task))
		return
	}

	res, err := s.assembler.Summarize(ctx, transcripts)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if req.Save {
		record := &sop.SOP{TaskName: req.Task, Markdown: res.Markdown, Notes: res.Notes}
		if err := store.SaveSOP(ctx, s.db, record); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSOPs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task := r.URL.Query().Get("task")
	if task == "" {
		writeError(w, http.StatusBadRequest, "task query parameter is required")
		return
	}

	sops, err := store.SOPs(r.Context(), s.db, task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sops == nil {
		sops = []sop.SOP{}
	}
	writeJSON(w, http.StatusOK, sops)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tasks, err := store.Tasks(r.Context(), s.db)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []string{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		zap.L().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
