package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves the ingestion webhook, queue status and dead letter management, health, and prometheus metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		api := &apiServer{env: e}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", api.health)
		r.Handle("/metrics", promhttp.Handler())
		r.Post("/webhook/comments", api.ingestComment)
		r.Get("/queue/status", api.queueStatus)
		r.Post("/queue/{id}/cancel", api.cancelJob)
		r.Get("/dlq", api.listDeadLetters)
		r.Post("/dlq/{id}/requeue", api.requeueDeadLetter)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type apiServer struct {
	env *env
}

func (s *apiServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingestComment accepts one comment and enqueues its analysis, bypassing
// the fetch stage. The response never leaks other tenants' state: errors
// surface as status plus a reason code only.
func (s *apiServer) ingestComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID          string `json:"tenant_id"`
		Platform          string `json:"platform"`
		PlatformCommentID string `json:"platform_comment_id"`
		PlatformUserID    string `json:"platform_user_id"`
		PlatformUserName  string `json:"platform_user_name"`
		Text              string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.TenantID == "" || req.Platform == "" || req.PlatformCommentID == "" || req.PlatformUserID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id, platform, platform_comment_id, platform_user_id, and text are required"})
		return
	}

	if err := s.env.Ledger.CheckQuota(r.Context(), req.TenantID, model.ResourceIngestion); err != nil {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "quota"})
		return
	}

	comment := &model.Comment{
		TenantID:          req.TenantID,
		Platform:          model.Platform(req.Platform),
		PlatformCommentID: req.PlatformCommentID,
		PlatformUserID:    req.PlatformUserID,
		PlatformUserName:  req.PlatformUserName,
		Text:              norm.NFC.String(req.Text),
	}
	stored, err := s.env.Store.CreateComment(r.Context(), comment)
	duplicate := err != nil && eris.Is(err, store.ErrDuplicate)
	if err != nil && !duplicate {
		zap.L().Error("api: store comment failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}

	if !duplicate {
		key := fmt.Sprintf("ingest:%s:%s:%s", stored.TenantID, stored.Platform, stored.PlatformCommentID)
		if err := s.env.Ledger.Record(r.Context(), stored.TenantID, model.ResourceIngestion, 1, key); err != nil {
			zap.L().Warn("api: usage record failed", zap.Error(err))
		}
	}

	payload, _ := json.Marshal(model.AnalysisPayload{CommentID: stored.ID})
	key := fmt.Sprintf("analysis:%s:%s:%s", stored.TenantID, stored.Platform, stored.PlatformCommentID)
	job := queue.NewJob(model.RoleAnalysis, stored.TenantID, key, model.PriorityNormal, payload, cfg.Queue.MaxAttempts)
	if _, err := s.env.Queue.Enqueue(r.Context(), job); err != nil && !queue.IsSentinel(err) {
		zap.L().Error("api: enqueue analysis failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}

	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{
		"comment_id": stored.ID,
		"status":     "accepted",
	})
}

func (s *apiServer) queueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.env.Queue.Stats(r.Context())
	if err != nil {
		zap.L().Error("api: queue stats failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *apiServer) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.env.Queue.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case eris.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case eris.Is(err, queue.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "not cancellable"})
	default:
		zap.L().Error("api: cancel failed", zap.String("job_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func (s *apiServer) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.env.Queue.ListDeadLetters(r.Context(), limit)
	if err != nil {
		zap.L().Error("api: list dead letters failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *apiServer) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.env.Queue.RequeueDeadLetter(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
	case eris.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		zap.L().Error("api: requeue failed", zap.String("job_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
