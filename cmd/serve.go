package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/platevision/monitor-cli/internal/assets"
	"github.com/platevision/monitor-cli/internal/model"
	"github.com/platevision/monitor-cli/internal/monitoring"
	"github.com/platevision/monitor-cli/pkg/visionapi"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline with an HTTP inspection surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSession("serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Pipeline.Start(ctx, cfg.Stream.Token); err != nil {
			return err
		}

		// Health monitoring
		staleAfter := time.Duration(cfg.Monitoring.StaleAfterSecs) * time.Second
		collector := monitoring.NewCollector(env.Pipeline, env.Merger, env.Cache, staleAfter)
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		if _, err := env.Bus.Subscribe(string(model.EventSystemAlert), alerter.OnSystemAlert); err != nil {
			return err
		}
		checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)
		go checker.Run(ctx)

		// Routes
		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			serveJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/api/status", func(w http.ResponseWriter, req *http.Request) {
			snap, err := collector.Collect(req.Context())
			if err != nil {
				serveJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			serveJSON(w, http.StatusOK, snap)
		})

		r.Get("/api/detections", func(w http.ResponseWriter, _ *http.Request) {
			records := env.Pipeline.Records()
			serveJSON(w, http.StatusOK, map[string]any{
				"count":      len(records),
				"detections": records,
			})
		})

		r.Get("/api/detections/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
			if err != nil {
				serveJSON(w, http.StatusBadRequest, map[string]string{"error": "bad detection id"})
				return
			}
			rec, ok := env.Merger.Get(id)
			if !ok {
				serveJSON(w, http.StatusNotFound, map[string]string{"error": "unknown detection"})
				return
			}
			serveJSON(w, http.StatusOK, rec)
		})

		r.Post("/api/detections/{id}/review", func(w http.ResponseWriter, req *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
			if err != nil {
				serveJSON(w, http.StatusBadRequest, map[string]string{"error": "bad detection id"})
				return
			}
			if env.Backend == nil {
				serveJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no backend configured"})
				return
			}
			var review model.Review
			if err := json.NewDecoder(req.Body).Decode(&review); err != nil {
				serveJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed review payload"})
				return
			}

			updated, err := env.Backend.SubmitReview(req.Context(), id, review)
			if err != nil {
				var se *visionapi.SubmissionError
				if errors.As(err, &se) {
					serveJSON(w, se.StatusCode, map[string]string{"error": se.Message})
					return
				}
				serveJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
				return
			}

			// An open window for the reviewed detection is settled.
			if cur, open := env.Attention.Current(); open && cur.Detection.ID == id {
				env.Attention.Dismiss()
			}
			serveJSON(w, http.StatusOK, updated)
		})

		r.Get("/api/attention", func(w http.ResponseWriter, _ *http.Request) {
			win, open := env.Attention.Current()
			if !open {
				serveJSON(w, http.StatusOK, map[string]any{"open": false})
				return
			}
			serveJSON(w, http.StatusOK, map[string]any{"open": true, "window": win})
		})

		r.Get("/api/cache", func(w http.ResponseWriter, _ *http.Request) {
			serveJSON(w, http.StatusOK, cacheView(env.Cache))
		})

		r.Delete("/api/cache/{subject}/{kind}", func(w http.ResponseWriter, req *http.Request) {
			subject, err := strconv.ParseInt(chi.URLParam(req, "subject"), 10, 64)
			if err != nil {
				serveJSON(w, http.StatusBadRequest, map[string]string{"error": "bad subject id"})
				return
			}
			env.Cache.Invalidate(assets.Key{SubjectID: subject, Kind: chi.URLParam(req, "kind")})
			w.WriteHeader(http.StatusNoContent)
		})

		port := servePort
		if port == 0 {
			port = cfg.Serve.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("serve: shutting down")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("serve: listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "serve: listen")
		}

		return nil
	},
}

// cachedResolution is the inspection view of one cache entry. Map keys are
// structs, so the cache flattens to a sorted slice for JSON.
type cachedResolution struct {
	SubjectID  int64         `json:"subject_id"`
	Kind       string        `json:"kind"`
	URL        string        `json:"url"`
	Origin     assets.Origin `json:"origin"`
	ResolvedAt time.Time     `json:"resolved_at"`
}

func cacheView(cache *assets.Cache) map[string]any {
	entries := cache.Entries()
	out := make([]cachedResolution, 0, len(entries))
	for k, e := range entries {
		out = append(out, cachedResolution{
			SubjectID:  k.SubjectID,
			Kind:       k.Kind,
			URL:        e.URL,
			Origin:     e.Origin,
			ResolvedAt: e.ResolvedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].Kind < out[j].Kind
	})
	return map[string]any{"count": len(out), "entries": out}
}

func serveJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
