// Package simulator runs a scripted stand-in for the detection backend: a
// websocket stream fed by scenario scripts or generated lifecycles, plus
// the REST surface the dashboard resolves assets and submits reviews
// against. It exists so the pipeline can be exercised end to end without a
// kitchen.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/platevision/monitor-cli/internal/config"
	"github.com/platevision/monitor-cli/internal/model"
)

// FeederFunc pushes frames at the emit callback until ctx is cancelled or
// the feed is exhausted.
type FeederFunc func(ctx context.Context, emit EmitFunc) error

// Option configures the server.
type Option func(*Server)

// WithFeeder replaces the default frame source. The simulate command uses
// this to replay captured journals.
func WithFeeder(f FeederFunc) Option {
	return func(s *Server) { s.feeder = f }
}

// WithEventRate caps emission at rps frames per second.
func WithEventRate(rps float64) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
}

// WithStaticDir serves /static/* from a directory instead of synthesizing
// placeholder bodies.
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// Server is the backend stand-in. Build it with New, then call Run.
type Server struct {
	cfg       config.SimulatorConfig
	hub       *Hub
	feeder    FeederFunc
	limiter   *rate.Limiter
	upgrader  websocket.Upgrader
	staticDir string
	emitted   atomic.Uint64
}

// New builds a simulator from config. The frame source defaults to the
// scenario script named in cfg, or to generated lifecycles when no script
// is configured.
func New(cfg config.SimulatorConfig, opts ...Option) (*Server, error) {
	s := &Server{
		cfg: cfg,
		hub: NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiter: rate.NewLimiter(rate.Limit(4), 8),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.feeder == nil {
		if cfg.Scenario != "" {
			sc, err := LoadScenario(cfg.Scenario)
			if err != nil {
				return nil, err
			}
			s.feeder = NewPlayer(sc, s.limiter).Play
		} else {
			s.feeder = NewGenerator(s.limiter, cfg.FailureRate).Run
		}
	}
	return s, nil
}

// Emit marshals one envelope and broadcasts it to every subscriber.
func (s *Server) Emit(_ context.Context, env model.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return eris.Wrap(err, "simulator: marshal frame")
	}
	s.hub.Broadcast(frame)
	s.emitted.Add(1)
	return nil
}

// Emitted returns the number of frames broadcast so far.
func (s *Server) Emitted() uint64 {
	return s.emitted.Load()
}

// Router builds the HTTP surface: the websocket stream plus the REST
// endpoints the dashboard's asset resolver and review submission hit.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Get("/api/assets/{subject}/{kind}", s.handleAssetURL)
	r.Post("/api/detections/{id}/review", s.handleReview)
	r.Get("/static/*", s.handleStatic)
	return r
}

// Run serves until ctx is cancelled: the hub dispatch loop, the frame
// feeder, and the HTTP listener.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		err := s.feeder(ctx, s.Emit)
		if err != nil && !eris.Is(err, context.Canceled) {
			return eris.Wrap(err, "simulator: feeder")
		}
		if err == nil {
			zap.L().Info("simulator: scenario exhausted, stream idle")
		}
		return nil
	})

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zap.L().Info("simulator: shutting down")
		srv.Shutdown(ctx) //nolint:errcheck
	}()

	g.Go(func() error {
		zap.L().Info("simulator: listening",
			zap.Int("port", s.cfg.Port),
			zap.String("scenario", s.cfg.Scenario),
			zap.Float64("failure_rate", s.cfg.FailureRate))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "simulator: listen")
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.hub.ClientCount(),
		"emitted":     s.emitted.Load(),
	})
}

// handleWS upgrades a subscriber. The token is checked for presence only;
// the simulator accepts any non-empty credential.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.URL.Query().Get("token")) == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("simulator: upgrade failed", zap.Error(err))
		return
	}
	s.hub.Register(conn)
	go s.readPump(conn)
}

// readPump drains inbound frames so ping control messages are answered,
// and unregisters the connection when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn) {
	defer s.hub.Unregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleAssetURL answers asset lookups. The reserved kind "missing" always
// 404s so resolver fallback paths can be exercised deterministically, and
// the configured failure rate injects 500s at random.
func (s *Server) handleAssetURL(w http.ResponseWriter, r *http.Request) {
	subject, err := strconv.ParseInt(chi.URLParam(r, "subject"), 10, 64)
	if err != nil {
		http.Error(w, "bad subject id", http.StatusBadRequest)
		return
	}
	kind := chi.URLParam(r, "kind")

	if s.cfg.FailureRate > 0 && rand.Float64() < s.cfg.FailureRate {
		http.Error(w, "injected backend failure", http.StatusInternalServerError)
		return
	}
	if kind == "missing" {
		http.Error(w, "asset not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"url": fmt.Sprintf("http://%s/static/images/%d/%s.jpg", r.Host, subject, kind),
	})
}

// handleReview accepts a review submission and echoes the updated
// detection the way the real backend does.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad detection id", http.StatusBadRequest)
		return
	}

	var review model.Review
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		http.Error(w, "malformed review payload", http.StatusBadRequest)
		return
	}
	switch review.Action {
	case model.ActionAccept, model.ActionFlag, model.ActionCancel:
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", review.Action), http.StatusUnprocessableEntity)
		return
	}

	updated := model.Detection{ID: id, Status: model.StatusComplete}
	if review.Category != nil {
		updated.Category = review.Category
	}
	if review.Action == model.ActionCancel {
		updated.Status = model.StatusUnknown
	}
	zap.L().Info("simulator: review received",
		zap.Int64("detection_id", id),
		zap.String("action", string(review.Action)))
	s.writeJSON(w, http.StatusOK, updated)
}

// handleStatic serves asset bytes. With no static directory configured it
// synthesizes a deterministic placeholder body so image loads still
// succeed end to end.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.staticDir != "" {
		http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))).ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "simulated-jpeg %s", chi.URLParam(r, "*")) //nolint:errcheck
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("simulator: write response failed", zap.Error(err))
	}
}
