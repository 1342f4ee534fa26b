// Package webui implements the ZapFlux status dashboard.
// Serves a single embedded HTML page plus a small JSON API that a
// polling frontend consumes. All state reads are pure snapshots of the
// injected runtime state; nothing here triggers connection work.
package webui

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/zapflux/zapflux/pkg/zapflux/runtime"
)

//go:embed dashboard.html
var dashboardFS embed.FS

// Config holds web UI configuration.
type Config struct {
	// Enabled turns the web UI on/off.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":3000").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token for authentication (empty = no auth).
	AuthToken string `yaml:"auth_token"`
}

// Server is the status/config HTTP server.
type Server struct {
	cfg    Config
	state  *runtime.State
	logger *slog.Logger
	server *http.Server
}

// New creates a new web UI server around the shared runtime state.
func New(cfg Config, state *runtime.State, logger *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = ":3000"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		state:  state,
		logger: logger.With("component", "webui"),
	}
}

// Start begins serving the dashboard and API.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      corsMiddleware(s.routes()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("web UI starting", "address", s.cfg.Address)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web UI server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the web UI server.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
		s.logger.Info("web UI stopped")
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.authMiddleware(s.handleAPIStatus))
	mux.HandleFunc("/api/config", s.authMiddleware(s.handleAPIConfig))
	mux.HandleFunc("/qr.png", s.authMiddleware(s.handleQRImage))
	mux.HandleFunc("/", s.handleDashboard)

	return mux
}

// handleAPIStatus returns the current runtime snapshot. This is a pure
// read: the connection lifecycle is owned by the session manager, and a
// status poll must never start or restart it.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

// handleAPIConfig reads or patches the runtime configuration. The
// server copy is authoritative; the dashboard fetches it on load
// instead of assuming its own defaults.
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.state.Config())

	case http.MethodPost:
		var patch runtime.ConfigPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   "invalid request body",
			})
			return
		}

		updated := s.state.PatchConfig(patch)
		s.logger.Info("config updated",
			"ai_active", updated.AIActive,
			"prompt_len", len(updated.SystemPrompt))
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// handleQRImage renders the pending pairing payload as a scannable PNG.
func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	code := s.state.QR()
	if code == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pairing in progress"})
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("QR render failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "QR render failed"})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	page, err := dashboardFS.ReadFile("dashboard.html")
	if err != nil {
		http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// ── Middleware ──

// authMiddleware validates the bearer token if configured.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}

		if !compareTokens(extractToken(r), s.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		next(w, r)
	}
}

// corsMiddleware adds CORS headers so a dev frontend on another port
// can poll the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// compareTokens performs timing-safe comparison by hashing both inputs
// with SHA-256 before calling ConstantTimeCompare to prevent
// length-based leakage.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// extractToken extracts the auth token from the Authorization header or
// the token query parameter (for <img src="/qr.png?token=..."> embeds).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
