// Package whatsapp owns the single WhatsApp connection via whatsmeow —
// a native Go WhatsApp Web API library. It manages the session lifecycle
// (QR login, credential persistence, reconnection with backoff) and routes
// live inbound messages to the AI response generator, sending replies back
// on the same chat.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/zapflux/zapflux/pkg/zapflux/ai"
	"github.com/zapflux/zapflux/pkg/zapflux/runtime"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds the WhatsApp session configuration.
type Config struct {
	// SessionDir is the directory for session persistence (SQLite). The
	// whatsmeow store rewrites credential material here on every
	// credentials update, so a crash never loses the pairing.
	SessionDir string `yaml:"session_dir"`

	// ReconnectBackoff is the initial backoff for reconnection attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./sessions/whatsapp",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// ResponseGenerator produces a reply for one inbound message. Satisfied by
// *ai.Generator.
type ResponseGenerator interface {
	Generate(ctx context.Context, userMessage, systemPrompt, imageBase64 string) (*ai.Result, error)
}

// Session is the connection session manager. Exactly one instance exists
// per process; Start is idempotent so a second call never opens a second
// socket.
type Session struct {
	cfg       Config
	state     *runtime.State
	generator ResponseGenerator
	logger    *slog.Logger

	client    *whatsmeow.Client
	container *sqlstore.Container

	// started guards against double-connect.
	started atomic.Bool

	// reconnectGuard prevents concurrent reconnection loops.
	reconnectGuard atomic.Bool

	// reconnectAttempts counts tries since the last successful connect.
	reconnectAttempts atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// sendFn, downloadFn, and uploadFn default to client-backed
	// implementations; tests replace them to exercise the message path
	// without a socket.
	sendFn     func(ctx context.Context, to types.JID, msg *waE2E.Message) error
	downloadFn func(ctx context.Context, img *waE2E.ImageMessage) ([]byte, error)
	uploadFn   func(ctx context.Context, data []byte) (whatsmeow.UploadResponse, error)
}

// New creates a Session. It does not connect; call Start.
func New(cfg Config, state *runtime.State, generator ResponseGenerator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}

	s := &Session{
		cfg:       cfg,
		state:     state,
		generator: generator,
		logger:    logger.With("component", "whatsapp"),
	}
	s.sendFn = s.clientSend
	s.downloadFn = s.clientDownload
	s.uploadFn = s.clientUpload
	return s
}

// Start establishes the WhatsApp connection. Idempotent: when a session is
// already pending or open the call returns immediately without side
// effects. On first login the QR flow runs in the background and the code
// is published to the shared state for the dashboard.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state.SetStatus(runtime.StatusConnecting)
	s.logger.Info("initializing connection", "session_dir", s.cfg.SessionDir)

	if err := os.MkdirAll(s.cfg.SessionDir, 0o755); err != nil {
		s.started.Store(false)
		s.state.SetStatus(runtime.StatusDisconnected)
		return fmt.Errorf("creating session dir: %w", err)
	}

	dbPath := filepath.Join(s.cfg.SessionDir, "session.db")
	container, err := sqlstore.New(s.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		s.started.Store(false)
		s.state.SetStatus(runtime.StatusDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}
	s.container = container

	device, err := s.getDevice(s.ctx, container)
	if err != nil {
		s.started.Store(false)
		s.state.SetStatus(runtime.StatusDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked devices list.
	store.SetOSInfo("ZapFlux", [3]uint32{1, 0, 0})

	s.client = whatsmeow.NewClient(device, waLog.Noop)
	s.client.AddEventHandler(s.handleEvent)

	if s.client.Store.ID == nil {
		// First login — run the QR flow without blocking startup.
		s.logger.Info("no existing session, QR code required")
		go func() {
			if err := s.loginWithQR(s.ctx); err != nil {
				s.logger.Warn("QR login did not complete", "error", err)
			}
		}()
		return nil
	}

	if err := s.client.Connect(); err != nil {
		s.state.SetStatus(runtime.StatusDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	return nil
}

// Stop closes the connection and the session store.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.client != nil {
		s.client.Disconnect()
	}
	if s.container != nil {
		s.container.Close()
	}
	s.state.SetStatus(runtime.StatusDisconnected)
	s.logger.Info("disconnected")
}

// getDevice retrieves the stored device or creates a fresh one.
func (s *Session) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR drives the QR pairing flow. Each fresh code is published to
// the shared state; the dashboard polls it from there.
func (s *Session) loginWithQR(ctx context.Context) error {
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.state.SetStatus(runtime.StatusDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				s.logger.Info("QR code ready, scan via dashboard")
				s.state.SetQR(evt.Code)

			case "success":
				// The Connected event updates the shared state.
				s.logger.Info("QR scan successful")
				return nil

			case "timeout":
				s.logger.Warn("QR code expired")
				s.state.ClearQR()
				s.state.SetStatus(runtime.StatusDisconnected)
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					s.state.ClearQR()
					s.state.SetStatus(runtime.StatusDisconnected)
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect retries the connection with exponential backoff, capped
// in both delay and attempt count. A CompareAndSwap guard ensures a single
// loop runs no matter how many disconnect events fire.
func (s *Session) attemptReconnect() {
	if !s.reconnectGuard.CompareAndSwap(false, true) {
		s.logger.Debug("reconnect already in progress, skipping")
		return
	}
	defer s.reconnectGuard.Store(false)

	for {
		if s.ctx.Err() != nil {
			return
		}

		attempts := s.reconnectAttempts.Add(1)
		if s.cfg.MaxReconnectAttempts > 0 && attempts > int32(s.cfg.MaxReconnectAttempts) {
			s.logger.Error("max reconnect attempts reached", "attempts", attempts)
			s.state.SetStatus(runtime.StatusDisconnected)
			return
		}

		backoff := s.cfg.ReconnectBackoff * time.Duration(1<<min(attempts-1, 6))
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}

		s.logger.Info("attempting reconnect", "attempt", attempts, "backoff", backoff)
		s.state.SetStatus(runtime.StatusConnecting)

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}

		if s.client == nil {
			s.logger.Warn("client is nil, cannot reconnect")
			return
		}

		// Clear any stale websocket state before reconnecting.
		if s.client.IsConnected() {
			s.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := s.client.Connect(); err != nil {
			s.logger.Warn("reconnect attempt failed, will retry",
				"attempt", attempts, "error", err)
			continue
		}

		// The Connected event confirms and resets the attempt counter.
		return
	}
}

// clientSend is the default sendFn, backed by the live client.
func (s *Session) clientSend(ctx context.Context, to types.JID, msg *waE2E.Message) error {
	_, err := s.client.SendMessage(ctx, to, msg)
	return err
}

// clientDownload is the default downloadFn.
func (s *Session) clientDownload(ctx context.Context, img *waE2E.ImageMessage) ([]byte, error) {
	return s.client.Download(ctx, img)
}
