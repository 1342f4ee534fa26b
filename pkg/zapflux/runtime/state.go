// Package runtime holds the process-wide shared state of the bridge:
// connection status, pending QR payload, mutable assistant config, and
// message counters. One State instance is created at startup and injected
// into the session manager and the web UI; all reads and writes go through
// accessor methods so the synchronization lives in one place.
package runtime

import (
	"sync"
	"sync/atomic"
)

// ConnectionStatus is the coarse connection state shown on the dashboard.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// Config is the mutable assistant configuration. It is read live on every
// inbound message, so a dashboard edit takes effect on the next message.
type Config struct {
	AIActive     bool   `json:"isAiActive" yaml:"ai_active"`
	SystemPrompt string `json:"systemPrompt" yaml:"system_prompt"`
}

// ConfigPatch is a partial config update. Nil fields are left untouched.
type ConfigPatch struct {
	AIActive     *bool   `json:"isAiActive"`
	SystemPrompt *string `json:"systemPrompt"`
}

// Stats are running totals since process start. The "today" in
// MessagesToday is historical naming — there is no day rollover.
type Stats struct {
	MessagesToday int64 `json:"messagesToday"`
	AIResponses   int64 `json:"aiResponses"`
}

// Snapshot is a point-in-time view of the public state fields, shaped for
// the status endpoint.
type Snapshot struct {
	QR               *string          `json:"qr"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	Stats            Stats            `json:"stats"`
}

// State is the shared runtime state. Counters are atomics since they are
// bumped on the hot inbound path; everything else sits behind one mutex.
type State struct {
	mu     sync.RWMutex
	status ConnectionStatus
	qr     string
	config Config

	messagesToday atomic.Int64
	aiResponses   atomic.Int64
}

// New creates a State with the given initial config, disconnected and with
// zeroed counters.
func New(cfg Config) *State {
	return &State{
		status: StatusDisconnected,
		config: cfg,
	}
}

// Status returns the current connection status.
func (s *State) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus updates the connection status. Leaving the disconnected phase
// invalidates any pending QR payload, so it is cleared in the same step.
func (s *State) SetStatus(status ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if status != StatusDisconnected {
		s.qr = ""
	}
}

// SetQR records a fresh scannable QR payload. A new code always supersedes
// the previous one, and a pending code implies the session is disconnected.
func (s *State) SetQR(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusDisconnected
	s.qr = code
}

// ClearQR drops the pending QR payload without touching the status.
func (s *State) ClearQR() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qr = ""
}

// QR returns the pending QR payload, or "" when none is pending.
func (s *State) QR() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qr
}

// Config returns a copy of the current assistant config.
func (s *State) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// PatchConfig shallow-merges the non-nil patch fields into the config
// and returns the result.
func (s *State) PatchConfig(patch ConfigPatch) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.AIActive != nil {
		s.config.AIActive = *patch.AIActive
	}
	if patch.SystemPrompt != nil {
		s.config.SystemPrompt = *patch.SystemPrompt
	}
	return s.config
}

// CountMessage bumps the inbound message counter. Called for every message
// event, including the account's own outgoing echoes — parity with the
// original counting policy.
func (s *State) CountMessage() {
	s.messagesToday.Add(1)
}

// CountAIResponse bumps the AI response counter.
func (s *State) CountAIResponse() {
	s.aiResponses.Add(1)
}

// Stats returns the current counter values.
func (s *State) Stats() Stats {
	return Stats{
		MessagesToday: s.messagesToday.Load(),
		AIResponses:   s.aiResponses.Load(),
	}
}

// Snapshot returns the public view served by the status endpoint. QR is a
// pointer so an absent code serializes as JSON null.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	status := s.status
	qr := s.qr
	s.mu.RUnlock()

	snap := Snapshot{
		ConnectionStatus: status,
		Stats:            s.Stats(),
	}
	if qr != "" {
		snap.QR = &qr
	}
	return snap
}
