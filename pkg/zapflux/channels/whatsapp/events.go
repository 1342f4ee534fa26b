// Package whatsapp – events.go processes whatsmeow events: connection
// lifecycle transitions and the inbound message handling path.
package whatsapp

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zapflux/zapflux/pkg/zapflux/ai"
	"github.com/zapflux/zapflux/pkg/zapflux/runtime"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// fallbackImagePrompt is sent to the generator when an image arrives with
// no caption: the model still needs a textual instruction.
const fallbackImagePrompt = "Analyze this image"

// handlerTimeout bounds each send/download on the message path.
const handlerTimeout = 30 * time.Second

// handleEvent is the main whatsmeow event dispatcher.
func (s *Session) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		s.handleMessage(evt)

	case *events.Connected:
		s.handleConnected()

	case *events.Disconnected:
		s.handleDisconnected()

	case *events.LoggedOut:
		s.handleLoggedOut(evt)

	case *events.StreamReplaced:
		s.logger.Error("stream replaced - another device took over this session")
		s.state.SetStatus(runtime.StatusDisconnected)

	case *events.ConnectFailure:
		s.handleConnectFailure(evt)

	case *events.PairSuccess:
		s.logger.Info("device paired", "jid", evt.ID, "platform", evt.Platform)

	case *events.HistorySync:
		// History backfill is not live traffic; the message path only
		// handles fresh pushes.
		s.logger.Debug("history sync received, ignoring")
	}
}

// handleConnected handles a successful connection or reconnection.
func (s *Session) handleConnected() {
	s.reconnectAttempts.Store(0)
	s.state.SetStatus(runtime.StatusConnected)
	s.logger.Info("connected", "jid", s.clientJID())
}

// handleDisconnected handles a recoverable connection loss. Anything that
// is not an explicit logout gets the reconnect loop.
func (s *Session) handleDisconnected() {
	s.state.SetStatus(runtime.StatusDisconnected)
	s.logger.Warn("disconnected, scheduling reconnect")

	if s.ctx != nil && s.ctx.Err() == nil {
		go s.attemptReconnect()
	}
}

// handleLoggedOut handles session invalidation. Terminal: the pairing is
// gone, a fresh QR scan is required, so no automatic retry.
func (s *Session) handleLoggedOut(evt *events.LoggedOut) {
	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}

	s.state.SetStatus(runtime.StatusDisconnected)
	s.state.ClearQR()
	s.logger.Error("logged out, new QR scan required", "reason", reason)
}

// handleConnectFailure handles server-side connection rejections.
func (s *Session) handleConnectFailure(evt *events.ConnectFailure) {
	s.state.SetStatus(runtime.StatusDisconnected)

	permanent := evt.PermanentDisconnectDescription()
	s.logger.Error("connect failure",
		"reason", evt.Reason.String(),
		"permanent", permanent)

	if permanent == "" && s.ctx != nil && s.ctx.Err() == nil {
		go s.attemptReconnect()
	}
}

// handleMessage processes one live inbound message end to end: count,
// filter, extract, generate, reply. Failures are logged and contained so
// one bad message never halts the event loop.
func (s *Session) handleMessage(evt *events.Message) {
	// Every message event counts, including the account's own echoes and
	// messages arriving while AI is off. Parity with the original
	// counting policy.
	s.state.CountMessage()

	if evt.Info.IsFromMe {
		return
	}
	if !s.state.Config().AIActive {
		return
	}

	log := s.logger.With(
		"trace_id", uuid.NewString(),
		"chat", evt.Info.Chat.String(),
	)

	text, imageBase64 := s.extractContent(evt, log)
	if text == "" && imageBase64 == "" {
		return
	}

	prompt := text
	if prompt == "" {
		prompt = fallbackImagePrompt
	}

	// The system prompt is read at dispatch time, not snapshotted at
	// arrival: a dashboard edit applies to the very next generation.
	systemPrompt := s.state.Config().SystemPrompt

	log.Info("processing message", "has_image", imageBase64 != "")

	result, err := s.generator.Generate(s.ctx, prompt, systemPrompt, imageBase64)
	if err != nil {
		// Silent to the end user at this layer.
		log.Warn("generation failed, no reply sent", "error", err)
		return
	}
	if result == nil {
		return
	}

	s.state.CountAIResponse()

	if err := s.sendResult(evt.Info.Chat.String(), result); err != nil {
		log.Warn("failed to send reply", "error", err)
	}
}

// extractContent pulls the text and optional image payload out of a
// message: plain body, extended body, or image caption. A failed media
// download degrades to text-only processing.
func (s *Session) extractContent(evt *events.Message, log *slog.Logger) (string, string) {
	waMsg := evt.Message
	if waMsg == nil {
		return "", ""
	}

	text := waMsg.GetConversation()
	if text == "" {
		text = waMsg.GetExtendedTextMessage().GetText()
	}

	var imageBase64 string
	if img := waMsg.GetImageMessage(); img != nil {
		text = img.GetCaption()

		ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
		data, err := s.downloadFn(ctx, img)
		cancel()
		if err != nil {
			log.Warn("media download failed, continuing without image", "error", err)
		} else {
			imageBase64 = base64.StdEncoding.EncodeToString(data)
		}
	}

	return text, imageBase64
}

// sendResult dispatches a generator result back to the originating chat.
func (s *Session) sendResult(chatJID string, result *ai.Result) error {
	jid, err := parseJID(chatJID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
	defer cancel()

	if result.Kind == ai.KindImage {
		return s.sendImage(ctx, jid, result.Image, result.Caption)
	}

	return s.sendFn(ctx, jid, &waE2E.Message{
		Conversation: proto.String(result.Text),
	})
}

// clientJID returns the logged-in account JID, or "" before pairing.
func (s *Session) clientJID() string {
	if s.client != nil && s.client.Store.ID != nil {
		return s.client.Store.ID.String()
	}
	return ""
}
