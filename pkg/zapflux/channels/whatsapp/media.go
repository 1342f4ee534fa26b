// Package whatsapp – media.go handles outbound image delivery: resolving
// the generator's image reference (URL or base64 payload) into bytes,
// uploading them to WhatsApp media storage, and building the protobuf
// image message.
package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// maxImageFetchSize caps remote image downloads at 16 MB, the WhatsApp
// media limit.
const maxImageFetchSize = 16 << 20

// sendImage resolves the image reference, uploads the bytes, and sends an
// image message with the given caption.
func (s *Session) sendImage(ctx context.Context, to types.JID, ref, caption string) error {
	data, err := resolveImageBytes(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolving image: %w", err)
	}

	uploaded, err := s.uploadFn(ctx, data)
	if err != nil {
		return fmt.Errorf("uploading image: %w", err)
	}

	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(http.DetectContentType(data)),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	}

	return s.sendFn(ctx, to, msg)
}

// resolveImageBytes turns the workflow result into raw bytes. A URL is
// fetched; anything else is treated as base64 data, with or without a
// data URI prefix.
func resolveImageBytes(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return fetchImage(ctx, ref)
	}

	payload := ref
	if idx := strings.Index(payload, "base64,"); idx >= 0 {
		payload = payload[idx+len("base64,"):]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding image data: %w", err)
	}
	return data, nil
}

// fetchImage downloads the generated image from its result URL.
func fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch returned %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxImageFetchSize))
}

// clientUpload is the default uploadFn, backed by the live client.
func (s *Session) clientUpload(ctx context.Context, data []byte) (whatsmeow.UploadResponse, error) {
	return s.client.Upload(ctx, data, whatsmeow.MediaImage)
}

// parseJID converts a chat identifier back to a types.JID.
func parseJID(s string) (types.JID, error) {
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid JID %q: %w", s, err)
	}
	return jid, nil
}
