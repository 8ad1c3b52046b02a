package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// SpeechClient calls a synthesis server that accepts JSON {"text":...}
// and returns the encoded audio payload as the response body. The
// payload is opaque to this system.
type SpeechClient struct {
	endpoint string
	client   *http.Client
}

// NewSpeechClient builds a synthesis client for the given endpoint.
func NewSpeechClient(endpoint string, timeout time.Duration) *SpeechClient {
	return &SpeechClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type ttsRequest struct {
	Text string `json:"text"`
}

// Synthesize posts one sanitized fragment and returns its audio.
func (s *SpeechClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := sonic.Marshal(ttsRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to synthesis server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("synthesis server returned status %d", resp.StatusCode)
	}
	return body, nil
}
