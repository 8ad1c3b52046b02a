package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// WhisperClient calls a Whisper-style inference server that accepts a
// multipart "file" field plus decoding parameters and returns JSON
// {"text":"..."}.
type WhisperClient struct {
	endpoint string
	client   *http.Client
}

// NewWhisperClient builds a transcription client for the given endpoint.
func NewWhisperClient(endpoint string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type whisperResponse struct {
	Text string `json:"text"`
}

// Transcribe posts the utterance audio and returns the transcript.
func (w *WhisperClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.opus")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("write audio to form: %w", err)
	}
	// Fixed decoding parameters expected by the inference server.
	for field, value := range map[string]string{
		"temperature":     "0.0",
		"temperature_inc": "0.2",
		"response_format": "json",
	} {
		if err := mw.WriteField(field, value); err != nil {
			return "", fmt.Errorf("write form field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post to transcription server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcription server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out whisperResponse
	if err := sonic.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return out.Text, nil
}
