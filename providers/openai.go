package providers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"voicepipe/session"
)

// ChatCompleter streams completions from an OpenAI-compatible
// /v1/chat/completions endpoint via SSE, with the patient-lookup
// function declared in the tools payload.
type ChatCompleter struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	log      *zap.Logger
}

// NewChatCompleter builds a streaming completion client. apiKey may be
// empty for local, unauthenticated endpoints.
func NewChatCompleter(endpoint, apiKey, model string, timeout time.Duration, logger *zap.Logger) *ChatCompleter {
	return &ChatCompleter{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
		log:      logger,
	}
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []session.Message `json:"messages"`
	Stream   bool              `json:"stream"`
	Tools    []chatTool        `json:"tools,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta *struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// patientInfoTool declares the single typed lookup operation the model
// may request. The only parameter is the patient code; the query itself
// is never model-supplied.
func patientInfoTool() chatTool {
	return chatTool{
		Type: "function",
		Function: chatFunction{
			Name:        ToolGetPatientInfo,
			Description: "Fetch a patient's stored record (transcript and summary) by patient code. Use the summary for most questions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"patient_code": map[string]any{
						"type":        "string",
						"description": "The patient code identifying the record to fetch.",
					},
				},
				"required":             []string{"patient_code"},
				"additionalProperties": false,
			},
		},
	}
}

// Stream starts a streaming completion and returns the fragment channel.
func (c *ChatCompleter) Stream(ctx context.Context, history []session.Message) (<-chan StreamChunk, error) {
	payload, err := sonic.Marshal(chatRequest{
		Model:    c.model,
		Messages: history,
		Stream:   true,
		Tools:    []chatTool{patientInfoTool()},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to completion server: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("completion server returned status %d: %s", resp.StatusCode, string(body))
	}

	c.log.Debug("completion stream started",
		zap.String("model", c.model),
		zap.Int("history_len", len(history)))

	ch := make(chan StreamChunk)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// readStream parses "data:" lines until [DONE], stream end or ctx
// cancellation.
func (c *ChatCompleter) readStream(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer body.Close()
	defer close(ch)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				c.send(ctx, ch, StreamChunk{Err: fmt.Errorf("read completion stream: %w", err)})
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var chunk chatStreamResponse
		if err := sonic.Unmarshal([]byte(data), &chunk); err != nil {
			c.send(ctx, ch, StreamChunk{Err: fmt.Errorf("decode completion chunk: %w", err)})
			return
		}

		for _, choice := range chunk.Choices {
			if choice.Delta == nil {
				continue
			}
			if choice.Delta.Content != "" {
				if !c.send(ctx, ch, StreamChunk{Content: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				delta := &ToolCallDelta{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
				if !c.send(ctx, ch, StreamChunk{ToolCall: delta}) {
					return
				}
			}
		}
	}
}

func (c *ChatCompleter) send(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}
