package providers

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"voicepipe/session"
)

// GeminiCompleter is the alternative completion backend, built on the
// official GenAI SDK's streaming API. Selected with LLM_PROVIDER=gemini.
type GeminiCompleter struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGeminiCompleter creates a GenAI client for the given API key.
func NewGeminiCompleter(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiCompleter{client: client, model: model, log: logger}, nil
}

// patientInfoDeclaration mirrors the typed lookup tool for the GenAI
// function-calling schema.
func patientInfoDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        ToolGetPatientInfo,
		Description: "Fetch a patient's stored record (transcript and summary) by patient code. Use the summary for most questions.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"patient_code": {
					Type:        genai.TypeString,
					Description: "The patient code identifying the record to fetch.",
				},
			},
			Required: []string{"patient_code"},
		},
	}
}

// Stream runs a streaming generation over the conversation history.
func (g *GeminiCompleter) Stream(ctx context.Context, history []session.Message) (<-chan StreamChunk, error) {
	var system *genai.Content
	var contents []*genai.Content
	for _, m := range history {
		switch m.Role {
		case session.RoleSystem:
			system = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
		case session.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Tools: []*genai.Tool{
			{FunctionDeclarations: []*genai.FunctionDeclaration{patientInfoDeclaration()}},
		},
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				g.forward(ctx, ch, StreamChunk{Err: fmt.Errorf("gemini stream: %w", err)})
				return
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						if !g.forward(ctx, ch, StreamChunk{Content: part.Text}) {
							return
						}
					}
					if part.FunctionCall != nil {
						args, err := sonic.Marshal(part.FunctionCall.Args)
						if err != nil {
							g.log.Warn("failed to encode function-call args", zap.Error(err))
							continue
						}
						delta := &ToolCallDelta{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						}
						if !g.forward(ctx, ch, StreamChunk{ToolCall: delta}) {
							return
						}
					}
				}
			}
		}
	}()
	return ch, nil
}

func (g *GeminiCompleter) forward(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}
