// Package claude implements the grounding backend on the Anthropic API. The
// model is asked for a strict JSON verdict on whether the described region
// matches the prompt.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/aegis/internal/grounding"
)

const (
	responseTokens = 512

	systemPrompt = `You are a visual grounding assistant for a tracking system.
Given a tracked object's class and an open-vocabulary query phrase, decide
whether the object matches the phrase. Respond with a single JSON object:
{"match": bool, "label": string, "confidence": number 0..1, "phrase": string}
where "phrase" is the part of the query that matched. No other text.`
)

// Backend grounds prompts against tracked regions via the Anthropic API.
type Backend struct {
	client    anthropic.Client
	model     string
	available bool
}

// New creates a backend. An empty API key yields a permanently unavailable
// backend, which the dispatcher turns into fallback mode.
func New(apiKey, model string) *Backend {
	b := &Backend{model: model, available: apiKey != "" && model != ""}
	if b.available {
		b.client = anthropic.NewClient(option.WithAPIKey(apiKey))
	}
	return b
}

// Available reports whether the backend was configured with credentials.
func (b *Backend) Available() bool { return b.available }

// Ground asks the model for a verdict and parses the JSON reply.
func (b *Backend) Ground(ctx context.Context, req grounding.Request) (*grounding.Result, error) {
	if !b.available {
		return nil, fmt.Errorf("grounding backend not configured")
	}

	msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: responseTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("grounding call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return parseVerdict(text.String())
}

func buildPrompt(req grounding.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tracked object class: %s\n", req.Class)
	if req.RegionRef != "" {
		fmt.Fprintf(&b, "Region reference: %s\n", req.RegionRef)
	}
	fmt.Fprintf(&b, "Query phrase: %q\n", req.Prompt)
	b.WriteString("Does the object match the phrase?")
	return b.String()
}

// verdict is the wire shape the model is instructed to produce.
type verdict struct {
	Match      bool    `json:"match"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Phrase     string  `json:"phrase"`
}

func parseVerdict(text string) (*grounding.Result, error) {
	// Tolerate fenced or prefixed replies: take the outermost JSON object.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON verdict in response: %q", truncate(text, 120))
	}

	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("verdict confidence %v out of [0,1]", v.Confidence)
	}

	return &grounding.Result{
		Match:         v.Match,
		Label:         v.Label,
		Confidence:    v.Confidence,
		MatchedPhrase: v.Phrase,
	}, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
