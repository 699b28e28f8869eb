// Package questiongen produces multiple-choice question drafts for new
// events, either from an OpenAI-compatible chat completion API or from a
// static pool for offline use.
package questiongen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"mind-matrix/internal/domain"
)

// Request describes one generation batch.
type Request struct {
	Topic      string
	Difficulty string
	Count      int
}

// Generator produces validated question drafts. Implementations drop
// malformed drafts rather than defaulting them, so the returned slice may
// be shorter than requested.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]domain.QuestionDraft, error)
}

const requestTimeout = 30 * time.Second

// ChatClient generates drafts through an OpenAI-compatible chat completions
// endpoint. Models are tried in order; the first one that yields at least
// one valid draft wins.
type ChatClient struct {
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
}

func NewChatClient(baseURL, apiKey string, models []string) *ChatClient {
	return &ChatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		models:  models,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

func (c *ChatClient) Generate(ctx context.Context, req Request) ([]domain.QuestionDraft, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("generate: count must be positive, got %d", req.Count)
	}
	var lastErr error
	for _, model := range c.models {
		drafts, err := c.generateWith(ctx, model, req)
		if err != nil {
			log.Printf("[questiongen] model %s failed: %v", model, err)
			lastErr = err
			continue
		}
		if len(drafts) > 0 {
			return drafts, nil
		}
		lastErr = fmt.Errorf("model %s returned no valid drafts", model)
	}
	return nil, fmt.Errorf("generate %d questions about %q: %w", req.Count, req.Topic, lastErr)
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *ChatClient) generateWith(ctx context.Context, model string, req Request) ([]domain.QuestionDraft, error) {
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call completion api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion api status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("completion api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("completion api returned no choices")
	}

	return ParseDrafts(parsed.Choices[0].Message.Content)
}

const systemPrompt = "You are a trivia question writer. Respond with JSON only: " +
	"an array of objects with fields question, options (array of 4 strings), " +
	"correct_answer (0-based index), explanation and category. No prose around the JSON."

func userPrompt(req Request) string {
	difficulty := req.Difficulty
	if difficulty == "" {
		difficulty = "medium"
	}
	return fmt.Sprintf("Write %d %s-difficulty multiple-choice trivia questions about %s.",
		req.Count, difficulty, req.Topic)
}

// ParseDrafts extracts drafts from a model reply. Models wrap JSON in
// markdown fences or an envelope object often enough that both are handled
// here. Invalid drafts are dropped, not repaired.
func ParseDrafts(content string) ([]domain.QuestionDraft, error) {
	text := stripFences(content)

	var drafts []domain.QuestionDraft
	if err := json.Unmarshal([]byte(text), &drafts); err != nil {
		var envelope struct {
			Questions []domain.QuestionDraft `json:"questions"`
		}
		if err2 := json.Unmarshal([]byte(text), &envelope); err2 != nil || envelope.Questions == nil {
			return nil, fmt.Errorf("parse drafts: %w", err)
		}
		drafts = envelope.Questions
	}

	valid := drafts[:0]
	for _, d := range drafts {
		if err := d.Validate(); err != nil {
			log.Printf("[questiongen] dropping draft %q: %v", truncate([]byte(d.Text), 60), err)
			continue
		}
		valid = append(valid, d)
	}
	return valid, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// StaticGenerator serves drafts from a fixed pool, cycling when the pool is
// smaller than the requested count. It backs demo mode and tests.
type StaticGenerator struct {
	pool []domain.QuestionDraft
}

func NewStaticGenerator(pool []domain.QuestionDraft) *StaticGenerator {
	return &StaticGenerator{pool: pool}
}

func (g *StaticGenerator) Generate(_ context.Context, req Request) ([]domain.QuestionDraft, error) {
	if len(g.pool) == 0 {
		return nil, fmt.Errorf("static generator has an empty pool")
	}
	if req.Count <= 0 {
		return nil, fmt.Errorf("generate: count must be positive, got %d", req.Count)
	}
	out := make([]domain.QuestionDraft, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		out = append(out, g.pool[i%len(g.pool)])
	}
	return out, nil
}
