// Package openai streams chat completions from an OpenAI-compatible API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/strandchat/strand-backend/internal/generation"
	"github.com/strandchat/strand-backend/internal/platform/envutil"
	"github.com/strandchat/strand-backend/internal/platform/logger"
)

type Client struct {
	log     *logger.Logger
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewClient(log *logger.Logger) (*Client, error) {
	key := envutil.String("OPENAI_API_KEY", "")
	if key == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	base := strings.TrimRight(envutil.String("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/")
	return &Client{
		log:     log.With("client", "OpenAI"),
		http:    &http.Client{Timeout: 10 * time.Minute},
		baseURL: base,
		apiKey:  key,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model           string            `json:"model"`
	Messages        []chatMessage     `json:"messages"`
	Stream          bool              `json:"stream"`
	MaxTokens       int               `json:"max_tokens,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
	StreamOptions   map[string]bool   `json:"stream_options,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Stream issues a streaming chat completion and forwards each content delta
// to onDelta. Cancellation of ctx aborts the HTTP stream.
func (c *Client) Stream(ctx context.Context, req generation.Request, onDelta func(d generation.Delta) error) error {
	if req.Model == "" {
		return fmt.Errorf("model required")
	}
	body := chatRequest{
		Model:           req.Model,
		Stream:          true,
		MaxTokens:       req.MaxTokens,
		ReasoningEffort: req.ThinkingEffort,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(slurp)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return onDelta(generation.Delta{Done: true})
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.log.Warn("Skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("openai: %s", chunk.Error.Message)
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				if err := onDelta(generation.Delta{Text: ch.Delta.Content}); err != nil {
					return err
				}
			}
			if ch.FinishReason != nil && *ch.FinishReason != "" {
				return onDelta(generation.Delta{Done: true})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// Stream ended without an explicit terminator. Treat as done.
	return onDelta(generation.Delta{Done: true})
}

var _ generation.Engine = (*Client)(nil)
