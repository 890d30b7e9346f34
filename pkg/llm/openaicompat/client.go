// Package openaicompat is the concrete LLM transport for any
// OpenAI-chat-completions-compatible endpoint. It implements pkg/llm.Client
// behind the go-openai SDK so the optimization core stays provider-agnostic
// (spec §6.2, §9 "dynamic dispatch over LLM providers").
package openaicompat

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aerugo/cashgame/pkg/errs"
	"github.com/aerugo/cashgame/pkg/llm"
)

// Client wraps an OpenAI-compatible chat completions endpoint.
type Client struct {
	inner *openai.Client
	model string
}

// Config configures Client construction.
type Config struct {
	APIKey  string
	BaseURL string // empty = api.openai.com
	Model   string // bare model name, already split from the "provider:model" form
}

// New builds a Client for the given provider configuration.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errs.NewConfigurationError("llm.api_key", fmt.Errorf("must be non-empty"))
	}
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaCfg.BaseURL = cfg.BaseURL
	}
	return &Client{inner: openai.NewClientWithConfig(oaCfg), model: cfg.Model}, nil
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.inner.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: llm.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Instruction},
		},
		Temperature: float32(req.Temperature),
	})
	latency := time.Since(start).Seconds()

	if err != nil {
		timeout := ctx.Err() != nil
		return llm.Response{}, &errs.LLMError{Provider: "openaicompat", Timeout: timeout, Err: err}
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, &errs.LLMError{Provider: "openaicompat", Err: fmt.Errorf("response contained no choices")}
	}

	return llm.Response{
		RawText:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		LatencySeconds:   latency,
	}, nil
}
