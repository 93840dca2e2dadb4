package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/sipeed/larkrelay/pkg/config"
	"github.com/sipeed/larkrelay/pkg/logger"
	"github.com/sipeed/larkrelay/pkg/metrics"
)

// ProviderError describes a completion response that produced no usable
// reply. It is logged, never returned to callers of GenerateReply.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Reason     string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Model, e.Reason)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CompletionClient turns a prompt into a single reply using an
// OpenAI-compatible chat completions endpoint.
type CompletionClient struct {
	config   config.ProviderConfig
	client   openai.Client
	provider string
}

func NewCompletionClient(cfg config.ProviderConfig, httpClient *http.Client) *CompletionClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Referer != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", cfg.Referer))
	}
	if cfg.Title != "" {
		opts = append(opts, option.WithHeader("X-Title", cfg.Title))
	}
	if t := cfg.Timeout(); t > 0 {
		opts = append(opts, option.WithRequestTimeout(t))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &CompletionClient{
		config:   cfg,
		client:   openai.NewClient(opts...),
		provider: ProviderLabel(cfg.APIBase, cfg.Model),
	}
}

// GenerateReply sends prompt as a single user message and returns the first
// choice's content. A missing API key yields the configured notice without a
// network call. Any response without usable content yields the fallback
// text, whether it is an API error, an empty body or a body that is not a
// completion. Errors are returned only when no response arrived.
func (c *CompletionClient) GenerateReply(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(c.config.APIKey) == "" {
		logger.WarnCF("provider", "Completion API key not configured", nil)
		metrics.IncCompletionFallback("missing_key")
		return c.config.MissingKeyText, nil
	}

	startedAt := time.Now()
	logger.DebugCF("provider", "Completion request started", map[string]interface{}{
		"provider":      c.provider,
		"model":         c.config.Model,
		"prompt_length": len(prompt),
	})

	// status stays 0 unless the provider answered at all.
	var status int
	recordStatus := option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		res, err := next(req)
		if res != nil {
			status = res.StatusCode
		}
		return res, err
	})

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}, recordStatus)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return c.fallback(&ProviderError{
				Provider:   c.provider,
				Model:      c.config.Model,
				StatusCode: apiErr.StatusCode,
				Reason:     "api error",
				Err:        err,
			}, "api_error"), nil
		}
		if status != 0 {
			return c.fallback(&ProviderError{
				Provider:   c.provider,
				Model:      c.config.Model,
				StatusCode: status,
				Reason:     "unreadable response",
				Err:        err,
			}, "bad_response"), nil
		}
		logger.ErrorCF("provider", "Completion request failed", map[string]interface{}{
			"provider":    c.provider,
			"model":       c.config.Model,
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"error":       err.Error(),
		})
		return "", fmt.Errorf("completion request: %w", err)
	}

	metrics.AddCompletionTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return c.fallback(&ProviderError{Provider: c.provider, Model: c.config.Model, Reason: "no choices"}, "no_choices"), nil
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return c.fallback(&ProviderError{Provider: c.provider, Model: c.config.Model, Reason: "empty content"}, "empty_content"), nil
	}

	logger.InfoCF("provider", "Completion received", map[string]interface{}{
		"provider":          c.provider,
		"model":             resp.Model,
		"duration_ms":       time.Since(startedAt).Milliseconds(),
		"response_length":   len(content),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})
	return content, nil
}

func (c *CompletionClient) fallback(perr *ProviderError, reason string) string {
	logger.WarnCF("provider", "Completion produced no reply, using fallback", map[string]interface{}{
		"error": perr.Error(),
	})
	metrics.IncCompletionFallback(reason)
	return c.config.FallbackText
}
