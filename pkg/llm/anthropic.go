package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"

	"github.com/malbeclabs/analyst/pkg/metrics"
)

const (
	DefaultModel       = string(anthropic.ModelClaudeSonnet4_5_20250929)
	DefaultAuxModel    = string(anthropic.ModelClaudeHaiku4_5_20251001)
	DefaultMaxTokens   = 4096
	DefaultMaxAttempts = 3
)

type AnthropicConfig struct {
	Logger         *slog.Logger
	APIKey         string
	Model          string
	MaxTokens      int64
	Temperature    float64
	MaxAttempts    uint
	InitialBackoff time.Duration
	// Options are appended to the client options, e.g. a base URL in tests.
	Options []option.RequestOption
}

func (c *AnthropicConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.APIKey == "" {
		return errors.New("anthropic api key is required")
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	return nil
}

// AnthropicClient implements Client against the Messages API. The SDK's
// own retries are disabled; transient failures are retried here.
type AnthropicClient struct {
	log    *slog.Logger
	cfg    AnthropicConfig
	client anthropic.Client
}

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	opts := append([]option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}, cfg.Options...)
	return &AnthropicClient{
		log:    cfg.Logger,
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(c.cfg.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}
	if req.System != "" {
		block := anthropic.TextBlockParam{Text: req.System}
		if req.CacheSystem {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff

	start := time.Now()
	attempt := 0
	msg, err := backoff.Retry(ctx, func() (*anthropic.Message, error) {
		attempt++
		if attempt > 1 {
			c.log.Warn("llm: retrying request", "model", model, "attempt", attempt)
		}
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			if !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return msg, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.MaxAttempts))

	duration := time.Since(start)
	metrics.LLMRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(model, "error").Inc()
		c.log.Error("llm: request failed", "model", model, "attempts", attempt, "duration", duration, "error", err)
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(model, "ok").Inc()

	usage := Usage{
		InputTokens:         msg.Usage.InputTokens,
		OutputTokens:        msg.Usage.OutputTokens,
		CacheReadTokens:     msg.Usage.CacheReadInputTokens,
		CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
	}
	metrics.LLMTokensTotal.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	metrics.LLMTokensTotal.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
	metrics.LLMTokensTotal.WithLabelValues(model, "cache_read").Add(float64(usage.CacheReadTokens))
	metrics.LLMTokensTotal.WithLabelValues(model, "cache_creation").Add(float64(usage.CacheCreationTokens))

	c.log.Debug("llm: request completed", "model", model, "duration", duration, "stop_reason", msg.StopReason,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Text:       sb.String(),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage:      usage,
	}, nil
}

// retryable reports whether an API error is worth another attempt: rate
// limits, overload and server errors, or a transport failure.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return true
		case apiErr.StatusCode == 529:
			return true
		case apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return true
}
