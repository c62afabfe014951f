// Package llm is the completion client used by the capability adapters.
package llm

import (
	"context"
	"errors"
)

var ErrEmptyResponse = errors.New("no text content in response")

// Request is a single-turn completion. System is sent as a cacheable
// prompt block when CacheSystem is set.
type Request struct {
	System      string
	User        string
	Model       string
	MaxTokens   int64
	CacheSystem bool
}

type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

type Response struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
	Cached     bool
}

type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
