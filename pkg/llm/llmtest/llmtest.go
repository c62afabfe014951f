// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/malbeclabs/analyst/pkg/llm"
)

var ErrExhausted = errors.New("llmtest: no scripted responses left")

// Reply is one scripted outcome: either Text or Err.
type Reply struct {
	Text string
	Err  error
}

// Client replays scripted replies in order and records every request.
type Client struct {
	mu       sync.Mutex
	replies  []Reply
	requests []llm.Request
}

func New(replies ...Reply) *Client {
	return &Client{replies: replies}
}

// Texts scripts successful replies.
func Texts(texts ...string) *Client {
	replies := make([]Reply, len(texts))
	for i, t := range texts {
		replies[i] = Reply{Text: t}
	}
	return New(replies...)
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.replies) == 0 {
		return nil, ErrExhausted
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.Response{Text: r.Text, Model: req.Model}, nil
}

func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
