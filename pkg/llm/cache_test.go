package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/pkg/llm"
)

func TestAnalyst_LLM_CachingClient(t *testing.T) {
	t.Parallel()

	calls := 0
	fail := true
	next := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		if fail {
			fail = false
			return nil, errors.New("transient")
		}
		return &llm.Response{Text: "answer for " + req.User}, nil
	})

	c, err := llm.NewCachingClient(next, 0, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	req := llm.Request{System: "s", User: "u"}

	_, err = c.Complete(ctx, req)
	require.Error(t, err)

	resp, err := c.Complete(ctx, req)
	require.NoError(t, err)
	require.False(t, resp.Cached)
	c.Wait()

	resp, err = c.Complete(ctx, req)
	require.NoError(t, err)
	require.True(t, resp.Cached)
	require.Equal(t, "answer for u", resp.Text)
	require.Equal(t, 2, calls)

	resp, err = c.Complete(ctx, llm.Request{System: "s", User: "other"})
	require.NoError(t, err)
	require.False(t, resp.Cached)
	require.Equal(t, 3, calls)
}
