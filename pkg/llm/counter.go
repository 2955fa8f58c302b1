package llm

import "context"

// Counter wraps a Gateway and accumulates token usage across calls. One
// Counter is created per inbound message so the totals can be recorded on
// the plan row afterwards. It is used from a single worker goroutine.
type Counter struct {
	Inner        Gateway
	InputTokens  int
	OutputTokens int
}

// Complete delegates to the wrapped gateway and adds the usage.
func (c *Counter) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.Inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	c.InputTokens += resp.InputTokens
	c.OutputTokens += resp.OutputTokens
	return resp, nil
}
