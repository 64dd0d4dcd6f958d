package upstream

import (
	"context"
	"strings"
)

// FallbackReply is returned when the upstream stream produced no text, so
// callers never receive an empty answer.
const FallbackReply = "I understand. Can you tell me more?"

// Complete drains a full streaming call and returns the concatenated reply
// plus the number of fragments received. The fragment count doubles as the
// reported token usage; it is an approximation, not a tokenizer count.
func (c *Client) Complete(ctx context.Context, req *Request) (string, int, error) {
	results, err := c.Stream(ctx, req)
	if err != nil {
		return "", 0, err
	}

	var sb strings.Builder
	count := 0
	for res := range results {
		if res.Err != nil {
			return "", count, res.Err
		}
		sb.WriteString(res.Fragment)
		count++
	}
	if err := ctx.Err(); err != nil {
		return "", count, classifyErr(err)
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		text = FallbackReply
	}
	return text, count, nil
}
