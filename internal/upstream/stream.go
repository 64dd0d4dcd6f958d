package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Result carries one decoded text fragment or a terminal stream error.
// After a Result with a non-nil Err, no further results arrive.
type Result struct {
	Fragment string
	Err      error
}

// chunk mirrors the wire shape of one upstream SSE event.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Stream opens a streaming completion call and returns a channel of decoded
// fragments in upstream emission order. The channel is closed when the
// stream ends; it is single-use, and every call issues a fresh upstream
// request. A non-2xx upstream status is reported here, before any fragment
// is delivered. Cancelling ctx stops the reader and releases the borrowed
// connection.
func (c *Client) Stream(ctx context.Context, req *Request) (<-chan Result, error) {
	body, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.acquire().Do(httpReq)
	if err != nil {
		return nil, classifyErr(err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode}
	}

	out := make(chan Result)
	go c.readEvents(ctx, resp.Body, out)
	return out, nil
}

// readEvents scans the SSE body line by line and forwards decoded text
// deltas. An inactivity watchdog severs the body if no line arrives within
// the idle timeout, which unblocks the scanner with an error we report as
// ErrTimeout.
func (c *Client) readEvents(ctx context.Context, body io.ReadCloser, out chan<- Result) {
	defer close(out)
	defer body.Close()

	var timedOut atomic.Bool
	idle := time.AfterFunc(c.opts.IdleTimeout, func() {
		timedOut.Store(true)
		body.Close()
	})
	defer idle.Stop()

	send := func(r Result) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	// A single delta can carry a sizeable JSON frame.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		idle.Reset(c.opts.IdleTimeout)

		line := scanner.Text()

		// Only data lines are candidate events; blank separators and
		// comment lines are ignored.
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if data == doneSentinel {
			return
		}

		var ev chunk
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Keep-alive noise and partial frames are not fatal.
			c.logger.Debug("skipping malformed SSE line", slog.String("error", err.Error()))
			continue
		}
		if len(ev.Choices) == 0 {
			continue
		}
		if delta := ev.Choices[0].Delta.Content; delta != "" {
			if !send(Result{Fragment: delta}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if timedOut.Load() {
			send(Result{Err: ErrTimeout})
			return
		}
		if ctx.Err() != nil {
			// Caller went away; nobody is listening.
			return
		}
		send(Result{Err: classifyErr(err)})
	}
}
