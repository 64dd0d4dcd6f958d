package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(url string, opts ...func(*Options)) *Client {
	o := Options{URL: url, Model: "test-model", MaxTokens: 150, Temperature: 0.7}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o, testLogger())
}

// sseServer replays the given lines as one SSE response body.
func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, ln := range lines {
			fmt.Fprintf(w, "%s\n", ln)
			fl.Flush()
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func collect(t *testing.T, results <-chan Result) ([]string, error) {
	t.Helper()
	var fragments []string
	for res := range results {
		if res.Err != nil {
			return fragments, res.Err
		}
		fragments = append(fragments, res.Fragment)
	}
	return fragments, nil
}

func deltaLine(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, content)
}

func TestStream_YieldsFragmentsInOrder(t *testing.T) {
	ts := sseServer(t,
		deltaLine("Hello"),
		"",
		deltaLine(" there"),
		"",
		deltaLine("!"),
		"",
		"data: [DONE]",
	)

	results, err := testClient(ts.URL).Stream(context.Background(), &Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	fragments, err := collect(t, results)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}

	want := []string{"Hello", " there", "!"}
	if len(fragments) != len(want) {
		t.Fatalf("fragments = %v, want %v", fragments, want)
	}
	for i := range want {
		if fragments[i] != want[i] {
			t.Errorf("fragments[%d] = %q, want %q", i, fragments[i], want[i])
		}
	}
}

func TestStream_ParsingRules(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  int
	}{
		{
			name:  "done sentinel terminates and yields nothing",
			lines: []string{"data: [DONE]", deltaLine("after done")},
			want:  0,
		},
		{
			name:  "non data lines ignored",
			lines: []string{"event: ping", ": keep-alive", "retry: 100", deltaLine("hi"), "data: [DONE]"},
			want:  1,
		},
		{
			name:  "invalid json skipped without aborting",
			lines: []string{"data: {not json", deltaLine("hi"), "data: [DONE]"},
			want:  1,
		},
		{
			name:  "empty delta yields nothing",
			lines: []string{`data: {"choices":[{"delta":{}}]}`, "data: [DONE]"},
			want:  0,
		},
		{
			name:  "role announcement frame yields nothing",
			lines: []string{`data: {"choices":[{"delta":{"role":"assistant"}}]}`, "data: [DONE]"},
			want:  0,
		},
		{
			name:  "empty choices yields nothing",
			lines: []string{`data: {"choices":[]}`, "data: [DONE]"},
			want:  0,
		},
		{
			name:  "stream end without done is clean",
			lines: []string{deltaLine("hi")},
			want:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := sseServer(t, tt.lines...)

			results, err := testClient(ts.URL).Stream(context.Background(), &Request{Message: "hi"})
			if err != nil {
				t.Fatalf("Stream() error = %v", err)
			}

			fragments, err := collect(t, results)
			if err != nil {
				t.Fatalf("stream error = %v", err)
			}
			if len(fragments) != tt.want {
				t.Errorf("got %d fragments (%v), want %d", len(fragments), fragments, tt.want)
			}
		})
	}
}

func TestStream_SendsExpectedPayload(t *testing.T) {
	var got payload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("Accept = %q", accept)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	t.Cleanup(ts.Close)

	history := historyOfLen(3)
	results, err := testClient(ts.URL).Stream(context.Background(), &Request{Message: "hi", History: history})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if _, err := collect(t, results); err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if got.Model != "test-model" || !got.Stream {
		t.Errorf("payload model/stream = %q/%v", got.Model, got.Stream)
	}
	if got.MaxTokens != 150 || got.Temperature != 0.7 {
		t.Errorf("payload defaults = %d/%v", got.MaxTokens, got.Temperature)
	}
	if len(got.Messages) != len(history)+2 {
		t.Errorf("len(messages) = %d, want %d", len(got.Messages), len(history)+2)
	}
}

func TestStream_Non2xxFailsBeforeAnyFragment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	results, err := testClient(ts.URL).Stream(context.Background(), &Request{Message: "hi"})
	if results != nil {
		t.Error("expected nil channel on upstream status error")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusInternalServerError {
		t.Errorf("Code = %d, want 500", se.Code)
	}
}

func TestStream_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // connection refused

	_, err := testClient(ts.URL).Stream(context.Background(), &Request{Message: "hi"})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
}

func TestStream_IdleTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprint(w, deltaLine("Hello")+"\n")
		fl.Flush()
		// Then go silent well past the client's idle window.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release); ts.Close() })

	c := testClient(ts.URL, func(o *Options) { o.IdleTimeout = 100 * time.Millisecond })

	results, err := c.Stream(context.Background(), &Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	fragments, err := collect(t, results)
	if len(fragments) != 1 || fragments[0] != "Hello" {
		t.Errorf("fragments = %v, want [Hello]", fragments)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestStream_CallerCancelStopsReads(t *testing.T) {
	handlerDone := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(handlerDone)
		fl := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			fmt.Fprint(w, deltaLine(fmt.Sprintf("f%d", i))+"\n")
			fl.Flush()
			select {
			case <-time.After(30 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, err := testClient(ts.URL).Stream(ctx, &Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	received := 0
	for range results {
		received++
		if received == 2 {
			cancel()
			break
		}
	}

	// The reader goroutine must terminate: at most the one in-flight send
	// remains, then the channel closes.
	extra := 0
	for range results {
		extra++
	}
	if extra > 1 {
		t.Errorf("received %d fragments after cancel, want at most 1", extra)
	}

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream handler still running after caller cancel")
	}
}
