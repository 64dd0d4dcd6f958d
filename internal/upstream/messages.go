package upstream

// systemPrompt is prepended to every outbound conversation. Replies are kept
// short because they are spoken aloud by the avatar frontend.
const systemPrompt = "You are a helpful voice assistant. Keep responses concise " +
	"(1-2 sentences max) for natural conversation. Be friendly and direct."

// maxHistoryTurns bounds upstream cost and latency; older turns are dropped.
const maxHistoryTurns = 6

// Turn is one message in the conversation, on the wire and in history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one chat completion call. Nil MaxTokens or Temperature
// fall back to the client's configured defaults.
type Request struct {
	Message     string
	History     []Turn
	MaxTokens   *int
	Temperature *float64
}

// payload is the JSON body sent to the upstream endpoint.
type payload struct {
	Model       string  `json:"model"`
	Messages    []Turn  `json:"messages"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

// buildMessages assembles the outbound message array: the fixed system turn,
// the tail of the history in original order, then the new user message.
func buildMessages(message string, history []Turn) []Turn {
	if n := len(history); n > maxHistoryTurns {
		history = history[n-maxHistoryTurns:]
	}
	msgs := make([]Turn, 0, len(history)+2)
	msgs = append(msgs, Turn{Role: "system", Content: systemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, Turn{Role: "user", Content: message})
	return msgs
}

func (c *Client) buildPayload(req *Request) payload {
	maxTokens := c.opts.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	temperature := c.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	return payload{
		Model:       c.opts.Model,
		Messages:    buildMessages(req.Message, req.History),
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      true,
	}
}
