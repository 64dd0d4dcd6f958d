// Package chat exposes the HTTP surface of the gateway: request validation,
// the aggregated and streaming chat handlers, and the health probe.
package chat

import (
	"github.com/go-playground/validator/v10"

	"github.com/avatarlabs/voice-gateway/internal/upstream"
)

// ChatTurn is one prior message in the conversation history.
type ChatTurn struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,min=1,max=4096"`
}

// ChatRequest is the inbound body shared by both chat endpoints. MaxTokens
// and Temperature are pointers so an absent field falls back to the
// configured defaults while zero stays a legal temperature.
type ChatRequest struct {
	Message     string     `json:"message" validate:"required,min=1,max=4096"`
	History     []ChatTurn `json:"history" validate:"omitempty,dive"`
	MaxTokens   *int       `json:"max_tokens" validate:"omitempty,gte=1,lte=1024"`
	Temperature *float64   `json:"temperature" validate:"omitempty,gte=0,lte=2"`
}

// ChatResponse is the aggregated (non-streaming) reply.
type ChatResponse struct {
	Response   string `json:"response"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request against the schema constraints.
func (r *ChatRequest) Validate() error {
	return validate.Struct(r)
}

// toUpstream converts the validated request into an upstream call.
func (r *ChatRequest) toUpstream() *upstream.Request {
	history := make([]upstream.Turn, len(r.History))
	for i, t := range r.History {
		history[i] = upstream.Turn{Role: t.Role, Content: t.Content}
	}
	return &upstream.Request{
		Message:     r.Message,
		History:     history,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}
