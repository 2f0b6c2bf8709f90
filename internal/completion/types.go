package completion

import (
	"context"
	"fmt"
)

// Role values used on the completion wire.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

const (
	Temperature     = 0.8
	MaxOutputTokens = 800
	// MaxContextTurns bounds the history sent with every request.
	MaxContextTurns = 20

	BlockThreshold = "BLOCK_MEDIUM_AND_ABOVE"
)

// SafetyCategories are filtered at BlockThreshold on every request.
var SafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

type Part struct {
	Text string `json:"text"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Text returns the first part, which carries the turn text.
func (c Content) Text() string {
	if len(c.Parts) == 0 {
		return ""
	}
	return c.Parts[0].Text
}

func NewContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

type GenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// Request is the generateContent request body.
type Request struct {
	Contents          []Content        `json:"contents"`
	SystemInstruction *Content         `json:"systemInstruction,omitempty"`
	GenerationConfig  GenerationConfig `json:"generationConfig"`
	SafetySettings    []SafetySetting  `json:"safetySettings"`
}

type Candidate struct {
	Content *Content `json:"content,omitempty"`
}

type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// Response is the generateContent response body.
type Response struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
}

// Transport performs one completion call.
type Transport interface {
	GenerateContent(ctx context.Context, req Request) (Response, error)
}

// APIError is returned for every failed completion call: missing credentials,
// network failures, non-2xx statuses and undecodable bodies.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("API request failed with status %d", e.StatusCode)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "completion request failed"
}

func (e *APIError) Unwrap() error { return e.Err }
