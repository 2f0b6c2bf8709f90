// Package completion owns the bounded conversation context sent to the
// completion endpoint and the request/response handling around one call.
package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	FallbackReply = "Sorry, I couldn't understand that. Could you try again? 🤔"
	blockedReply  = "I can't respond to that: %s. Please try something else."
)

// Session holds the in-memory context window for one conversation. Callers
// serialize Send; the mutex only guards the history slice.
type Session struct {
	transport Transport
	maxTurns  int

	mu      sync.Mutex
	history []Content
}

func NewSession(transport Transport) *Session {
	return &Session{transport: transport, maxTurns: MaxContextTurns}
}

// Send appends the user turn, calls the endpoint once and folds the reply back
// into the context. On error the user turn stays in context. The request never
// carries more than maxTurns entries, the new user turn last.
func (s *Session) Send(ctx context.Context, userText, instruction string) (string, error) {
	s.mu.Lock()
	s.history = append(s.history, NewContent(RoleUser, userText))
	s.trimLocked()
	req := buildRequest(s.history, instruction)
	s.mu.Unlock()

	if s.transport == nil {
		return "", &APIError{Message: "completion transport not configured"}
	}
	res, err := s.transport.GenerateContent(ctx, req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "", apiErr
		}
		return "", &APIError{Message: err.Error(), Err: err}
	}

	reply := replyText(res)

	s.mu.Lock()
	s.history = append(s.history, NewContent(RoleModel, reply))
	s.trimLocked()
	s.mu.Unlock()

	return reply, nil
}

// LoadFrom replaces the context with the most recent maxTurns entries of
// history.
func (s *Session) LoadFrom(history []Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]Content(nil), history...)
	s.trimLocked()
}

// trimLocked drops the oldest entries beyond maxTurns.
func (s *Session) trimLocked() {
	if len(s.history) > s.maxTurns {
		s.history = append([]Content(nil), s.history[len(s.history)-s.maxTurns:]...)
	}
}

func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

func (s *Session) History() []Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Content(nil), s.history...)
}

func buildRequest(history []Content, instruction string) Request {
	contents := make([]Content, len(history))
	copy(contents, history)

	safety := make([]SafetySetting, 0, len(SafetyCategories))
	for _, c := range SafetyCategories {
		safety = append(safety, SafetySetting{Category: c, Threshold: BlockThreshold})
	}

	req := Request{
		Contents: contents,
		GenerationConfig: GenerationConfig{
			Temperature:     Temperature,
			MaxOutputTokens: MaxOutputTokens,
		},
		SafetySettings: safety,
	}
	if instruction != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: instruction}}}
	}
	return req
}

func replyText(res Response) string {
	if len(res.Candidates) > 0 {
		if c := res.Candidates[0].Content; c != nil && len(c.Parts) > 0 {
			return c.Parts[0].Text
		}
	}
	if res.PromptFeedback != nil && res.PromptFeedback.BlockReason != "" {
		return fmt.Sprintf(blockedReply, res.PromptFeedback.BlockReason)
	}
	return FallbackReply
}
