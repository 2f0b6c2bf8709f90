package completion

import (
	"context"
	"fmt"
	"strings"
)

// MockTransport produces deterministic replies when no endpoint is configured.
type MockTransport struct{}

func NewMockTransport() *MockTransport { return &MockTransport{} }

func (m *MockTransport) GenerateContent(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	return Response{Candidates: []Candidate{{Content: &Content{Role: RoleModel, Parts: []Part{{Text: text}}}}}}, nil
}

func buildMockReply(req Request) string {
	var last string
	for i := len(req.Contents) - 1; i >= 0; i-- {
		if req.Contents[i].Role == RoleUser {
			last = strings.TrimSpace(req.Contents[i].Text())
			break
		}
	}
	if last == "" {
		return "I am listening."
	}
	if len(req.Contents) <= 1 {
		return fmt.Sprintf("I heard you: %s", last)
	}
	return fmt.Sprintf("I heard you: %s\nWe have shared %d messages so far.", last, len(req.Contents))
}
