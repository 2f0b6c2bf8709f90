package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel   = "gemini-2.0-flash"

	geminiAPIVersion = "v1beta"
)

// GeminiClient calls generateContent through the genai SDK. The API key never
// leaves the server; the SDK sends it in the x-goog-api-key header.
type GeminiClient struct {
	model  string
	client *genai.Client
}

// NewGeminiClient builds the SDK client. An empty key is not an error here:
// every call then fails with an APIError so the apology path handles it.
func NewGeminiClient(ctx context.Context, baseURL, model, apiKey string, timeout time.Duration) (*GeminiClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultGeminiModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &GeminiClient{model: model}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return c, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    baseURL,
			APIVersion: geminiAPIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c.client = client
	return c, nil
}

func (c *GeminiClient) GenerateContent(ctx context.Context, req Request) (Response, error) {
	if c.client == nil {
		return Response{}, &APIError{Message: "completion API key not configured"}
	}

	res, err := c.client.Models.GenerateContent(ctx, c.model, toGenaiContents(req.Contents), toGenaiConfig(req))
	if err != nil {
		return Response{}, fromGenaiError(err)
	}
	return fromGenaiResponse(res), nil
}

func toGenaiContents(in []Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(in))
	for _, c := range in {
		out = append(out, toGenaiContent(c))
	}
	return out
}

func toGenaiContent(c Content) *genai.Content {
	parts := make([]*genai.Part, 0, len(c.Parts))
	for _, p := range c.Parts {
		parts = append(parts, &genai.Part{Text: p.Text})
	}
	return &genai.Content{Role: c.Role, Parts: parts}
}

func toGenaiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.GenerationConfig.Temperature)),
		MaxOutputTokens: int32(req.GenerationConfig.MaxOutputTokens),
	}
	if req.SystemInstruction != nil {
		cfg.SystemInstruction = toGenaiContent(*req.SystemInstruction)
	}
	for _, s := range req.SafetySettings {
		cfg.SafetySettings = append(cfg.SafetySettings, &genai.SafetySetting{
			Category:  genai.HarmCategory(s.Category),
			Threshold: genai.HarmBlockThreshold(s.Threshold),
		})
	}
	return cfg
}

func fromGenaiResponse(res *genai.GenerateContentResponse) Response {
	var out Response
	if res == nil {
		return out
	}
	for _, cand := range res.Candidates {
		if cand == nil {
			continue
		}
		c := Candidate{}
		if cand.Content != nil {
			content := Content{Role: cand.Content.Role}
			for _, p := range cand.Content.Parts {
				if p != nil {
					content.Parts = append(content.Parts, Part{Text: p.Text})
				}
			}
			c.Content = &content
		}
		out.Candidates = append(out.Candidates, c)
	}
	if res.PromptFeedback != nil && res.PromptFeedback.BlockReason != "" {
		out.PromptFeedback = &PromptFeedback{BlockReason: string(res.PromptFeedback.BlockReason)}
	}
	return out
}

// fromGenaiError keeps the endpoint's own message, e.g. "quota exceeded".
func fromGenaiError(err error) *APIError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	return &APIError{Message: fmt.Sprintf("generate content: %v", err), Err: err}
}
