package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"mirai-compass/internal/config"
)

// ErrNotConfigured is returned without contacting the provider when the client
// was built without an API key.
var ErrNotConfigured = errors.New("llm client not configured: missing API key")

// Message is a minimal chat message used by the diagnosis service.
// Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Roles accepted in Message.Role.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Client defines the methods required by the diagnosis service.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// OpenAIClient calls an OpenAI-compatible chat completion API.  The default
// configuration targets Gemini's OpenAI compatibility endpoint.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

// NewOpenAIClient constructs a client from the LLM section of the config.  A
// missing API key yields a client whose calls fail with ErrNotConfigured.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	c := &OpenAIClient{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return c
	}

	oaCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		// go-openai appends "/chat/completions" to the base URL
		oaCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	c.client = openai.NewClientWithConfig(oaCfg)
	return c
}

// Configured reports whether the client has credentials.
func (c *OpenAIClient) Configured() bool {
	return c.client != nil
}

// Chat sends the message history to the chat completion API and returns the
// assistant's response.  An empty string is returned when the provider sends
// back no choices.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	if c.client == nil {
		return "", ErrNotConfigured
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// request builds the completion request.  Roles other than system and
// assistant are sent as user.
func (c *OpenAIClient) request(messages []Message) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		role := RoleUser
		switch m.Role {
		case RoleSystem, RoleAssistant:
			role = m.Role
		}
		req.Messages[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return req
}
