package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// Ollama provides completions from a local or remote Ollama server. It
// performs a single non-streamed request per prompt; the incremental display
// is handled client-side by the response renderer.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server. If the provided host URL is invalid,
// the function will panic.
func NewOllama(host, model, systemPrompt string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}
}

// Complete sends the prompt to the Ollama model and returns the full reply
// text, instructed to answer in the given natural language. The context can
// be used to cancel or time out the request.
func (o Ollama) Complete(ctx context.Context, prompt, language string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: systemFor(o.systemPrompt, language),
			},
			{
				Role:    "user",
				Content: prompt,
			},
		},
		Stream: &f,
	}

	var reply string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		reply = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return reply, nil
}

// systemFor augments the configured system prompt with the reply-language
// instruction. An empty language leaves the prompt untouched.
func systemFor(systemPrompt, language string) string {
	if language == "" {
		return systemPrompt
	}
	if systemPrompt == "" {
		return fmt.Sprintf("Reply in %s.", language)
	}
	return fmt.Sprintf("%s\n\nReply in %s.", systemPrompt, language)
}
