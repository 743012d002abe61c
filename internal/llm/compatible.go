package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// Compatible 对接兼容 OpenAI 协议的服务 (vLLM、DeepSeek 等)。
type Compatible struct {
	client *openai.Client
	model  string
}

// NewCompatible 创建一个指向 baseURL 的客户端。apiKey 可以为空。
func NewCompatible(baseURL, model, apiKey string) (*Compatible, error) {
	if baseURL == "" || model == "" {
		return nil, errors.New("compatible: baseURL and model are required")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &Compatible{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (c *Compatible) Analyze(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Compatible) Name() string { return "compatible/" + c.model }
