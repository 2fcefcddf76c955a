package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/errors"
)

const defaultChatterModel = "gpt-4o-mini"

// chatterRepo implements conversational replies on an OpenAI-compatible API
type chatterRepo struct {
	client *openai.Client
	model  string
}

// NewChatterRepo creates a chatter repository; baseURL may be empty for the OpenAI default
func NewChatterRepo(apiKey, baseURL, model string) repo.ChatterRepo {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = defaultChatterModel
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &chatterRepo{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func chatterPrompt(botName string) string {
	return fmt.Sprintf(`You are %s, a friendly bot in a group chat that relays Bluesky posts into channels.
Answer in one or two short sentences of plain text. No markdown, no lists.
If someone asks what you can do, tell them to say "%s: help".`, botName, botName)
}

// Reply answers message from nickname
func (r *chatterRepo) Reply(ctx context.Context, botName, nickname, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: chatterPrompt(botName)},
			{Role: openai.ChatMessageRoleUser, Name: chatterName(nickname), Content: message},
		},
		Temperature: 0.7,
		MaxTokens:   120,
	})
	if err != nil {
		return "", errors.MarkTransient(errors.Wrap(err, "chat completion"))
	}

	if len(resp.Choices) == 0 {
		return "", errors.MarkTransient(errors.New("no response choices"))
	}

	return strings.Join(strings.Fields(resp.Choices[0].Message.Content), " "), nil
}

// chatterName reduces a nickname to the characters the API accepts in a message name
func chatterName(nickname string) string {
	var b strings.Builder
	for _, r := range nickname {
		if r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() > 64 {
		return b.String()[:64]
	}
	return b.String()
}
