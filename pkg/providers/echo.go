package providers

import (
	"context"
	"strings"
)

// EchoProvider answers without any network access. It exists for local
// development of the web client and for end-to-end tests.
type EchoProvider struct{}

func NewEchoProvider() *EchoProvider { return &EchoProvider{} }

func (p *EchoProvider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, &BackendError{Kind: FailureUnknown, Provider: ProviderEcho, Err: err}
	}
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			last = messages[i].Content
			break
		}
	}
	return &LLMResponse{
		Content:      "You said: " + strings.TrimSpace(last),
		Model:        p.GetDefaultModel(),
		FinishReason: "stop",
	}, nil
}

func (p *EchoProvider) GetDefaultModel() string { return "echo" }
