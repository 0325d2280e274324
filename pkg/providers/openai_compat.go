package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// compatProvider talks to any OpenAI-compatible chat completions endpoint.
// OpenAI, Groq and OpenRouter differ only in base URL and default model.
type compatProvider struct {
	providerName string
	defaultModel string
	client       openai.Client
}

type compatOptions struct {
	apiKey       string
	apiBase      string
	defaultModel string
	proxy        string
	timeout      time.Duration
}

func newCompatProvider(providerName string, opts compatOptions) (*compatProvider, error) {
	providerName = NormalizeProviderName(providerName)
	apiBase := strings.TrimRight(strings.TrimSpace(opts.apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if strings.TrimSpace(opts.apiKey) == "" {
		return nil, fmt.Errorf("%s API key not configured", providerName)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(opts.apiKey)),
		option.WithBaseURL(apiBase + "/"),
		option.WithMaxRetries(0),
	}
	if opts.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.timeout))
	}
	if proxy := strings.TrimSpace(opts.proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	return &compatProvider{
		providerName: providerName,
		defaultModel: strings.TrimSpace(opts.defaultModel),
		client:       openai.NewClient(reqOpts...),
	}, nil
}

func (p *compatProvider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	if len(messages) == 0 {
		return nil, &BackendError{Kind: FailureUnknown, Provider: p.providerName, Err: fmt.Errorf("no messages to send")}
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = p.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	if maxTokens, ok := optionAsInt(options, "max_tokens"); ok && maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if temperature, ok := optionAsFloat(options, "temperature"); ok {
		params.Temperature = openai.Float(temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, newBackendError(p.providerName, err)
	}
	if len(completion.Choices) == 0 {
		return nil, &BackendError{Kind: FailureUnknown, Provider: p.providerName, Err: fmt.Errorf("response contained no choices")}
	}

	choice := completion.Choices[0]
	resp := &LLMResponse{
		Content:      strings.TrimSpace(choice.Message.Content),
		Model:        completion.Model,
		FinishReason: string(choice.FinishReason),
	}
	if completion.Usage.TotalTokens > 0 {
		resp.Usage = &UsageInfo{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		}
	}
	return resp, nil
}

func (p *compatProvider) GetDefaultModel() string {
	if p == nil {
		return ""
	}
	return p.defaultModel
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
