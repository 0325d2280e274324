package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dotsetgreg/dotchat/pkg/config"
)

const completionBody = `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"llama3-8b-8192",
"choices":[{"index":0,"message":{"role":"assistant","content":"  hello there  "},"finish_reason":"stop"}],
"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`

func TestCreateProvider_Groq_DefaultSelection(t *testing.T) {
	var seenAuth, seenPath string
	var req map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.Name = ""
	cfg.Provider.APIKey = "gsk-test"
	cfg.Provider.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if provider.GetDefaultModel() != "llama3-8b-8192" {
		t.Fatalf("default model = %q", provider.GetDefaultModel())
	}

	messages := []Message{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "how are you"},
	}
	resp, err := provider.Chat(context.Background(), messages, "", map[string]interface{}{
		"max_tokens":  500,
		"temperature": 0.7,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello there" {
		t.Fatalf("content = %q, want trimmed reply", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if seenAuth != "Bearer gsk-test" {
		t.Fatalf("auth header = %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("path = %q", seenPath)
	}
	if req["model"] != "llama3-8b-8192" {
		t.Fatalf("model = %v", req["model"])
	}
	if req["max_tokens"] != float64(500) || req["temperature"] != 0.7 {
		t.Fatalf("max_tokens/temperature = %v/%v", req["max_tokens"], req["temperature"])
	}
	sent, _ := req["messages"].([]interface{})
	if len(sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(sent))
	}
	roles := make([]string, 0, len(sent))
	for _, m := range sent {
		roles = append(roles, m.(map[string]interface{})["role"].(string))
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Fatalf("roles = %v", roles)
	}
}

func TestChat_FailuresAreClassifiedWithoutRetry(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   FailureKind
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached for requests","type":"requests","code":"rate_limit_exceeded"}}`, FailureRateLimited},
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota, please check your plan and billing details.","type":"insufficient_quota","code":"insufficient_quota"}}`, FailureQuotaExceeded},
		{"auth", http.StatusUnauthorized, `{"error":{"message":"Invalid API Key","type":"invalid_request_error","code":"invalid_api_key"}}`, FailureAuth},
		{"server", http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error","code":null}}`, FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			cfg := config.DefaultConfig()
			cfg.Provider.Name = ProviderOpenAI
			cfg.Provider.APIKey = "sk-test"
			cfg.Provider.APIBase = server.URL

			provider, err := CreateProvider(cfg)
			if err != nil {
				t.Fatalf("create provider: %v", err)
			}
			_, err = provider.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
			if err == nil {
				t.Fatalf("expected error")
			}
			var be *BackendError
			if !errors.As(err, &be) {
				t.Fatalf("expected *BackendError, got %T", err)
			}
			if be.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", be.StatusCode, tt.status)
			}
			if got := ClassifyError(err); got != tt.want {
				t.Fatalf("ClassifyError = %s, want %s", got, tt.want)
			}
			if calls.Load() != 1 {
				t.Fatalf("backend called %d times, want exactly 1", calls.Load())
			}
		})
	}
}

func TestClassifyError_Text(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{nil, FailureNone},
		{errors.New("Rate limit exceeded, slow down"), FailureRateLimited},
		{errors.New("429 Too Many Requests"), FailureRateLimited},
		{errors.New("insufficient_quota"), FailureQuotaExceeded},
		{errors.New("Incorrect API key provided"), FailureAuth},
		{errors.New("dial tcp: i/o timeout"), FailureUnknown},
		{fmt.Errorf("wrapped: %w", &BackendError{Kind: FailureAuth, Provider: "x", Err: errors.New("no")}), FailureAuth},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestCreateProvider_MissingKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.Name = ProviderGroq
	cfg.Provider.APIKey = ""

	if _, err := CreateProvider(cfg); err == nil || !strings.Contains(err.Error(), "GroqAPIKey") {
		t.Fatalf("expected missing key error mentioning GroqAPIKey, got %v", err)
	}
	_, configured, _, err := ProviderCredentialStatus(cfg)
	if err != nil {
		t.Fatalf("ProviderCredentialStatus: %v", err)
	}
	if configured {
		t.Fatalf("provider should not be configured without a key")
	}
}

func TestCreateProvider_Unsupported(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.Name = "anthropic-direct"
	if _, err := CreateProvider(cfg); err == nil || !strings.Contains(err.Error(), "unsupported provider") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestEchoProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.Name = ProviderEcho

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: " ping "},
	}, "", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "You said: ping" {
		t.Fatalf("content = %q", resp.Content)
	}

	got := SupportedProviders()
	if strings.Join(got, ",") != "echo,groq,openai,openrouter" {
		t.Fatalf("SupportedProviders = %v", got)
	}
}
